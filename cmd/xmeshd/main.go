// Command xmeshd runs an xmesh node and inspects its persisted state.
//
//	xmeshd serve -c xmesh.yaml
//	xmeshd send --type KNOWLEDGE_QUERY --payload '{"question":"who owns auth?"}'
//	xmeshd dlq inspect
//	xmeshd config
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
	"golang.org/x/term"

	"github.com/trickstertwo/xmesh"
	_ "github.com/trickstertwo/xmesh/adapter/filedrop"
	_ "github.com/trickstertwo/xmesh/adapter/filestore"
	_ "github.com/trickstertwo/xmesh/adapter/memory"
	_ "github.com/trickstertwo/xmesh/adapter/redisstore"
	_ "github.com/trickstertwo/xmesh/adapter/sqlitestore"
	_ "github.com/trickstertwo/xmesh/adapter/websocket"
)

// app holds what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	envFiles   []string
	verbose    bool

	cfg    xmesh.Config
	logger *xlog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "xmeshd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "xmeshd",
		Short:         "Messaging node for cooperating coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	fs := root.PersistentFlags()
	fs.StringVarP(&a.configPath, "config", "c", "", "config file (.yaml, .yml, .json or .jsonc)")
	fs.StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "dotenv files loaded before XMESH_* overrides")
	fs.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	addOverrideFlags(fs)

	root.AddCommand(newServeCmd(a), newSendCmd(a), newDLQCmd(a), newConfigCmd(a))
	return root
}

// setup loads dotenv files, the config file, environment and flag overrides,
// in that order, and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	for _, f := range a.envFiles {
		// missing files are fine
		_ = godotenv.Load(f)
	}
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return err
	}
	if err := applyFlags(&cfg, cmd.Flags()); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(a.verbose)
	return nil
}

func newLogger(verbose bool) *xlog.Logger {
	level := xlog.LevelInfo
	if verbose {
		level = xlog.LevelDebug
	}
	return zerolog.Use(zerolog.Config{
		MinLevel:          level,
		Console:           term.IsTerminal(int(os.Stderr.Fd())),
		ConsoleTimeFormat: time.RFC3339,
		Writer:            os.Stderr,
	}).With(xlog.Str("app", "xmeshd"))
}
