package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xmesh"
)

// loadConfig reads a YAML or JSON-with-comments file over the defaults. An
// empty path yields the defaults.
func loadConfig(path string) (xmesh.Config, error) {
	if path == "" {
		return xmesh.Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return xmesh.Config{}, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		cfg := xmesh.Defaults()
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return xmesh.Config{}, fmt.Errorf("%w: %s: %v", xmesh.ErrInvalidConfig, path, err)
		}
		return cfg, nil
	default:
		cfg, err := xmesh.ParseConfig(data)
		if err != nil {
			return xmesh.Config{}, fmt.Errorf("%s: %w", path, err)
		}
		return cfg, nil
	}
}

// override binds one setting to a flag and an XMESH_* variable.
type override struct {
	flag  string
	env   string
	usage string
	set   func(c *xmesh.Config, v string) error
}

var overrides = []override{
	{"method", "XMESH_COMMUNICATION_METHOD", "communication method: websocket, ipc or file", func(c *xmesh.Config, v string) error {
		c.CommunicationMethod = xmesh.CommunicationMethod(v)
		return nil
	}},
	{"role", "XMESH_ROLE", "server or client", func(c *xmesh.Config, v string) error { c.Role = v; return nil }},
	{"host", "XMESH_HOST", "listen host", func(c *xmesh.Config, v string) error { c.Host = v; return nil }},
	{"port", "XMESH_PORT", "listen port", func(c *xmesh.Config, v string) error {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		c.Port = p
		return nil
	}},
	{"url", "XMESH_URL", "server URL for clients", func(c *xmesh.Config, v string) error { c.URL = v; return nil }},
	{"store", "XMESH_STORE", "store adapter: memory, file, sqlite or redis", func(c *xmesh.Config, v string) error { c.Store = v; return nil }},
	{"persistence-path", "XMESH_PERSISTENCE_PATH", "directory for files, sockets and databases", func(c *xmesh.Config, v string) error {
		c.PersistencePath = v
		return nil
	}},
	{"redis-addr", "XMESH_REDIS_ADDR", "redis address for the redis store", func(c *xmesh.Config, v string) error {
		if c.StoreOptions == nil {
			c.StoreOptions = map[string]any{}
		}
		c.StoreOptions["addr"] = v
		return nil
	}},
	{"agent-id", "XMESH_AGENT_ID", "local agent id", func(c *xmesh.Config, v string) error { c.Agent.ID = v; return nil }},
	{"agent-type", "XMESH_AGENT_TYPE", "local agent type", func(c *xmesh.Config, v string) error {
		c.Agent.Type = xmesh.AgentType(v)
		return nil
	}},
	{"agent-name", "XMESH_AGENT_NAME", "local agent name", func(c *xmesh.Config, v string) error { c.Agent.Name = v; return nil }},
}

func addOverrideFlags(fs *pflag.FlagSet) {
	for _, o := range overrides {
		fs.String(o.flag, "", o.usage+" (env "+o.env+")")
	}
}

func applyEnv(c *xmesh.Config, lookup func(string) (string, bool)) error {
	for _, o := range overrides {
		if v, ok := lookup(o.env); ok && v != "" {
			if err := o.set(c, v); err != nil {
				return fmt.Errorf("%s: %w", o.env, err)
			}
		}
	}
	return nil
}

// applyFlags applies only the flags given on the command line.
func applyFlags(c *xmesh.Config, fs *pflag.FlagSet) error {
	for _, o := range overrides {
		f := fs.Lookup(o.flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := o.set(c, f.Value.String()); err != nil {
			return fmt.Errorf("--%s: %w", o.flag, err)
		}
	}
	return nil
}

func newConfigCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and validate it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(a.cfg); err != nil {
					return err
				}
			case "yaml":
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(a.cfg); err != nil {
					return err
				}
				if err := enc.Close(); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return a.cfg.Validate()
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml or json")
	return cmd
}
