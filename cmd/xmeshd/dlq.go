package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xmesh"
)

func newDLQCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect or change the dead letters of a stopped node's queue snapshot",
	}
	var asJSON bool
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSnapshot(cmd.Context(), false, func(snap *xmesh.QueueSnapshot) error {
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(snap.DeadLetterQueue)
				}
				return printEntries(cmd.OutOrStdout(), snap.DeadLetterQueue)
			})
		},
	}
	inspect.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Move dead letters back to the queue with a fresh attempt budget",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSnapshot(cmd.Context(), true, func(snap *xmesh.QueueSnapshot) error {
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d\n", snap.RetryDeadLetters())
				return nil
			})
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every dead letter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSnapshot(cmd.Context(), true, func(snap *xmesh.QueueSnapshot) error {
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d\n", snap.ClearDeadLetters())
				return nil
			})
		},
	}
	cmd.AddCommand(inspect, retry, clearCmd)
	return cmd
}

// withSnapshot loads the queue snapshot from the configured store, runs fn
// and saves the result back when write is set.
func (a *app) withSnapshot(ctx context.Context, write bool, fn func(*xmesh.QueueSnapshot) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := xmesh.NewStore(a.cfg.Store, a.cfg.StoreConfig())
	if err != nil {
		return err
	}
	if c, ok := st.(io.Closer); ok {
		defer c.Close()
	}
	key := xmesh.DefaultQueueConfig().PersistenceKey

	var snap xmesh.QueueSnapshot
	data, err := st.Load(ctx, key)
	switch {
	case errors.Is(err, xmesh.ErrNotFound):
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
	}
	if err := fn(&snap); err != nil {
		return err
	}
	if !write {
		return nil
	}
	snap.Timestamp = xmesh.Millis(time.Now())
	out, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return st.Save(ctx, key, out)
}

func printEntries(w io.Writer, entries []xmesh.QueueEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTARGET\tATTEMPTS\tLAST ATTEMPT\tERROR")
	for _, e := range entries {
		target, typ := "", ""
		if e.Message != nil {
			typ = string(e.Message.Type)
			target = "broadcast"
			if !e.Message.Target.IsBroadcast() {
				target = e.Message.Target.AgentID()
			}
		}
		last := "-"
		if !e.LastAttempt.IsZero() {
			last = e.LastAttempt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", e.ID, typ, target, e.Attempts, last, e.Error)
	}
	return tw.Flush()
}
