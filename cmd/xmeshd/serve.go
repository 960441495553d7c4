package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trickstertwo/xmesh"
	"github.com/trickstertwo/xmesh/adapter/promobserver"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		metrics   bool
		heartbeat bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, metrics, heartbeat)
		},
	}
	cmd.Flags().BoolVar(&metrics, "metrics", true, "serve /metrics and /healthz next to the websocket endpoint (server role)")
	cmd.Flags().BoolVar(&heartbeat, "heartbeat", true, "broadcast a heartbeat every heartbeatInterval")
	return cmd
}

func (a *app) serve(ctx context.Context, metrics, heartbeat bool) error {
	prom := promobserver.New(nil)
	nb := xmesh.NewNodeBuilder().
		WithConfig(a.cfg).
		WithLogger(a.logger).
		WithObserver(prom).
		WithObserverPool(2, 1024)

	var node *xmesh.Node
	if metrics && a.cfg.Role == "server" && a.cfg.CommunicationMethod != xmesh.MethodFile {
		name, err := a.cfg.TransportName()
		if err != nil {
			return err
		}
		opts := a.cfg.TransportOptions()
		opts["handlers"] = map[string]http.Handler{
			"/metrics": prom.Handler(),
			"/healthz": healthHandler(func() xmesh.HealthChecker {
				if node == nil {
					return nil
				}
				return node
			}),
		}
		nb.WithTransport(name, opts)
	}

	node, err := nb.Build()
	if err != nil {
		return err
	}
	prom.WatchNode(node)

	logMsg := xmesh.HandlerFunc(func(ctx context.Context, msg *xmesh.Message) error {
		xmesh.LoggerOrDefault(ctx).Info().
			Str("id", msg.ID).
			Str("type", string(msg.Type)).
			Str("from", msg.Source.ID).
			Str("channel", string(msg.Metadata.Channel)).
			Msg("message")
		return nil
	})
	for _, ch := range xmesh.Channels() {
		if _, err := node.Subscribe(ch, logMsg, nil); err != nil {
			_ = node.Stop(context.Background())
			return err
		}
	}
	if err := node.Start(ctx); err != nil {
		_ = node.Stop(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return node.Stop(stopCtx)
	})
	if interval := a.cfg.HeartbeatInterval.D(); heartbeat && interval > 0 {
		g.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if _, err := node.Publish(xmesh.Broadcast(), xmesh.Heartbeat,
						&xmesh.HeartbeatPayload{AgentID: node.Agent().ID}); err != nil {
						a.logger.Debug().Err(err).Msg("heartbeat not sent")
					}
				}
			}
		})
	}
	return g.Wait()
}

// healthHandler answers 200 while healthy or degraded and 503 otherwise.
func healthHandler(target func() xmesh.HealthChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := target()
		if h == nil {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		st := h.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if st.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	})
}
