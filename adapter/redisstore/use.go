package redisstore

import (
	"fmt"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmesh"
)

// Use builds a Node whose queue snapshots and history live in Redis. The
// transport still follows the node configuration.
func Use(nodeCfg xmesh.Config, cfg Config, opts ...Option) (*xmesh.Node, error) {
	nb := xmesh.NewNodeBuilder().
		WithConfig(nodeCfg).
		WithStore(StoreName, cfg.toMap())
	for _, o := range opts {
		if o != nil {
			o(nb)
		}
	}
	n, err := nb.Build()
	if err != nil {
		return nil, fmt.Errorf("redisstore.Use: %w", err)
	}
	return n, nil
}

// Option configures the xmesh.NodeBuilder when calling Use.
type Option func(*xmesh.NodeBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmesh.NodeBuilder) { b.WithLogger(l) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *xmesh.NodeBuilder) { b.WithCodec(name) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xmesh.Observer) Option {
	return func(b *xmesh.NodeBuilder) { b.WithObserver(obs...) }
}
