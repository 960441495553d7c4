package memory

import (
	"fmt"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmesh"
)

// Use builds a transport-less Node backed by an in-memory store. Messages a
// node sends are fanned out to its own subscribers, which makes it the
// quickest way to wire handlers in tests and local tools.
//
// Example:
//
//	node, err := memory.Use(memory.Config{},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func Use(cfg Config, opts ...Option) (*xmesh.Node, error) {
	nb := xmesh.NewNodeBuilder().
		WithStoreInstance(NewStore(cfg)).
		Local()
	for _, o := range opts {
		if o != nil {
			o(nb)
		}
	}
	n, err := nb.Build()
	if err != nil {
		return nil, fmt.Errorf("memory.Use: %w", err)
	}
	return n, nil
}

// Option configures the xmesh.NodeBuilder when calling Use.
type Option func(*xmesh.NodeBuilder)

// WithConfig replaces the node configuration (queue, bridge and agent settings).
func WithConfig(c xmesh.Config) Option {
	return func(b *xmesh.NodeBuilder) { b.WithConfig(c) }
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmesh.NodeBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom clock.
func WithClock(c xmesh.Clock) Option {
	return func(b *xmesh.NodeBuilder) { b.WithClock(c) }
}

// WithHandlerMiddleware wraps every subscriber (retry, timeout, etc).
func WithHandlerMiddleware(mw ...xmesh.Middleware) Option {
	return func(b *xmesh.NodeBuilder) { b.WithHandlerMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xmesh.Observer) Option {
	return func(b *xmesh.NodeBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xmesh.NodeBuilder) { b.WithObserverPool(workers, bufferSize) }
}
