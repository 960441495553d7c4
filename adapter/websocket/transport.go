package websocket

import (
	"fmt"

	"github.com/trickstertwo/xmesh"
)

const (
	TransportName = "websocket"
	IPCName       = "ipc"
)

func init() {
	for name, network := range map[string]string{TransportName: "tcp", IPCName: "unix"} {
		if err := xmesh.RegisterTransport(name, factory(network)); err != nil {
			panic(fmt.Errorf("xmesh/websocket: failed to register transport %q: %w", name, err))
		}
	}
}

func factory(network string) xmesh.TransportFactory {
	return func(m map[string]any) (xmesh.Transport, error) {
		cfg := ConfigFromMap(m)
		cfg.Network = network
		return newTransport(cfg, depsFromMap(m))
	}
}

// newTransport returns a Server or a Client depending on cfg.Role.
func newTransport(cfg Config, d deps) (xmesh.Transport, error) {
	if cfg.Role == RoleClient {
		return NewClient(cfg, d.agent, WithClientCodec(d.codec), WithClientObserver(d.observer))
	}
	opts := []ServerOption{WithAgent(d.agent), WithCodec(d.codec), WithObserver(d.observer)}
	for pattern, h := range d.handlers {
		opts = append(opts, WithHandler(pattern, h))
	}
	return NewServer(cfg, opts...)
}

var (
	_ xmesh.Transport = (*Server)(nil)
	_ xmesh.Transport = (*Client)(nil)
)
