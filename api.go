package xmesh

import (
	"context"
)

// HealthChecker provides health status for monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the node surface a front end (CLI, editor extension) talks to.
// It issues commands and reads snapshots; it never touches internal state.
type API interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(target Target, typ MessageType, payload Payload, opts ...MessageOption) (*Message, error)
	SendMessage(msg *Message) error
	Subscribe(channel Channel, h Handler, filter *Filter) (string, error)
	Unsubscribe(channel Channel, id string) error
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var (
	_ API           = (*Node)(nil)
	_ HealthChecker = (*Node)(nil)
	_ Inbound       = (*Node)(nil)
	_ PeerTracker   = (*Node)(nil)
	_ Inbound       = (*Bridge)(nil)
	_ Deliverer     = (*Bridge)(nil)
)
