package xmesh

import (
	"context"
)

// Inbound receives messages a transport read from its peers.
type Inbound interface {
	Receive(ctx context.Context, msg *Message)
}

// InboundFunc is an Adapter that lets a plain function satisfy Inbound.
type InboundFunc func(ctx context.Context, msg *Message)

func (f InboundFunc) Receive(ctx context.Context, msg *Message) { f(ctx, msg) }

// Transport is the Strategy interface for carrying messages between agents.
type Transport interface {
	// Start begins accepting or connecting. Messages read from peers go to in.
	// A logger injected into ctx (see InjectAll) is used for diagnostics.
	Start(ctx context.Context, in Inbound) error
	// Send delivers msg to its target, or to every peer for broadcast.
	// An error makes the delivery queue retry the message.
	Send(ctx context.Context, msg *Message) error
	// Close releases resources.
	Close(ctx context.Context) error
}

// PeerTracker is implemented by inbound sinks that keep an agent registry.
// Transports call it when a peer completes or loses its handshake.
type PeerTracker interface {
	PeerConnected(agent Agent)
	PeerDisconnected(agentID string)
}
