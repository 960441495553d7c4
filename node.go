package xmesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// Node is the explicit context object of one agent: its bridge, delivery queue,
// store and transport. Build one with NewNodeBuilder; there is no global default.
type Node struct {
	cfg       Config
	agent     Agent
	bridge    *Bridge
	store     Store
	transport Transport
	codec     Codec
	clock     Clock
	logger    *xlog.Logger
	obs       *observers
	pool      *ObserverPool

	started  atomic.Bool
	closed   atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

func (n *Node) Agent() Agent { return n.agent }
func (n *Node) Config() Config { return n.cfg }
func (n *Node) Bridge() *Bridge { return n.bridge }
func (n *Node) Queue() *Queue { return n.bridge.Queue() }
func (n *Node) Transport() Transport { return n.transport }
func (n *Node) Store() Store { return n.store }
func (n *Node) Logger() *xlog.Logger { return n.logger }
func (n *Node) ObserverPool() *ObserverPool { return n.pool }

// Start waits for history and queue restore, registers the local agent and
// starts the transport. Inbound messages flow into the bridge.
func (n *Node) Start(ctx context.Context) error {
	if n.closed.Load() {
		return ErrNodeClosed
	}
	if n.started.Swap(true) {
		return ErrNodeStarted
	}
	for _, ready := range []<-chan struct{}{n.bridge.Ready(), n.bridge.Queue().Ready()} {
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := n.bridge.Connect(n.agent); err != nil {
		return err
	}
	if n.transport != nil {
		if err := n.transport.Start(InjectAll(ctx, n.codec, n.logger, n.clock), n); err != nil {
			return fmt.Errorf("start transport: %w", err)
		}
	}
	n.logger.Info().
		Str("agent", n.agent.ID).
		Str("method", string(n.cfg.CommunicationMethod)).
		Msg("node started")
	return nil
}

// Stop closes the transport, the bridge and its queue (which writes a final
// snapshot), the observer pool and finally the store. It is idempotent.
func (n *Node) Stop(ctx context.Context) error {
	n.stopOnce.Do(func() {
		n.closed.Store(true)
		var errs []error
		if n.transport != nil {
			if err := n.transport.Close(ctx); err != nil {
				n.logger.Warn().Err(err).Msg("transport close failed")
				errs = append(errs, err)
			}
		}
		if err := n.bridge.Close(ctx); err != nil {
			n.logger.Warn().Err(err).Msg("bridge close failed")
			errs = append(errs, err)
		}
		if n.pool != nil {
			if err := n.pool.Close(5 * time.Second); err != nil {
				n.logger.Warn().Err(err).Msg("observer pool shutdown timeout")
				errs = append(errs, err)
			}
		}
		if c, ok := n.store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		n.stopErr = errors.Join(errs...)
	})
	return n.stopErr
}

// Publish builds a message from the local agent and sends it.
func (n *Node) Publish(target Target, typ MessageType, payload Payload, opts ...MessageOption) (*Message, error) {
	if n.closed.Load() {
		return nil, ErrNodeClosed
	}
	msg := NewMessage(n.agent, target, typ, payload, append([]MessageOption{At(n.clock.Now())}, opts...)...)
	if err := n.bridge.SendMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (n *Node) SendMessage(msg *Message) error {
	if n.closed.Load() {
		return ErrNodeClosed
	}
	return n.bridge.SendMessage(msg)
}

func (n *Node) Subscribe(channel Channel, h Handler, filter *Filter) (string, error) {
	if n.closed.Load() {
		return "", ErrNodeClosed
	}
	return n.bridge.Subscribe(channel, h, filter)
}

func (n *Node) Unsubscribe(channel Channel, id string) error {
	return n.bridge.Unsubscribe(channel, id)
}

func (n *Node) AddObserver(obs Observer)    { n.obs.add(obs) }
func (n *Node) RemoveObserver(obs Observer) { n.obs.remove(obs) }

// Receive hands transport input to the bridge. Heartbeats from registered
// peers refresh their liveness.
func (n *Node) Receive(ctx context.Context, msg *Message) {
	if msg.Type == Heartbeat {
		_ = n.bridge.Heartbeat(msg.Source.ID)
	}
	n.bridge.Receive(ctx, msg)
}

func (n *Node) PeerConnected(agent Agent) {
	if err := n.bridge.Connect(agent); err != nil {
		n.logger.Debug().Err(err).Str("agent", agent.ID).Msg("peer not registered")
	}
}

func (n *Node) PeerDisconnected(agentID string) { _ = n.bridge.Disconnect(agentID) }

// Health reports unhealthy once stopped, degraded when more than 5% of the
// traffic failed (dead letters, drops, handler errors, persistence failures).
func (n *Node) Health(ctx context.Context) HealthStatus {
	now := n.clock.Now()
	if n.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "node is stopped"}
	}
	bs, err := n.bridge.Stats(ctx)
	if err != nil {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: err.Error()}
	}
	qs, err := n.bridge.Queue().Stats(ctx)
	if err != nil {
		return HealthStatus{Status: "unhealthy", Bridge: bs, Timestamp: now, Message: err.Error()}
	}

	status := "healthy"
	msg := ""
	traffic := bs.MessagesSent + bs.MessagesReceived
	failures := qs.DeadLettered + qs.Dropped + bs.MessagesDropped + bs.HandlerErrors + bs.PersistFailures
	if traffic > 0 && failures > 0 && float64(failures)/float64(traffic) > 0.05 {
		status = "degraded"
		msg = fmt.Sprintf("%d failures over %d messages", failures, traffic)
	}
	return HealthStatus{Status: status, Bridge: bs, Queue: qs, Timestamp: now, Message: msg}
}
