package xmesh

import (
	"context"
	"fmt"
	"slices"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmesh/internal/mailbox"
)

// Filter narrows a subscription. Every predicate that is set must match.
type Filter struct {
	Types       []MessageType
	Sources     []string
	MinPriority *Priority
}

// AtLeast is a helper for Filter.MinPriority.
func AtLeast(p Priority) *Priority { return &p }

// Match reports whether msg passes every predicate of f. A nil filter matches everything.
func (f *Filter) Match(msg *Message) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, msg.Type) {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, msg.Source.ID) {
		return false
	}
	if f.MinPriority != nil && msg.Metadata.Priority < *f.MinPriority {
		return false
	}
	return true
}

// Subscription binds a handler to a channel.
type Subscription struct {
	ID      string
	Channel Channel
	Handler Handler
	Filter  *Filter
}

// dispatchJob is one message and the subscriptions it matched at fan-out time.
type dispatchJob struct {
	ctx  context.Context
	msg  *Message
	subs []Subscription
}

// dispatcher runs subscriber handlers in order on its own goroutine, so
// handlers may call back into the bridge without deadlocking its loop.
type dispatcher struct {
	mail    *mailbox.Mailbox[dispatchJob]
	wrap    []Middleware
	logger  *xlog.Logger
	onError func(sub Subscription, msg *Message, err error)
	done    chan struct{}
	stop    chan struct{}
}

func newDispatcher(logger *xlog.Logger, wrap []Middleware, onError func(Subscription, *Message, error)) *dispatcher {
	d := &dispatcher{
		mail:    mailbox.New[dispatchJob](),
		wrap:    wrap,
		logger:  logger,
		onError: onError,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) submit(job dispatchJob) bool {
	if len(job.subs) == 0 {
		return true
	}
	return d.mail.Put(job)
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			for _, job := range d.mail.Close() {
				d.deliver(job)
			}
			return
		case <-d.mail.Ready():
			for _, job := range d.mail.Take() {
				d.deliver(job)
			}
		}
	}
}

func (d *dispatcher) deliver(job dispatchJob) {
	for _, sub := range job.subs {
		mws := append([]Middleware{RecoveryMiddleware()}, d.wrap...)
		h := Chain(sub.Handler, mws...)
		if err := h.Handle(job.ctx, job.msg); err != nil {
			d.logger.Warn().
				Err(err).
				Str("subscription", sub.ID).
				Str("channel", string(sub.Channel)).
				Str("message_id", job.msg.ID).
				Msg("subscriber failed")
			if d.onError != nil {
				d.onError(sub, job.msg, err)
			}
		}
	}
}

// close delivers what is queued and stops.
func (d *dispatcher) close(ctx context.Context) error {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}
