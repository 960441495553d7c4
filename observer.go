package xmesh

import (
	"reflect"
	"strconv"
	"sync"

	"github.com/trickstertwo/xlog"
)

// Observer receives lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("component", e.Component),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("message_type", string(e.MessageType)),
	)
	if e.AgentID != "" {
		ev = ev.With(xlog.Str("agent_id", e.AgentID))
	}
	if e.Attempts > 0 {
		ev = ev.With(xlog.Str("attempts", strconv.Itoa(e.Attempts)))
	}
	if e.isFailure() {
		ev.Warn().Err(e.Err).Msg("xmesh event")
		return
	}
	if e.Duration > 0 {
		ev = ev.With(xlog.Dur("duration", e.Duration))
	}
	ev.Debug().Msg("xmesh event")
}

// observers is the registry shared by every component that emits events.
// Dispatch goes through an ObserverPool when one is attached, inline otherwise.
type observers struct {
	mu   sync.RWMutex
	list []Observer
	pool *ObserverPool
}

func (o *observers) add(obs ...Observer) {
	o.mu.Lock()
	for _, ob := range obs {
		if ob != nil {
			o.list = append(o.list, ob)
		}
	}
	o.mu.Unlock()
}

// remove drops obs. Observers of non-comparable types (ObserverFunc) cannot be removed.
func (o *observers) remove(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, ob := range o.list {
		if reflect.TypeOf(ob).Comparable() && ob == obs {
			o.list = append(o.list[:i], o.list[i+1:]...)
			return
		}
	}
}

func (o *observers) notify(e Event) {
	if o == nil {
		return
	}
	o.mu.RLock()
	if len(o.list) == 0 {
		o.mu.RUnlock()
		return
	}
	snapshot := make([]Observer, len(o.list))
	copy(snapshot, o.list)
	pool := o.pool
	o.mu.RUnlock()

	if pool != nil {
		pool.Notify(e, snapshot)
		return
	}
	for _, ob := range snapshot {
		safeObserve(ob, e)
	}
}

func safeObserve(ob Observer, e Event) {
	defer func() { _ = recover() }()
	ob.OnEvent(e)
}
