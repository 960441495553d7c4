package xmesh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// ObserverPool dispatches events to observers on background workers so a slow
// observer never stalls a queue, bridge or transport loop. When the buffer is
// full the event is dropped and counted.
type ObserverPool struct {
	eventCh   chan *Event
	workers   int
	logger    *xlog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// PoolStats is telemetry about an ObserverPool.
type PoolStats struct {
	Dropped      uint64
	Processed    uint64
	Panics       uint64
	ActiveEvents int
	Workers      int
	BufferSize   int
}

// NewObserverPool starts workers goroutines reading from a buffer of bufferSize events.
// Non-positive values fall back to 4 workers and 1000 slots.
func NewObserverPool(ctx context.Context, workers, bufferSize int, logger *xlog.Logger) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = xlog.Default()
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		logger:  logger,
		ctx:     poolCtx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}
	return op
}

// Notify queues e for the given observers. It never blocks.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}
	e.observers = observers

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			// drain what is already buffered
			for {
				select {
				case e := <-op.eventCh:
					op.dispatch(e)
				default:
					return
				}
			}
		case e := <-op.eventCh:
			op.dispatch(e)
		}
	}
}

func (op *ObserverPool) dispatch(e *Event) {
	if e == nil {
		return
	}
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					op.panics.Add(1)
					op.logger.Error().
						Str("event", string(e.Type)).
						Str("panic", fmt.Sprint(r)).
						Msg("observer panicked")
				}
			}()
			obs.OnEvent(*e)
		}()
	}
	op.processed.Add(1)
}

// Close stops the workers after the buffer drains, waiting at most timeout.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		Panics:       op.panics.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}
