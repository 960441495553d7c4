package xmesh

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastQueueConfig() QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.RecheckInterval = 5 * time.Millisecond
	cfg.ProcessingTimeout = time.Second
	return cfg
}

func waitStats(t *testing.T, q *Queue, cond func(QueueStats) bool) QueueStats {
	t.Helper()
	var st QueueStats
	require.Eventually(t, func() bool {
		var err error
		st, err = q.Stats(context.Background())
		return err == nil && cond(st)
	}, 3*time.Second, 5*time.Millisecond)
	return st
}

func TestQueue_DeliversInPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var got []Priority
	gate := make(chan struct{})
	d := DelivererFunc(func(ctx context.Context, msg *Message) error {
		<-gate
		mu.Lock()
		got = append(got, msg.Metadata.Priority)
		mu.Unlock()
		return nil
	})
	q, err := NewQueue(fastQueueConfig(), d)
	require.NoError(t, err)
	defer q.Close(context.Background())

	// the first message occupies the deliverer while the rest queue up behind it
	_, err = q.Enqueue(testMessage(PriorityNormal))
	require.NoError(t, err)
	waitStats(t, q, func(s QueueStats) bool { return s.InFlight == 1 })
	for _, p := range []Priority{PriorityLow, PriorityHigh, PriorityNormal} {
		_, err := q.Enqueue(testMessage(p))
		require.NoError(t, err)
	}
	waitStats(t, q, func(s QueueStats) bool { return s.Pending == 3 })
	close(gate)

	waitStats(t, q, func(s QueueStats) bool { return s.Delivered == 4 })
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Priority{PriorityNormal, PriorityHigh, PriorityNormal, PriorityLow}, got)
}

func TestQueue_EventualTerminalState(t *testing.T) {
	cfg := fastQueueConfig()
	cfg.MaxRetries = 3
	var seen sync.Map
	d := DelivererFunc(func(ctx context.Context, msg *Message) error {
		// LOW messages always fail, the rest fail on their first attempt only
		_, again := seen.LoadOrStore(msg.ID, true)
		if msg.Metadata.Priority == PriorityLow || !again {
			return errBoom
		}
		return nil
	})
	q, err := NewQueue(cfg, d)
	require.NoError(t, err)
	defer q.Close(context.Background())

	for i := 0; i < 6; i++ {
		p := PriorityNormal
		if i%2 == 0 {
			p = PriorityLow
		}
		_, err := q.Enqueue(testMessage(p))
		require.NoError(t, err)
	}

	st := waitStats(t, q, func(s QueueStats) bool { return s.Delivered+s.DeadLettered == 6 })
	assert.Equal(t, uint64(3), st.DeadLettered)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.InFlight)

	dead, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 3)
	for _, e := range dead {
		assert.Equal(t, StatusDead, e.Status)
		assert.Equal(t, 3, e.Attempts)
		assert.Equal(t, errBoom.Error(), e.Error)
	}
}

func TestQueue_ProcessingTimeoutCancelsAttempt(t *testing.T) {
	cfg := fastQueueConfig()
	cfg.ProcessingTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 4
	var attempts atomic.Int32
	cancelled := make(chan struct{}, 8)
	d := DelivererFunc(func(ctx context.Context, msg *Message) error {
		if attempts.Add(1) == 1 {
			<-ctx.Done()
			cancelled <- struct{}{}
			return ctx.Err()
		}
		return nil
	})
	var timedOut atomic.Int32
	obs := ObserverFunc(func(e Event) {
		if e.Type == TimedOut {
			timedOut.Add(1)
		}
	})
	q, err := NewQueue(cfg, d, WithQueueObservers(obs))
	require.NoError(t, err)
	defer q.Close(context.Background())

	_, err = q.Enqueue(testMessage(PriorityNormal))
	require.NoError(t, err)

	st := waitStats(t, q, func(s QueueStats) bool { return s.Delivered == 1 })
	assert.Equal(t, uint64(1), st.TimedOut)
	assert.Zero(t, st.Retried)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("stuck attempt was not cancelled")
	}
	assert.Equal(t, int32(1), timedOut.Load())
}

func TestQueue_PersistAndRestore(t *testing.T) {
	store := newMapStore()
	cfg := fastQueueConfig()
	block := DelivererFunc(func(ctx context.Context, msg *Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	q, err := NewQueue(cfg, block, WithQueueStore(store))
	require.NoError(t, err)
	for _, p := range []Priority{PriorityLow, PriorityCritical} {
		_, err := q.Enqueue(testMessage(p))
		require.NoError(t, err)
	}
	waitStats(t, q, func(s QueueStats) bool { return s.Enqueued == 2 })
	require.NoError(t, q.Close(ctxT(t)))

	var delivered []Priority
	var mu sync.Mutex
	q2, err := NewQueue(cfg, DelivererFunc(func(ctx context.Context, msg *Message) error {
		mu.Lock()
		delivered = append(delivered, msg.Metadata.Priority)
		mu.Unlock()
		return nil
	}), WithQueueStore(store))
	require.NoError(t, err)
	defer q2.Close(context.Background())

	waitStats(t, q2, func(s QueueStats) bool { return s.Delivered == 2 })
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Priority{PriorityCritical, PriorityLow}, delivered)
}

func TestQueue_CloseKeepsAcceptedEntries(t *testing.T) {
	store := newMapStore()
	block := DelivererFunc(func(ctx context.Context, msg *Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	q, err := NewQueue(fastQueueConfig(), block, WithQueueStore(store))
	require.NoError(t, err)
	<-q.Ready()

	// hold the loop so the enqueues pile up in the mailbox behind the query
	held, release := make(chan struct{}), make(chan struct{})
	go func() {
		_ = q.query(context.Background(), func() {
			close(held)
			<-release
		})
	}()
	<-held

	const n = 5
	for range n {
		_, err := q.Enqueue(testMessage(PriorityNormal))
		require.NoError(t, err)
	}
	closed := make(chan error, 1)
	go func() { closed <- q.Close(context.Background()) }()
	require.Eventually(t, func() bool { return q.ctx.Err() != nil }, time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-closed)

	q2, err := NewQueue(fastQueueConfig(), block, WithQueueStore(store))
	require.NoError(t, err)
	defer q2.Close(context.Background())
	entries, err := q2.Entries(ctxT(t))
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

func TestQueue_RestoreFailureStartsEmpty(t *testing.T) {
	store := newMapStore()
	require.NoError(t, store.Save(context.Background(), "queue/state.json", []byte("{not json")))

	q, err := NewQueue(fastQueueConfig(), DelivererFunc(func(context.Context, *Message) error { return nil }), WithQueueStore(store))
	require.NoError(t, err)
	defer q.Close(context.Background())
	<-q.Ready()

	st, err := q.Stats(ctxT(t))
	require.NoError(t, err)
	assert.Zero(t, st.Pending)

	errs, err := q.Errors(ctxT(t))
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "restore queue")
}

func TestQueue_PersistFailureKeepsRunning(t *testing.T) {
	store := newMapStore()
	store.failErr = errBoom
	q, err := NewQueue(fastQueueConfig(), DelivererFunc(func(context.Context, *Message) error { return nil }), WithQueueStore(store))
	require.NoError(t, err)
	defer q.Close(context.Background())

	_, err = q.Enqueue(testMessage(PriorityNormal))
	require.NoError(t, err)
	waitStats(t, q, func(s QueueStats) bool { return s.Delivered == 1 })

	require.Eventually(t, func() bool {
		errs, err := q.Errors(context.Background())
		return err == nil && len(errs) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_RetryDeadLetters(t *testing.T) {
	cfg := fastQueueConfig()
	cfg.MaxRetries = 0
	var fail atomic.Bool
	fail.Store(true)
	q, err := NewQueue(cfg, DelivererFunc(func(context.Context, *Message) error {
		if fail.Load() {
			return errBoom
		}
		return nil
	}))
	require.NoError(t, err)
	defer q.Close(context.Background())

	_, err = q.Enqueue(testMessage(PriorityNormal))
	require.NoError(t, err)
	waitStats(t, q, func(s QueueStats) bool { return s.DeadLetters == 1 })

	fail.Store(false)
	n, err := q.RetryDeadLetters(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitStats(t, q, func(s QueueStats) bool { return s.Delivered == 1 && s.DeadLetters == 0 })
}

func TestQueue_ClearDeadLetters(t *testing.T) {
	cfg := fastQueueConfig()
	cfg.MaxRetries = 0
	q, err := NewQueue(cfg, DelivererFunc(func(context.Context, *Message) error { return errBoom }))
	require.NoError(t, err)
	defer q.Close(context.Background())

	_, err = q.Enqueue(testMessage(PriorityNormal))
	require.NoError(t, err)
	waitStats(t, q, func(s QueueStats) bool { return s.DeadLetters == 1 })

	n, err := q.ClearDeadLetters(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	dead, err := q.DeadLetters(ctxT(t))
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestQueue_PanickingDelivererIsRetried(t *testing.T) {
	cfg := fastQueueConfig()
	var n atomic.Int32
	q, err := NewQueue(cfg, DelivererFunc(func(context.Context, *Message) error {
		if n.Add(1) == 1 {
			panic("deliverer exploded")
		}
		return nil
	}))
	require.NoError(t, err)
	defer q.Close(context.Background())

	_, err = q.Enqueue(testMessage(PriorityNormal))
	require.NoError(t, err)
	st := waitStats(t, q, func(s QueueStats) bool { return s.Delivered == 1 })
	assert.Equal(t, uint64(1), st.Retried)
}

func TestQueue_ClosedRejectsWork(t *testing.T) {
	q, err := NewQueue(fastQueueConfig(), DelivererFunc(func(context.Context, *Message) error { return nil }))
	require.NoError(t, err)
	require.NoError(t, q.Close(ctxT(t)))

	_, err = q.Enqueue(testMessage(PriorityNormal))
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = q.Stats(ctxT(t))
	assert.ErrorIs(t, err, ErrQueueClosed)
	st, err := q.State(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, QueueClosed, st)
}

func TestNewQueue_Validates(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxSize = 0
	_, err := NewQueue(cfg, DelivererFunc(func(context.Context, *Message) error { return nil }))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewQueue(DefaultQueueConfig(), nil)
	assert.Error(t, err)
}
