package xmesh

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateCfg() QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.RetryDelay = time.Second
	return cfg
}

func TestQueueState_PriorityOrdering(t *testing.T) {
	s := newQueueState(stateCfg())
	low, high, normal := testMessage(PriorityLow), testMessage(PriorityHigh), testMessage(PriorityNormal)
	s.enqueue("", low)
	s.enqueue("", high)
	s.enqueue("", normal)

	now := time.Now()
	var got []*Message
	for {
		e, _, ok := s.next(now)
		if !ok {
			break
		}
		got = append(got, e.Message)
	}
	assert.Equal(t, []*Message{high, normal, low}, got)
}

func TestQueueState_EqualPriorityIsFIFO(t *testing.T) {
	s := newQueueState(stateCfg())
	a, b, c := testMessage(PriorityNormal), testMessage(PriorityNormal), testMessage(PriorityNormal)
	for _, m := range []*Message{a, b, c} {
		s.enqueue("", m)
	}
	var got []*Message
	for e, _, ok := s.next(time.Now()); ok; e, _, ok = s.next(time.Now()) {
		got = append(got, e.Message)
	}
	assert.Equal(t, []*Message{a, b, c}, got)
}

func TestQueueState_NoPriorityQueuingKeepsInsertionOrder(t *testing.T) {
	cfg := stateCfg()
	cfg.PriorityQueuing = false
	s := newQueueState(cfg)
	low, high := testMessage(PriorityLow), testMessage(PriorityCritical)
	s.enqueue("", low)
	s.enqueue("", high)
	e, _, ok := s.next(time.Now())
	require.True(t, ok)
	assert.Same(t, low, e.Message)
}

func TestQueueState_BoundedQueue(t *testing.T) {
	cfg := stateCfg()
	cfg.MaxSize = 2
	s := newQueueState(cfg)
	for i := 0; i < 3; i++ {
		s.enqueue("", testMessage(PriorityNormal))
	}
	assert.Len(t, s.pending, 2)
	assert.Equal(t, uint64(1), s.counters().Dropped)
}

func TestQueueState_OverflowEvictsOldestOfLowestPriority(t *testing.T) {
	cfg := stateCfg()
	cfg.MaxSize = 2
	s := newQueueState(cfg)
	oldLow := testMessage(PriorityLow)
	s.enqueue("", oldLow)
	s.enqueue("", testMessage(PriorityLow))
	_, evicted := s.enqueue("", testMessage(PriorityHigh))

	require.Len(t, evicted, 1)
	assert.Same(t, oldLow, evicted[0].Message)
	assert.Equal(t, PriorityHigh, s.pending[0].Message.Metadata.Priority)
}

func TestQueueState_BoundedDeadLetters(t *testing.T) {
	cfg := stateCfg()
	cfg.DeadLetterQueueSize = 1
	cfg.MaxRetries = 0
	s := newQueueState(cfg)
	first, second := testMessage(PriorityNormal), testMessage(PriorityNormal)
	s.enqueue("e1", first)
	s.enqueue("e2", second)

	for _, id := range []string{"e1", "e2"} {
		e, _, ok := s.next(time.Now())
		require.True(t, ok)
		require.Equal(t, id, e.ID)
		_, out, _ := s.fail(id, "nope")
		assert.Equal(t, outcomeDead, out)
	}

	require.Len(t, s.dead, 1)
	assert.Same(t, second, s.dead[0].Message)
	assert.Equal(t, StatusDead, s.dead[0].Status)
	st := s.counters()
	assert.Equal(t, uint64(2), st.DeadLettered)
	assert.Equal(t, uint64(2), st.Failed)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestQueueState_BackoffFormula(t *testing.T) {
	cfg := stateCfg()
	cfg.MaxRetries = 5
	cfg.RetryDelay = 250 * time.Millisecond
	s := newQueueState(cfg)
	s.enqueue("e", testMessage(PriorityNormal))

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for k := 0; k < 4; k++ {
		e, wait, ok := s.next(now)
		require.True(t, ok, "attempt %d should be due, wait %v", k, wait)
		_, out, _ := s.fail(e.ID, "try again")
		require.Equal(t, outcomeRetry, out)

		want := e.LastAttempt.Add(cfg.RetryDelay * time.Duration(1<<k))
		assert.Equal(t, want, e.NextRetry, "failure %d", k)

		// not due a millisecond early
		_, wait, ok = s.next(want.Add(-time.Millisecond))
		assert.False(t, ok)
		assert.Equal(t, time.Millisecond, wait)
		now = want
	}
	assert.Equal(t, uint64(4), s.counters().Retried)
}

func TestQueueState_RetryExhaustionDeadLetters(t *testing.T) {
	cfg := stateCfg()
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	s := newQueueState(cfg)
	s.enqueue("e", testMessage(PriorityNormal))

	now := time.Now()
	_, _, ok := s.next(now)
	require.True(t, ok)
	_, out, _ := s.fail("e", "x")
	assert.Equal(t, outcomeRetry, out)

	now = now.Add(time.Second)
	_, _, ok = s.next(now)
	require.True(t, ok)
	e, out, _ := s.fail("e", "x")
	assert.Equal(t, outcomeDead, out)
	assert.Equal(t, 2, e.Attempts)
	assert.Empty(t, s.pending)
}

func TestQueueState_ExpireRequeuesWithExtraAttempt(t *testing.T) {
	cfg := stateCfg()
	cfg.MaxRetries = 5
	s := newQueueState(cfg)
	s.enqueue("e", testMessage(PriorityNormal))
	_, _, ok := s.next(time.Now())
	require.True(t, ok)

	requeued, buried, _ := s.expire()
	require.Len(t, requeued, 1)
	assert.Empty(t, buried)
	assert.Empty(t, s.inflight)
	assert.Equal(t, 2, requeued[0].Attempts)
	assert.Equal(t, StatusPending, requeued[0].Status)
	assert.Equal(t, "processing timeout", requeued[0].Error)
	assert.Len(t, s.pending, 1)
}

func TestQueueState_ExpireDeadLettersWhenBudgetSpent(t *testing.T) {
	cfg := stateCfg()
	cfg.MaxRetries = 1
	s := newQueueState(cfg)
	s.enqueue("e", testMessage(PriorityNormal))
	_, _, ok := s.next(time.Now())
	require.True(t, ok)

	requeued, buried, _ := s.expire()
	assert.Empty(t, requeued)
	require.Len(t, buried, 1)
	assert.Len(t, s.dead, 1)
}

func TestQueueState_LateResultIgnored(t *testing.T) {
	s := newQueueState(stateCfg())
	assert.Nil(t, s.succeed("missing"))
	e, out, _ := s.fail("missing", "x")
	assert.Nil(t, e)
	assert.Equal(t, outcomeNone, out)
}

func TestQueueState_SnapshotRoundTrip(t *testing.T) {
	cfg := stateCfg()
	cfg.MaxRetries = 1
	s := newQueueState(cfg)
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	s.enqueue("a", testMessage(PriorityHigh))
	s.enqueue("b", testMessage(PriorityLow))
	s.enqueue("c", testMessage(PriorityNormal))
	_, _, ok := s.next(now) // a in flight
	require.True(t, ok)
	_, _, ok = s.next(now) // c in flight
	require.True(t, ok)
	s.fail("c", "dead") // c dead-lettered

	snap := s.snapshot(now)
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded QueueSnapshot
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored := newQueueState(cfg)
	restored.restore(decoded)
	again := restored.snapshot(now.Add(time.Hour))

	// identical apart from the timestamp
	snap.Timestamp, again.Timestamp = Millis{}, Millis{}
	want, err := json.Marshal(snap)
	require.NoError(t, err)
	got, err := json.Marshal(again)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	require.Len(t, again.Queue, 2)
	assert.Equal(t, "a", again.Queue[0].ID)
	assert.Equal(t, StatusPending, again.Queue[0].Status)
	require.Len(t, again.DeadLetterQueue, 1)
	assert.Equal(t, "c", again.DeadLetterQueue[0].ID)
}

func TestQueueState_Resurrect(t *testing.T) {
	cfg := stateCfg()
	cfg.MaxRetries = 0
	s := newQueueState(cfg)
	s.enqueue("e", testMessage(PriorityNormal))
	s.next(time.Now())
	s.fail("e", "x")
	require.Len(t, s.dead, 1)

	n, evicted := s.resurrect()
	assert.Equal(t, 1, n)
	assert.Empty(t, evicted)
	assert.Empty(t, s.dead)
	require.Len(t, s.pending, 1)
	assert.Zero(t, s.pending[0].Attempts)
}

func TestQueueState_ResurrectReportsOverflow(t *testing.T) {
	cfg := stateCfg()
	cfg.MaxRetries = 0
	cfg.MaxSize = 1
	s := newQueueState(cfg)
	s.enqueue("e", testMessage(PriorityNormal))
	s.next(time.Now())
	s.fail("e", "x")
	s.enqueue("h", testMessage(PriorityHigh))

	n, evicted := s.resurrect()
	assert.Equal(t, 1, n)
	require.Len(t, evicted, 1)
	assert.Equal(t, "e", evicted[0].ID)
	assert.Empty(t, s.dead)
	require.Len(t, s.pending, 1)
	assert.Equal(t, "h", s.pending[0].ID)
	assert.Equal(t, uint64(1), s.counters().Dropped)
}

func TestQueueState_RetryEvictedByOverflow(t *testing.T) {
	cfg := stateCfg()
	cfg.MaxSize = 1
	s := newQueueState(cfg)
	s.enqueue("e", testMessage(PriorityNormal))
	_, _, ok := s.next(time.Now())
	require.True(t, ok)
	s.enqueue("h", testMessage(PriorityHigh))

	e, out, evicted := s.fail("e", "x")
	assert.Equal(t, outcomeDropped, out)
	assert.Equal(t, []*QueueEntry{e}, evicted)
	assert.Zero(t, s.counters().Retried)
	assert.Equal(t, uint64(1), s.counters().Dropped)
	require.Len(t, s.pending, 1)
	assert.Equal(t, "h", s.pending[0].ID)
}

func TestBackoff_Saturates(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 1))
	assert.Equal(t, 8*time.Second, Backoff(time.Second, 4))
	assert.Equal(t, time.Duration(1<<63-1), Backoff(time.Hour, 80))
}

func TestQueueSnapshot_DeadLetterOps(t *testing.T) {
	cfg := stateCfg()
	cfg.MaxRetries = 0
	s := newQueueState(cfg)
	s.enqueue("a", testMessage(PriorityNormal))
	s.enqueue("b", testMessage(PriorityNormal))
	for range 2 {
		e, _, ok := s.next(time.Now())
		require.True(t, ok)
		s.fail(e.ID, "boom")
	}
	snap := s.snapshot(time.Now())
	require.Len(t, snap.DeadLetterQueue, 2)

	retry := snap
	assert.Equal(t, 2, retry.RetryDeadLetters())
	assert.Empty(t, retry.DeadLetterQueue)
	require.Len(t, retry.Queue, 2)
	assert.Equal(t, StatusPending, retry.Queue[0].Status)
	assert.Zero(t, retry.Queue[0].Attempts)
	assert.Empty(t, retry.Queue[0].Error)

	snap = s.snapshot(time.Now())
	assert.Equal(t, 2, snap.ClearDeadLetters())
	assert.Empty(t, snap.DeadLetterQueue)
	assert.Empty(t, snap.Queue)
}
