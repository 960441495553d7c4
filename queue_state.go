package xmesh

import (
	"encoding/json"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

// QueueEntry wraps a message with its delivery bookkeeping.
type QueueEntry struct {
	ID          string
	Message     *Message
	Attempts    int
	LastAttempt time.Time
	NextRetry   time.Time
	Status      EntryStatus
	Error       string

	seq uint64
}

type wireEntry struct {
	ID          string      `json:"id"`
	Message     *Message    `json:"message"`
	Attempts    int         `json:"attempts"`
	LastAttempt *Millis     `json:"lastAttempt,omitempty"`
	NextRetry   *Millis     `json:"nextRetry,omitempty"`
	Status      EntryStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
}

func optMillis(t time.Time) *Millis {
	if t.IsZero() {
		return nil
	}
	m := Millis(t)
	return &m
}

func (e QueueEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEntry{
		ID:          e.ID,
		Message:     e.Message,
		Attempts:    e.Attempts,
		LastAttempt: optMillis(e.LastAttempt),
		NextRetry:   optMillis(e.NextRetry),
		Status:      e.Status,
		Error:       e.Error,
	})
}

func (e *QueueEntry) UnmarshalJSON(b []byte) error {
	var w wireEntry
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = QueueEntry{
		ID:       w.ID,
		Message:  w.Message,
		Attempts: w.Attempts,
		Status:   w.Status,
		Error:    w.Error,
	}
	if w.LastAttempt != nil {
		e.LastAttempt = w.LastAttempt.Time()
	}
	if w.NextRetry != nil {
		e.NextRetry = w.NextRetry.Time()
	}
	return nil
}

// QueueSnapshot is the persisted form of a queue.
type QueueSnapshot struct {
	Queue           []QueueEntry `json:"queue"`
	DeadLetterQueue []QueueEntry `json:"deadLetterQueue"`
	Timestamp       Millis       `json:"timestamp"`
}

// RetryDeadLetters moves every dead letter back to the queue with a fresh
// attempt budget, as Queue.RetryDeadLetters does on a live queue.
func (s *QueueSnapshot) RetryDeadLetters() int {
	n := len(s.DeadLetterQueue)
	for _, e := range s.DeadLetterQueue {
		e.Status = StatusPending
		e.Attempts = 0
		e.NextRetry = time.Time{}
		e.Error = ""
		s.Queue = append(s.Queue, e)
	}
	s.DeadLetterQueue = nil
	return n
}

func (s *QueueSnapshot) ClearDeadLetters() int {
	n := len(s.DeadLetterQueue)
	s.DeadLetterQueue = nil
	return n
}

// Backoff returns the wait after the given number of failed attempts:
// delay * 2^(attempts-1). It saturates instead of overflowing.
func Backoff(delay time.Duration, attempts int) time.Duration {
	if attempts < 1 || delay <= 0 {
		return delay
	}
	shift := attempts - 1
	if shift >= 62 || delay > time.Duration(math.MaxInt64>>uint(shift)) {
		return time.Duration(math.MaxInt64)
	}
	return delay << uint(shift)
}

// outcome is what happened to an entry after a failed or timed out attempt.
type outcome int

const (
	outcomeNone outcome = iota
	outcomeRetry
	outcomeDead
	// re-inserted for a retry but evicted right away by overflow
	outcomeDropped
)

// queueState is the synchronous core of Queue. It is owned by the queue loop
// and never touched from other goroutines.
type queueState struct {
	cfg      QueueConfig
	pending  []*QueueEntry
	inflight map[string]*QueueEntry
	dead     []*QueueEntry
	seq      uint64
	stats    QueueStats
}

func newQueueState(cfg QueueConfig) *queueState {
	return &queueState{cfg: cfg, inflight: make(map[string]*QueueEntry)}
}

func (s *queueState) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *queueState) less(a, b *QueueEntry) bool {
	if s.cfg.PriorityQueuing {
		pa, pb := a.Message.Metadata.Priority, b.Message.Metadata.Priority
		if pa != pb {
			return pa > pb
		}
	}
	return a.seq < b.seq
}

func (s *queueState) sortPending() {
	sort.SliceStable(s.pending, func(i, j int) bool { return s.less(s.pending[i], s.pending[j]) })
}

// insert adds e behind everything of its priority and trims overflow.
// The evicted entries are returned.
func (s *queueState) insert(e *QueueEntry) []*QueueEntry {
	e.seq = s.nextSeq()
	s.pending = append(s.pending, e)
	s.sortPending()
	return s.trim()
}

// trim evicts until the pending list fits MaxSize. With priority queuing the
// victim is the oldest entry of the lowest priority class present, otherwise
// the oldest entry overall.
func (s *queueState) trim() []*QueueEntry {
	var evicted []*QueueEntry
	for len(s.pending) > 0 && len(s.pending) > s.cfg.MaxSize {
		victim := s.victim()
		evicted = append(evicted, s.pending[victim])
		s.pending = append(s.pending[:victim], s.pending[victim+1:]...)
	}
	s.stats.Dropped += uint64(len(evicted))
	return evicted
}

func (s *queueState) victim() int {
	idx := 0
	for i, e := range s.pending {
		v := s.pending[idx]
		pe, pv := e.Message.Metadata.Priority, v.Message.Metadata.Priority
		if s.cfg.PriorityQueuing && pe != pv {
			if pe < pv {
				idx = i
			}
			continue
		}
		if e.seq < v.seq {
			idx = i
		}
	}
	return idx
}

func (s *queueState) enqueue(id string, msg *Message) (*QueueEntry, []*QueueEntry) {
	if id == "" {
		id = uuid.New().String()
	}
	e := &QueueEntry{ID: id, Message: msg, Status: StatusPending}
	s.stats.Enqueued++
	return e, s.insert(e)
}

// next pops the head entry when it is due. Otherwise it returns how long the
// head still has to wait; ok is false with a zero wait when nothing is pending.
func (s *queueState) next(now time.Time) (e *QueueEntry, wait time.Duration, ok bool) {
	if len(s.pending) == 0 {
		return nil, 0, false
	}
	head := s.pending[0]
	if !head.NextRetry.IsZero() && head.NextRetry.After(now) {
		return nil, head.NextRetry.Sub(now), false
	}
	s.pending = s.pending[1:]
	head.Status = StatusProcessing
	head.Attempts++
	head.LastAttempt = stamp(now)
	s.inflight[head.ID] = head
	return head, 0, true
}

func (s *queueState) succeed(id string) *QueueEntry {
	e, ok := s.inflight[id]
	if !ok {
		return nil
	}
	delete(s.inflight, id)
	e.Status = StatusDelivered
	e.Error = ""
	s.stats.Delivered++
	return e
}

// fail records a failed attempt. evicted holds entries pushed out of the
// pending list or the dead-letter list as a consequence.
func (s *queueState) fail(id string, reason string) (e *QueueEntry, out outcome, evicted []*QueueEntry) {
	e, ok := s.inflight[id]
	if !ok {
		return nil, outcomeNone, nil
	}
	delete(s.inflight, id)
	e.Error = reason
	if e.Attempts < s.cfg.MaxRetries {
		e.Status = StatusPending
		e.NextRetry = e.LastAttempt.Add(Backoff(s.cfg.RetryDelay, e.Attempts))
		evicted = s.insert(e)
		if slices.Contains(evicted, e) {
			return e, outcomeDropped, evicted
		}
		s.stats.Retried++
		return e, outcomeRetry, evicted
	}
	return e, outcomeDead, s.bury(e)
}

// bury moves e to the dead-letter list, evicting the oldest entry on overflow.
func (s *queueState) bury(e *QueueEntry) []*QueueEntry {
	e.Status = StatusDead
	s.dead = append(s.dead, e)
	s.stats.Failed++
	s.stats.DeadLettered++
	var evicted []*QueueEntry
	for len(s.dead) > s.cfg.DeadLetterQueueSize {
		evicted = append(evicted, s.dead[0])
		s.dead = s.dead[1:]
	}
	s.stats.Dropped += uint64(len(evicted))
	return evicted
}

// expire handles a processing timeout: every in-flight entry goes back to
// pending with one more attempt, or to the dead-letter list once its attempts
// reached MaxRetries.
func (s *queueState) expire() (requeued, buried, evicted []*QueueEntry) {
	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.inflight[ids[i]].seq < s.inflight[ids[j]].seq })

	for _, id := range ids {
		e := s.inflight[id]
		delete(s.inflight, id)
		s.stats.TimedOut++
		e.Attempts++
		e.Error = ErrProcessingTimeout.Error()
		if e.Attempts >= s.cfg.MaxRetries {
			buried = append(buried, e)
			evicted = append(evicted, s.bury(e)...)
			continue
		}
		e.Status = StatusPending
		e.NextRetry = time.Time{}
		out := s.insert(e)
		evicted = append(evicted, out...)
		if !slices.Contains(out, e) {
			requeued = append(requeued, e)
		}
	}
	return requeued, buried, evicted
}

func (s *queueState) snapshot(now time.Time) QueueSnapshot {
	snap := QueueSnapshot{
		Queue:           make([]QueueEntry, 0, len(s.inflight)+len(s.pending)),
		DeadLetterQueue: make([]QueueEntry, 0, len(s.dead)),
		Timestamp:       Millis(stamp(now)),
	}
	// in-flight entries were at the head; persist them as pending so a restart retries them
	for _, e := range s.inflightOrdered() {
		c := *e
		c.Status = StatusPending
		snap.Queue = append(snap.Queue, c)
	}
	for _, e := range s.pending {
		snap.Queue = append(snap.Queue, *e)
	}
	for _, e := range s.dead {
		snap.DeadLetterQueue = append(snap.DeadLetterQueue, *e)
	}
	return snap
}

func (s *queueState) inflightOrdered() []*QueueEntry {
	out := make([]*QueueEntry, 0, len(s.inflight))
	for _, e := range s.inflight {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// restore replaces the contents with a snapshot. Entries without a message are skipped.
func (s *queueState) restore(snap QueueSnapshot) {
	s.pending = s.pending[:0]
	s.dead = s.dead[:0]
	for i := range snap.Queue {
		e := snap.Queue[i]
		if e.Message == nil {
			continue
		}
		e.Status = StatusPending
		e.seq = s.nextSeq()
		s.pending = append(s.pending, &e)
	}
	s.sortPending()
	s.trim()
	for i := range snap.DeadLetterQueue {
		e := snap.DeadLetterQueue[i]
		if e.Message == nil {
			continue
		}
		e.Status = StatusDead
		s.dead = append(s.dead, &e)
	}
	if over := len(s.dead) - s.cfg.DeadLetterQueueSize; over > 0 {
		s.dead = s.dead[over:]
	}
}

// resurrect moves every dead-letter entry back to pending with a fresh attempt
// budget. Entries pushed out of a full pending list are returned as evicted.
func (s *queueState) resurrect() (n int, evicted []*QueueEntry) {
	n = len(s.dead)
	for _, e := range s.dead {
		e.Status = StatusPending
		e.Attempts = 0
		e.NextRetry = time.Time{}
		e.Error = ""
		evicted = append(evicted, s.insert(e)...)
	}
	s.dead = nil
	return n, evicted
}

func (s *queueState) counters() QueueStats {
	st := s.stats
	st.Pending = len(s.pending)
	st.InFlight = len(s.inflight)
	st.DeadLetters = len(s.dead)
	return st
}

func copyEntries(list []*QueueEntry) []QueueEntry {
	out := make([]QueueEntry, len(list))
	for i, e := range list {
		out[i] = *e
	}
	return out
}
