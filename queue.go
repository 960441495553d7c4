package xmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmesh/internal/mailbox"
)

// Deliverer performs one delivery attempt. A nil error marks the entry delivered.
type Deliverer interface {
	Deliver(ctx context.Context, msg *Message) error
}

// DelivererFunc is an Adapter that lets a plain function satisfy Deliverer.
type DelivererFunc func(ctx context.Context, msg *Message) error

func (f DelivererFunc) Deliver(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// QueueConfig controls a Queue.
type QueueConfig struct {
	MaxSize             int
	MaxRetries          int
	RetryDelay          time.Duration
	DeadLetterQueueSize int
	// ProcessingTimeout bounds a single delivery attempt.
	ProcessingTimeout time.Duration
	PriorityQueuing   bool
	// PersistenceKey is the store key of the snapshot.
	PersistenceKey string
	// PersistInterval adds periodic snapshots on top of the ones taken after each change. Zero disables it.
	PersistInterval time.Duration
	// RecheckInterval is the longest the queue sleeps while its head waits for a retry.
	RecheckInterval time.Duration
	MaxErrors       int
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxSize:             1000,
		MaxRetries:          3,
		RetryDelay:          time.Second,
		DeadLetterQueueSize: 100,
		ProcessingTimeout:   30 * time.Second,
		PriorityQueuing:     true,
		PersistenceKey:      "queue/state.json",
		RecheckInterval:     time.Second,
		MaxErrors:           100,
	}
}

func (c QueueConfig) Validate() error {
	switch {
	case c.MaxSize < 1:
		return fmt.Errorf("%w: queue max size must be >= 1, got %d", ErrInvalidConfig, c.MaxSize)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: queue max retries must be >= 0, got %d", ErrInvalidConfig, c.MaxRetries)
	case c.DeadLetterQueueSize < 1:
		return fmt.Errorf("%w: dead letter queue size must be >= 1, got %d", ErrInvalidConfig, c.DeadLetterQueueSize)
	case c.ProcessingTimeout <= 0:
		return fmt.Errorf("%w: processing timeout must be > 0", ErrInvalidConfig)
	case c.RecheckInterval <= 0:
		return fmt.Errorf("%w: recheck interval must be > 0", ErrInvalidConfig)
	}
	return nil
}

// QueueState names the phase a Queue is in.
type QueueState string

const (
	QueueInitializing    QueueState = "initializing"
	QueueIdle            QueueState = "idle"
	QueueWaitingForRetry QueueState = "waiting_for_retry"
	QueueProcessing      QueueState = "processing"
	QueuePersisting      QueueState = "persisting"
	QueueClosed          QueueState = "closed"
)

// queue loop events
type (
	enqueueEvent struct {
		id  string
		msg *Message
	}
	resultEvent struct {
		id    string
		token uint64
		err   error
	}
	timeoutEvent struct{ token uint64 }
	wakeEvent    struct{ token uint64 }
	persistDone  struct{ err error }
	queryEvent   struct{ fn func() }
)

// Queue is a durable, priority-ordered delivery queue with retry, backoff and
// dead-lettering. All state lives in one goroutine; the methods post events to
// its mailbox.
type Queue struct {
	cfg     QueueConfig
	store   Store
	codec   Codec
	deliver Deliverer
	clock   Clock
	logger  *xlog.Logger
	obs     *observers

	mail   *mailbox.Mailbox[any]
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
	closed atomic.Bool

	// loop-owned
	state        *queueState
	token        uint64
	flight       *flight
	wakeToken    uint64
	wakeTimer    *time.Timer
	persisting   bool
	persistAgain bool
	errs         []error

	// serializes snapshot writes; version guards against a slow write landing after a newer one
	writeMu      sync.Mutex
	writeVersion uint64
	snapVersion  atomic.Uint64
}

type flight struct {
	entryID string
	token   uint64
	cancel  context.CancelFunc
	timer   *time.Timer
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueStore enables persistence. Without a store the queue is memory only.
func WithQueueStore(s Store) QueueOption {
	return func(q *Queue) { q.store = s }
}

func WithQueueCodec(c Codec) QueueOption {
	return func(q *Queue) {
		if c != nil {
			q.codec = c
		}
	}
}

func WithQueueClock(c Clock) QueueOption {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

func WithQueueLogger(l *xlog.Logger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithQueueObservers(obs ...Observer) QueueOption {
	return func(q *Queue) { q.obs.add(obs...) }
}

func withQueueObserverSet(o *observers) QueueOption {
	return func(q *Queue) { q.obs = o }
}

// NewQueue starts a queue. It restores the last snapshot from the store (if any)
// before handling the first event.
func NewQueue(cfg QueueConfig, d Deliverer, opts ...QueueOption) (*Queue, error) {
	if d == nil {
		return nil, errors.New("queue: deliverer must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PersistenceKey == "" {
		cfg.PersistenceKey = DefaultQueueConfig().PersistenceKey
	}
	if cfg.MaxErrors < 1 {
		cfg.MaxErrors = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		codec:   JSONCodec{},
		deliver: d,
		clock:   defaultClock(),
		logger:  xlog.Default(),
		obs:     &observers{},
		mail:    mailbox.New[any](),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		state:   newQueueState(cfg),
	}
	for _, o := range opts {
		if o != nil {
			o(q)
		}
	}
	q.logger = q.logger.With(xlog.Str("component", "queue"))
	go q.run()
	return q, nil
}

// Enqueue schedules msg for delivery and returns the id of its queue entry.
// It does not wait for the queue loop.
func (q *Queue) Enqueue(msg *Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if q.closed.Load() {
		return "", ErrQueueClosed
	}
	id := uuid.New().String()
	if !q.mail.Put(enqueueEvent{id: id, msg: msg}) {
		return "", ErrQueueClosed
	}
	return id, nil
}

// Ready is closed once the persisted snapshot has been restored.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	err := q.query(ctx, func() { st = q.state.counters() })
	return st, err
}

// Entries returns pending and in-flight entries, in-flight first.
func (q *Queue) Entries(ctx context.Context) ([]QueueEntry, error) {
	var out []QueueEntry
	err := q.query(ctx, func() {
		out = append(copyEntries(q.state.inflightOrdered()), copyEntries(q.state.pending)...)
	})
	return out, err
}

func (q *Queue) DeadLetters(ctx context.Context) ([]QueueEntry, error) {
	var out []QueueEntry
	err := q.query(ctx, func() { out = copyEntries(q.state.dead) })
	return out, err
}

// Errors returns the recorded persistence and delivery errors, oldest first.
func (q *Queue) Errors(ctx context.Context) ([]error, error) {
	var out []error
	err := q.query(ctx, func() { out = append([]error(nil), q.errs...) })
	return out, err
}

// ClearDeadLetters empties the dead-letter list and returns how many entries it held.
func (q *Queue) ClearDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := q.query(ctx, func() {
		n = len(q.state.dead)
		q.state.dead = nil
		q.requestPersist()
	})
	return n, err
}

// RetryDeadLetters moves every dead-letter entry back to the queue with a fresh
// retry budget.
func (q *Queue) RetryDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := q.query(ctx, func() {
		var evicted []*QueueEntry
		n, evicted = q.state.resurrect()
		q.dropped(evicted)
		q.requestPersist()
	})
	return n, err
}

func (q *Queue) State(ctx context.Context) (QueueState, error) {
	select {
	case <-q.ready:
	default:
		return QueueInitializing, nil
	}
	st := QueueClosed
	err := q.query(ctx, func() { st = q.currentState() })
	if errors.Is(err, ErrQueueClosed) {
		return QueueClosed, nil
	}
	return st, err
}

// Persist writes a snapshot now and waits for the write.
func (q *Queue) Persist(ctx context.Context) error {
	var snap QueueSnapshot
	var version uint64
	if err := q.query(ctx, func() {
		snap = q.state.snapshot(q.clock.Now())
		version = q.snapVersion.Add(1)
	}); err != nil {
		return err
	}
	return q.write(ctx, snap, version)
}

// AddObserver registers an observer for queue events.
func (q *Queue) AddObserver(obs Observer) { q.obs.add(obs) }

// Close stops the loop, cancels the attempt in flight and writes a final snapshot.
func (q *Queue) Close(ctx context.Context) error {
	if q.closed.Swap(true) {
		return nil
	}
	q.cancel()
	select {
	case <-q.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (q *Queue) query(ctx context.Context, fn func()) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	done := make(chan struct{})
	if !q.mail.Put(queryEvent{fn: func() { fn(); close(done) }}) {
		return ErrQueueClosed
	}
	select {
	case <-done:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	q.restore()
	close(q.ready)

	var persistTick <-chan time.Time
	if q.cfg.PersistInterval > 0 {
		t := time.NewTicker(q.cfg.PersistInterval)
		defer t.Stop()
		persistTick = t.C
	}

	for {
		q.schedule()
		select {
		case <-q.ctx.Done():
			q.shutdown()
			return
		case <-persistTick:
			q.requestPersist()
		case <-q.mail.Ready():
			for _, ev := range q.mail.Take() {
				q.handle(ev)
			}
		}
	}
}

func (q *Queue) handle(ev any) {
	switch e := ev.(type) {
	case enqueueEvent:
		entry, evicted := q.state.enqueue(e.id, e.msg)
		q.notify(Event{Type: Enqueued}, entry)
		q.dropped(evicted)
		q.requestPersist()
	case resultEvent:
		q.onResult(e)
	case timeoutEvent:
		if q.flight != nil && q.flight.token == e.token {
			q.onTimeout()
		}
	case wakeEvent:
		if e.token == q.wakeToken {
			q.wakeTimer = nil
		}
	case persistDone:
		q.persisting = false
		if e.err != nil {
			q.recordErr(fmt.Errorf("persist queue: %w", e.err))
			q.logger.Warn().Err(e.err).Msg("queue persist failed")
			q.obs.notify(Event{Type: PersistFailed, Component: "queue", Err: e.err})
		} else {
			q.obs.notify(Event{Type: Persisted, Component: "queue"})
		}
		if q.persistAgain {
			q.persistAgain = false
			q.requestPersist()
		}
	case queryEvent:
		e.fn()
	}
}

// schedule runs the CheckingQueue step: start the head when it is due,
// otherwise arm the recheck timer.
func (q *Queue) schedule() {
	if q.flight != nil {
		return
	}
	entry, wait, ok := q.state.next(q.clock.Now())
	if ok {
		q.stopWake()
		q.start(entry)
		return
	}
	if wait <= 0 || q.wakeTimer != nil {
		return
	}
	if wait > q.cfg.RecheckInterval {
		wait = q.cfg.RecheckInterval
	}
	q.wakeToken++
	tok := q.wakeToken
	q.wakeTimer = time.AfterFunc(wait, func() { q.mail.Put(wakeEvent{token: tok}) })
}

func (q *Queue) stopWake() {
	if q.wakeTimer != nil {
		q.wakeTimer.Stop()
		q.wakeTimer = nil
	}
}

// start hands entry to the deliverer on its own goroutine, racing it against
// the processing timeout. Whichever finishes first wins; the other is ignored.
func (q *Queue) start(entry *QueueEntry) {
	q.token++
	tok := q.token
	ctx, cancel := context.WithCancel(q.ctx)
	f := &flight{entryID: entry.ID, token: tok, cancel: cancel}
	f.timer = time.AfterFunc(q.cfg.ProcessingTimeout, func() { q.mail.Put(timeoutEvent{token: tok}) })
	q.flight = f

	msg := entry.Message
	go func() {
		err := q.attempt(ctx, msg)
		q.mail.Put(resultEvent{id: f.entryID, token: tok, err: err})
	}()
}

func (q *Queue) attempt(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	return q.deliver.Deliver(ctx, msg)
}

func (q *Queue) endFlight() {
	if q.flight == nil {
		return
	}
	q.flight.timer.Stop()
	q.flight.cancel()
	q.flight = nil
}

func (q *Queue) onResult(e resultEvent) {
	if q.flight == nil || q.flight.token != e.token {
		return // late result of an attempt that already timed out
	}
	q.endFlight()

	if e.err == nil {
		if entry := q.state.succeed(e.id); entry != nil {
			q.notify(Event{Type: Delivered, Duration: q.clock.Since(entry.LastAttempt)}, entry)
		}
		q.requestPersist()
		return
	}

	entry, out, evicted := q.state.fail(e.id, e.err.Error())
	switch out {
	case outcomeRetry:
		q.notify(Event{Type: Retried, Err: e.err}, entry)
	case outcomeDead:
		q.recordErr(fmt.Errorf("message %s dead-lettered after %d attempts: %w", entry.Message.ID, entry.Attempts, e.err))
		q.notify(Event{Type: DeadLettered, Err: e.err}, entry)
	}
	q.dropped(evicted)
	q.requestPersist()
}

func (q *Queue) onTimeout() {
	q.endFlight()
	requeued, buried, evicted := q.state.expire()
	for _, e := range requeued {
		q.notify(Event{Type: TimedOut, Err: ErrProcessingTimeout}, e)
	}
	for _, e := range buried {
		q.recordErr(fmt.Errorf("message %s dead-lettered: %w", e.Message.ID, ErrProcessingTimeout))
		q.notify(Event{Type: DeadLettered, Err: ErrProcessingTimeout}, e)
	}
	q.dropped(evicted)
	q.requestPersist()
}

func (q *Queue) dropped(evicted []*QueueEntry) {
	for _, e := range evicted {
		q.notify(Event{Type: Dropped}, e)
	}
}

func (q *Queue) notify(ev Event, e *QueueEntry) {
	ev.Component = "queue"
	if e != nil {
		ev.Attempts = e.Attempts
		if e.Message != nil {
			ev.MessageID = e.Message.ID
			ev.MessageType = e.Message.Type
			ev.Channel = e.Message.Metadata.Channel
			ev.Priority = e.Message.Metadata.Priority
		}
	}
	q.obs.notify(ev)
}

func (q *Queue) recordErr(err error) {
	q.errs = append(q.errs, err)
	if over := len(q.errs) - q.cfg.MaxErrors; over > 0 {
		q.errs = q.errs[over:]
	}
}

func (q *Queue) currentState() QueueState {
	switch {
	case q.flight != nil:
		return QueueProcessing
	case q.wakeTimer != nil:
		return QueueWaitingForRetry
	case q.persisting:
		return QueuePersisting
	}
	return QueueIdle
}

// requestPersist takes a snapshot and writes it off-loop. Only one write runs
// at a time; requests arriving meanwhile collapse into a single follow-up.
func (q *Queue) requestPersist() {
	if q.store == nil {
		return
	}
	if q.persisting {
		q.persistAgain = true
		return
	}
	q.persisting = true
	snap := q.state.snapshot(q.clock.Now())
	version := q.snapVersion.Add(1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ProcessingTimeout)
		defer cancel()
		q.mail.Put(persistDone{err: q.write(ctx, snap, version)})
	}()
}

func (q *Queue) write(ctx context.Context, snap QueueSnapshot, version uint64) error {
	if q.store == nil {
		return nil
	}
	data, err := q.codec.Marshal(snap)
	if err != nil {
		return err
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if version < q.writeVersion {
		return nil
	}
	if err := q.store.Save(ctx, q.cfg.PersistenceKey, data); err != nil {
		return err
	}
	q.writeVersion = version
	return nil
}

func (q *Queue) restore() {
	if q.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ProcessingTimeout)
	defer cancel()

	data, err := q.store.Load(ctx, q.cfg.PersistenceKey)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err == nil {
		var snap QueueSnapshot
		if err = q.codec.Unmarshal(data, &snap); err == nil {
			q.state.restore(snap)
			q.logger.Info().
				Str("pending", fmt.Sprint(len(q.state.pending))).
				Str("dead", fmt.Sprint(len(q.state.dead))).
				Msg("queue restored")
			return
		}
	}
	q.recordErr(fmt.Errorf("restore queue: %w", err))
	q.logger.Warn().Err(err).Msg("queue restore failed, starting empty")
	q.obs.notify(Event{Type: RestoreFailed, Component: "queue", Err: err})
}

func (q *Queue) shutdown() {
	q.stopWake()
	q.endFlight()
	// accepted entries still in the mailbox belong in the final snapshot;
	// results and timeouts refer to the flight cancelled above
	for _, ev := range q.mail.Close() {
		if e, ok := ev.(enqueueEvent); ok {
			_, evicted := q.state.enqueue(e.id, e.msg)
			q.dropped(evicted)
		}
	}
	if q.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap := q.state.snapshot(q.clock.Now())
	if err := q.write(ctx, snap, q.snapVersion.Add(1)); err != nil {
		q.logger.Warn().Err(err).Msg("final queue persist failed")
	}
}
