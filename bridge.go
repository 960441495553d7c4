package xmesh

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmesh/internal/mailbox"
)

// BridgeConfig controls a Bridge.
type BridgeConfig struct {
	// MaxQueueSize bounds the outgoing staging list.
	MaxQueueSize   int
	MaxHistorySize int
	// MessageTimeout bounds one transport send.
	MessageTimeout time.Duration
	// HistoryDir is the store directory holding one file per sent message.
	HistoryDir string
	// HistoryWindow is how far back history is loaded on start.
	HistoryWindow          time.Duration
	HistoryLoadConcurrency int
	// PersistRetries is how often a failed history write is retried before it is skipped.
	PersistRetries    int
	EnableEncryption  bool
	EnableCompression bool
	MaxErrors         int
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		MaxQueueSize:           1000,
		MaxHistorySize:         10000,
		MessageTimeout:         30 * time.Second,
		HistoryDir:             "history",
		HistoryWindow:          24 * time.Hour,
		HistoryLoadConcurrency: 8,
		PersistRetries:         2,
		MaxErrors:              100,
	}
}

func (c BridgeConfig) Validate() error {
	switch {
	case c.MaxQueueSize < 1:
		return fmt.Errorf("%w: bridge max queue size must be >= 1, got %d", ErrInvalidConfig, c.MaxQueueSize)
	case c.MaxHistorySize < 1:
		return fmt.Errorf("%w: bridge max history size must be >= 1, got %d", ErrInvalidConfig, c.MaxHistorySize)
	case c.MessageTimeout <= 0:
		return fmt.Errorf("%w: message timeout must be > 0", ErrInvalidConfig)
	case c.HistoryDir == "":
		return fmt.Errorf("%w: history dir required", ErrInvalidConfig)
	}
	return nil
}

// BridgeState names the phase a Bridge is in.
type BridgeState string

const (
	BridgeInitializing      BridgeState = "initializing"
	BridgeIdle              BridgeState = "idle"
	BridgeProcessingQueue   BridgeState = "processing_queue"
	BridgeSendingMessage    BridgeState = "sending_message"
	BridgePersistingMessage BridgeState = "persisting_message"
	BridgeClosed            BridgeState = "closed"
)

// bridge loop events
type (
	sendEvent     struct{ msg *Message }
	receivedEvent struct {
		ctx context.Context
		msg *Message
	}
	deliveredEvent   struct{ msg *Message }
	processedEvent   struct {
		orig *Message
		msg  *Message // nil when an outbound middleware stopped the message
		err  error
	}
	persistedEvent struct {
		msg *Message
		err error
	}
	connectEvent     struct{ agent Agent }
	disconnectEvent  struct{ id string }
	heartbeatEvent   struct{ id string }
	subscribeEvent   struct{ sub Subscription }
	unsubscribeEvent struct {
		channel Channel
		id      string
	}
	replayEvent       struct{ since time.Time }
	clearHistoryEvent struct{}
	handlerErrEvent   struct{ err error }
	historyLoaded     struct {
		msgs []*Message
		err  error
	}
)

// Bridge is the pub/sub router: agent registry, channel subscriptions with
// filters, bounded history, outgoing staging and replay. Outgoing messages go
// through the delivery Queue, which calls back into the bridge to hand them to
// the Transport. Without a transport, delivered messages loop back into local
// fan-out.
type Bridge struct {
	cfg       BridgeConfig
	store     Store
	codec     Codec
	clock     Clock
	logger    *xlog.Logger
	obs       *observers
	transport Transport
	outbound  []Middleware
	handlerMW []Middleware

	queue      *Queue
	queueCfg   QueueConfig
	queueOpts  []QueueOption
	dispatcher *dispatcher

	mail   *mailbox.Mailbox[any]
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
	closed atomic.Bool

	// loop-owned
	phase   BridgeState
	agents  map[string]Agent
	subs    map[Channel][]Subscription
	history []*Message
	staging []*Message
	stats   BridgeStats
	errs    []error
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithStore enables history persistence and queue snapshots.
func WithStore(s Store) BridgeOption {
	return func(b *Bridge) { b.store = s }
}

// WithTransport sets the transport delivered messages are handed to.
func WithTransport(t Transport) BridgeOption {
	return func(b *Bridge) { b.transport = t }
}

func WithCodec(c Codec) BridgeOption {
	return func(b *Bridge) {
		if c != nil {
			b.codec = c
		}
	}
}

func WithClock(c Clock) BridgeOption {
	return func(b *Bridge) {
		if c != nil {
			b.clock = c
		}
	}
}

func WithLogger(l *xlog.Logger) BridgeOption {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithObservers(obs ...Observer) BridgeOption {
	return func(b *Bridge) { b.obs.add(obs...) }
}

// WithOutbound adds middlewares to the outgoing-processing step. They run after
// the placeholder security step and may replace the message (Clone first).
func WithOutbound(mw ...Middleware) BridgeOption {
	return func(b *Bridge) { b.outbound = append(b.outbound, mw...) }
}

// WithHandlerMiddleware wraps every subscriber handler, e.g. with TimeoutMiddleware.
func WithHandlerMiddleware(mw ...Middleware) BridgeOption {
	return func(b *Bridge) { b.handlerMW = append(b.handlerMW, mw...) }
}

// WithQueueConfig sets the delivery queue settings.
func WithQueueConfig(cfg QueueConfig, opts ...QueueOption) BridgeOption {
	return func(b *Bridge) {
		b.queueCfg = cfg
		b.queueOpts = append(b.queueOpts, opts...)
	}
}

func withObserverSet(o *observers) BridgeOption {
	return func(b *Bridge) { b.obs = o }
}

// NewBridge starts a bridge and its delivery queue. History is loaded in the
// background; Ready is closed once it is in place.
func NewBridge(cfg BridgeConfig, opts ...BridgeOption) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxErrors < 1 {
		cfg.MaxErrors = 100
	}
	if cfg.HistoryLoadConcurrency < 1 {
		cfg.HistoryLoadConcurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:      cfg,
		codec:    JSONCodec{},
		clock:    defaultClock(),
		logger:   xlog.Default(),
		obs:      &observers{},
		queueCfg: DefaultQueueConfig(),
		mail:     mailbox.New[any](),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		phase:    BridgeInitializing,
		agents:   make(map[string]Agent),
		subs:     make(map[Channel][]Subscription),
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	b.logger = b.logger.With(xlog.Str("component", "bridge"))

	qopts := []QueueOption{
		WithQueueCodec(b.codec),
		WithQueueClock(b.clock),
		WithQueueLogger(b.logger),
		withQueueObserverSet(b.obs),
	}
	if b.store != nil {
		qopts = append(qopts, WithQueueStore(b.store))
	}
	q, err := NewQueue(b.queueCfg, b, append(qopts, b.queueOpts...)...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bridge queue: %w", err)
	}
	b.queue = q
	b.dispatcher = newDispatcher(b.logger, b.handlerMW, func(sub Subscription, msg *Message, err error) {
		b.obs.notify(Event{Type: HandlerFailed, Component: "bridge", MessageID: msg.ID, MessageType: msg.Type, Channel: sub.Channel, Err: err})
		b.mail.Put(handlerErrEvent{err: fmt.Errorf("subscription %s: %w", sub.ID, err)})
	})

	go b.run()
	return b, nil
}

// Queue exposes the delivery queue for inspection (stats, dead letters).
func (b *Bridge) Queue() *Queue { return b.queue }

// Ready is closed once history has been loaded.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// AddObserver registers an observer for bridge and queue events.
func (b *Bridge) AddObserver(obs Observer) { b.obs.add(obs) }

func (b *Bridge) RemoveObserver(obs Observer) { b.obs.remove(obs) }

func (b *Bridge) post(ev any) error {
	if b.closed.Load() || !b.mail.Put(ev) {
		return ErrBridgeClosed
	}
	return nil
}

// Connect registers an agent.
func (b *Bridge) Connect(agent Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	return b.post(connectEvent{agent: agent})
}

// Disconnect removes an agent from the registry.
func (b *Bridge) Disconnect(agentID string) error {
	return b.post(disconnectEvent{id: agentID})
}

// Heartbeat marks an agent as alive.
func (b *Bridge) Heartbeat(agentID string) error {
	return b.post(heartbeatEvent{id: agentID})
}

// Subscribe registers h for messages on channel that pass filter (nil for all).
// The returned id is the handle for Unsubscribe.
func (b *Bridge) Subscribe(channel Channel, h Handler, filter *Filter) (string, error) {
	if !channel.Valid() {
		return "", fmt.Errorf("%w: unknown channel %q", ErrInvalidMessage, channel)
	}
	if h == nil {
		return "", errors.New("subscribe: handler must not be nil")
	}
	sub := Subscription{ID: uuid.New().String(), Channel: channel, Handler: h, Filter: filter}
	if err := b.post(subscribeEvent{sub: sub}); err != nil {
		return "", err
	}
	return sub.ID, nil
}

func (b *Bridge) Unsubscribe(channel Channel, id string) error {
	return b.post(unsubscribeEvent{channel: channel, id: id})
}

// MessageReceived records an inbound message and fans it out to subscribers.
func (b *Bridge) MessageReceived(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return b.post(receivedEvent{ctx: b.ctx, msg: msg})
}

// Receive makes the bridge the Inbound sink of a transport.
func (b *Bridge) Receive(ctx context.Context, msg *Message) {
	if err := msg.Validate(); err != nil {
		b.logger.Warn().Err(err).Msg("inbound message rejected")
		return
	}
	if ctx == nil {
		ctx = b.ctx
	}
	_ = b.post(receivedEvent{ctx: ctx, msg: msg})
}

// ReplayMessages re-emits every history entry with a timestamp at or after
// since through fan-out. History itself is not changed.
func (b *Bridge) ReplayMessages(since time.Time) error {
	return b.post(replayEvent{since: since})
}

// ClearHistory empties the history. Stats are kept.
func (b *Bridge) ClearHistory() error {
	return b.post(clearHistoryEvent{})
}

func (b *Bridge) Stats(ctx context.Context) (BridgeStats, error) {
	var st BridgeStats
	err := b.query(ctx, func() {
		st = b.stats
		st.ActiveConnections = len(b.agents)
		st.HistorySize = len(b.history)
		n := 0
		for _, list := range b.subs {
			n += len(list)
		}
		st.Subscriptions = n
	})
	return st, err
}

// History returns the recorded messages, oldest first.
func (b *Bridge) History(ctx context.Context) ([]*Message, error) {
	var out []*Message
	err := b.query(ctx, func() { out = append([]*Message(nil), b.history...) })
	return out, err
}

func (b *Bridge) Agents(ctx context.Context) ([]Agent, error) {
	var out []Agent
	err := b.query(ctx, func() {
		out = make([]Agent, 0, len(b.agents))
		for _, a := range b.agents {
			out = append(out, a)
		}
	})
	return out, err
}

func (b *Bridge) Errors(ctx context.Context) ([]error, error) {
	var out []error
	err := b.query(ctx, func() { out = append([]error(nil), b.errs...) })
	return out, err
}

func (b *Bridge) State(ctx context.Context) (BridgeState, error) {
	st := BridgeClosed
	err := b.query(ctx, func() { st = b.phase })
	if errors.Is(err, ErrBridgeClosed) {
		return BridgeClosed, nil
	}
	return st, err
}

func (b *Bridge) query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := b.post(queryEvent{fn: func() { fn(); close(done) }}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-b.done:
		return ErrBridgeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the bridge, its queue and the subscriber dispatcher. Messages still
// staged are not sent.
func (b *Bridge) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.cancel()
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Join(b.queue.Close(ctx), b.dispatcher.close(ctx))
}

func (b *Bridge) run() {
	defer close(b.done)
	go b.loadHistory()

	for {
		select {
		case <-b.ctx.Done():
			b.finishPipeline()
			b.mail.Close()
			if b.phase == BridgeInitializing {
				close(b.ready)
			}
			b.phase = BridgeClosed
			return
		case <-b.mail.Ready():
			for _, ev := range b.mail.Take() {
				b.handle(ev)
			}
			b.drain()
		}
	}
}

// finishPipeline waits, at most MessageTimeout, for the message in the outgoing
// pipeline so that it reaches the queue before the queue takes its final
// snapshot. Staged messages behind it are not started.
func (b *Bridge) finishPipeline() {
	if b.phase != BridgeProcessingQueue && b.phase != BridgePersistingMessage {
		return
	}
	deadline := time.NewTimer(b.cfg.MessageTimeout)
	defer deadline.Stop()
	for b.phase == BridgeProcessingQueue || b.phase == BridgePersistingMessage {
		select {
		case <-deadline.C:
			b.logger.Warn().Msg("outgoing pipeline did not finish before shutdown")
			return
		case <-b.mail.Ready():
			for _, ev := range b.mail.Take() {
				b.handle(ev)
			}
		}
	}
}

func (b *Bridge) handle(ev any) {
	now := b.clock.Now()
	switch e := ev.(type) {
	case historyLoaded:
		b.onHistoryLoaded(e)
	case sendEvent:
		b.stage(e.msg)
	case processedEvent:
		b.onProcessed(e)
	case persistedEvent:
		b.onPersisted(e)
	case deliveredEvent:
		b.record(e.msg)
		b.stats.LastActivity = now
		b.notify(Event{Type: Sent}, e.msg)
	case receivedEvent:
		b.onReceived(e.ctx, e.msg, now)
	case connectEvent:
		b.agents[e.agent.ID] = e.agent
		b.stats.LastActivity = now
		b.obs.notify(Event{Type: AgentJoined, Component: "bridge", AgentID: e.agent.ID})
	case disconnectEvent:
		if _, ok := b.agents[e.id]; ok {
			delete(b.agents, e.id)
			b.obs.notify(Event{Type: AgentLeft, Component: "bridge", AgentID: e.id})
		}
	case heartbeatEvent:
		if _, ok := b.agents[e.id]; ok {
			b.stats.LastActivity = now
		}
	case subscribeEvent:
		b.subs[e.sub.Channel] = append(b.subs[e.sub.Channel], e.sub)
	case unsubscribeEvent:
		list := b.subs[e.channel]
		for i, s := range list {
			if s.ID == e.id {
				b.subs[e.channel] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	case replayEvent:
		for _, m := range b.history {
			if !m.Timestamp.Before(e.since) {
				b.fanOut(b.ctx, m)
			}
		}
	case clearHistoryEvent:
		b.history = nil
	case handlerErrEvent:
		b.stats.HandlerErrors++
		b.recordErr(e.err)
	case queryEvent:
		e.fn()
	}
}

func (b *Bridge) onReceived(ctx context.Context, msg *Message, now time.Time) {
	if msg.Expired(now) {
		b.stats.MessagesExpired++
		b.stats.MessagesDropped++
		b.notify(Event{Type: Expired}, msg)
		return
	}
	b.record(msg)
	n := b.stats.MessagesReceived
	latency := now.Sub(msg.Timestamp)
	b.stats.AverageLatency = time.Duration((int64(b.stats.AverageLatency)*int64(n) + int64(latency)) / int64(n+1))
	b.stats.MessagesReceived++
	b.stats.LastActivity = now
	b.notify(Event{Type: Received, AgentID: msg.Source.ID}, msg)
	b.fanOut(ctx, msg)
}

// record appends msg to history, dropping the oldest entries past MaxHistorySize.
func (b *Bridge) record(msg *Message) {
	b.history = append(b.history, msg)
	if over := len(b.history) - b.cfg.MaxHistorySize; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
}

func (b *Bridge) fanOut(ctx context.Context, msg *Message) {
	list := b.subs[msg.Metadata.Channel]
	if len(list) == 0 {
		return
	}
	matched := make([]Subscription, 0, len(list))
	for _, s := range list {
		if s.Filter.Match(msg) {
			matched = append(matched, s)
		}
	}
	hctx := InjectAll(ctx, b.codec, b.logger, b.clock)
	b.dispatcher.submit(dispatchJob{ctx: hctx, msg: msg, subs: matched})
}

func (b *Bridge) recordErr(err error) {
	b.errs = append(b.errs, err)
	if over := len(b.errs) - b.cfg.MaxErrors; over > 0 {
		b.errs = b.errs[over:]
	}
}

func (b *Bridge) notify(ev Event, msg *Message) {
	ev.Component = "bridge"
	if msg != nil {
		ev.MessageID = msg.ID
		ev.MessageType = msg.Type
		ev.Channel = msg.Metadata.Channel
		ev.Priority = msg.Metadata.Priority
	}
	b.obs.notify(ev)
}

// Deliver is the delivery attempt the queue runs for each entry. It hands the
// message to the transport, or loops it back into local fan-out when there is
// none.
func (b *Bridge) Deliver(ctx context.Context, msg *Message) error {
	if b.transport == nil {
		if !b.mail.Put(receivedEvent{ctx: b.ctx, msg: msg}) {
			return ErrBridgeClosed
		}
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, b.cfg.MessageTimeout)
	defer cancel()
	if err := b.transport.Send(InjectAll(sctx, b.codec, b.logger, b.clock), msg); err != nil {
		return err
	}
	b.mail.Put(deliveredEvent{msg: msg})
	return nil
}
