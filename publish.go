package xmesh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// SendMessage validates msg and stages it for delivery. It returns once the
// message is staged; persistence and delivery continue in the background.
func (b *Bridge) SendMessage(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return b.post(sendEvent{msg: msg})
}

// SendBatch stages every message in order. It stops at the first invalid
// message; the ones before it stay staged.
func (b *Bridge) SendBatch(msgs ...*Message) error {
	for i, m := range msgs {
		if err := b.SendMessage(m); err != nil {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	return nil
}

// stage appends to the bounded staging list, dropping the oldest on overflow.
func (b *Bridge) stage(msg *Message) {
	b.staging = append(b.staging, msg)
	b.stats.MessagesSent++
	b.stats.LastActivity = b.clock.Now()
	for len(b.staging) > b.cfg.MaxQueueSize {
		old := b.staging[0]
		b.staging = b.staging[1:]
		b.stats.MessagesDropped++
		b.notify(Event{Type: Dropped}, old)
	}
}

// drain starts the next staged message through the outgoing pipeline when the
// bridge is idle. One message is in the pipeline at a time.
func (b *Bridge) drain() {
	if b.phase != BridgeIdle || len(b.staging) == 0 {
		return
	}
	msg := b.staging[0]
	b.staging = b.staging[1:]
	b.phase = BridgeProcessingQueue
	go func() {
		out, err := b.process(msg)
		b.mail.Put(processedEvent{orig: msg, msg: out, err: err})
	}()
}

// process runs the outgoing-processing step: placeholder security stamping and
// the configured outbound middlewares. The returned message is the one the
// last middleware passed on, nil if none did.
func (b *Bridge) process(msg *Message) (*Message, error) {
	var out *Message
	capture := HandlerFunc(func(_ context.Context, m *Message) error {
		out = m
		return nil
	})
	mws := append([]Middleware{
		RecoveryMiddleware(),
		PlaceholderSecurityMiddleware(b.cfg.EnableEncryption, b.cfg.EnableCompression),
	}, b.outbound...)
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.MessageTimeout)
	defer cancel()
	err := Chain(capture, mws...).Handle(InjectAll(ctx, b.codec, b.logger, b.clock), msg)
	return out, err
}

func (b *Bridge) onProcessed(e processedEvent) {
	if e.err != nil {
		b.stats.MessagesDropped++
		b.recordErr(fmt.Errorf("outgoing processing of %s: %w", e.orig.ID, e.err))
		b.logger.Warn().Err(e.err).Str("message_id", e.orig.ID).Msg("outgoing processing failed, message dropped")
		b.notify(Event{Type: Dropped, Err: e.err}, e.orig)
		b.phase = BridgeIdle
		return
	}
	if e.msg == nil {
		b.logger.Debug().Str("message_id", e.orig.ID).Msg("message stopped by outbound middleware")
		b.phase = BridgeIdle
		return
	}
	if b.store == nil {
		b.enqueue(e.msg)
		return
	}
	b.phase = BridgePersistingMessage
	msg := e.msg
	go func() {
		b.mail.Put(persistedEvent{msg: msg, err: b.persist(msg)})
	}()
}

// historyKey is HistoryDir/<epoch ms>-<id>.json.
func (b *Bridge) historyKey(msg *Message) string {
	ms := strconv.FormatInt(msg.Timestamp.UnixMilli(), 10)
	return JoinKey(b.cfg.HistoryDir, ms+"-"+msg.ID+".json")
}

func (b *Bridge) persist(msg *Message) error {
	data, err := b.codec.Marshal(msg)
	if err != nil {
		return err
	}
	save := HandlerFunc(func(ctx context.Context, m *Message) error {
		return b.store.Save(ctx, b.historyKey(m), data)
	})
	retry := RetryMiddleware(RetryConfig{
		MaxAttempts: b.cfg.PersistRetries + 1,
		Backoff:     func(attempt int) time.Duration { return Backoff(50*time.Millisecond, attempt) },
		RetryIf:     func(err error) bool { return !errors.Is(err, context.Canceled) },
	})
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.MessageTimeout)
	defer cancel()
	return Chain(save, retry).Handle(ctx, msg)
}

func (b *Bridge) onPersisted(e persistedEvent) {
	if e.err != nil {
		b.stats.PersistFailures++
		b.recordErr(fmt.Errorf("persist message %s: %w", e.msg.ID, e.err))
		b.logger.Warn().Err(e.err).Str("message_id", e.msg.ID).Msg("message persistence failed, continuing")
		b.notify(Event{Type: PersistFailed, Err: e.err}, e.msg)
	}
	b.enqueue(e.msg)
}

func (b *Bridge) enqueue(msg *Message) {
	b.phase = BridgeSendingMessage
	if _, err := b.queue.Enqueue(msg); err != nil {
		b.stats.MessagesDropped++
		b.recordErr(fmt.Errorf("enqueue %s: %w", msg.ID, err))
		b.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("enqueue failed")
	}
	b.phase = BridgeIdle
}
