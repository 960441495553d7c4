package xmesh

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Handler processes a single message. Subscribers implement it; the outgoing
// pipeline is built from it as well.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc is an Adapter that lets a plain function satisfy Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// RetryConfig controls retry behavior for RetryMiddleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a handler.
// The bridge uses it for the persistence step of the outgoing pipeline.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg *Message) error {
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(error) bool { return true }
			}
			var lastErr error
			for i := 1; i <= attempts; i++ {
				lastErr = next.Handle(ctx, msg)
				if lastErr == nil {
					return nil
				}
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		})
	}
}

// TimeoutMiddleware bounds how long a handler may run. When exceeded the
// handler's context is cancelled and context.DeadlineExceeded is returned.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg *Message) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("panic recovered: %v", r)
					}
				}()
				errCh <- next.Handle(tctx, msg)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		})
	}
}

// RecoveryMiddleware converts handler panics into errors.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next.Handle(ctx, msg)
		})
	}
}

// unsignedSignature marks messages that went through the outgoing pipeline
// without a real signer.
const unsignedSignature = "not-implemented"

// PlaceholderSecurityMiddleware is the outgoing-processing step. Encryption and
// compression are not implemented; when enabled they are only logged. Every
// message leaves with a placeholder signature.
func PlaceholderSecurityMiddleware(encrypt, compress bool) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg *Message) error {
			lg := LoggerOrDefault(ctx)
			if encrypt && !msg.Metadata.Encrypted {
				lg.Debug().Str("message_id", msg.ID).Msg("encryption not implemented")
			}
			if compress && !msg.Metadata.Compressed {
				lg.Debug().Str("message_id", msg.ID).Msg("compression not implemented")
			}
			if msg.Signature == "" {
				msg = msg.Clone()
				msg.Signature = unsignedSignature
			}
			return next.Handle(ctx, msg)
		})
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
