package xmesh

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Clock is the time source used by queues, bridges and transports.
// xclock.Default() satisfies it.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

func defaultClock() Clock { return xclock.Default() }

// ctxKey is the base for all context keys in xmesh (prevents collisions).
type ctxKey string

const (
	codecCtxKey  ctxKey = "xmesh:codec"
	loggerCtxKey ctxKey = "xmesh:logger"
	clockCtxKey  ctxKey = "xmesh:clock"
)

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves a Codec previously injected into the context.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if v := ctx.Value(codecCtxKey); v != nil {
		if c, ok := v.(Codec); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

// LoggerOrDefault returns the logger injected into ctx, or xlog.Default().
func LoggerOrDefault(ctx context.Context) *xlog.Logger {
	if l, ok := LoggerFromContext(ctx); ok {
		return l
	}
	return xlog.Default()
}

func injectClock(ctx context.Context, c Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
