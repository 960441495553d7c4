package xmesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// historyStamp extracts the epoch-ms prefix of a history file name.
func historyStamp(name string) (time.Time, bool) {
	i := strings.IndexByte(name, '-')
	if i <= 0 || !strings.HasSuffix(name, ".json") {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(name[:i], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// loadHistory reads the persisted messages of the last HistoryWindow and posts
// them to the loop. Unreadable files are skipped.
func (b *Bridge) loadHistory() {
	if b.store == nil {
		b.mail.Put(historyLoaded{})
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.MessageTimeout)
	defer cancel()
	msgs, err := b.readHistory(ctx)
	b.mail.Put(historyLoaded{msgs: msgs, err: err})
}

func (b *Bridge) readHistory(ctx context.Context) ([]*Message, error) {
	names, err := b.store.List(ctx, b.cfg.HistoryDir)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	cutoff := b.clock.Now().Add(-b.cfg.HistoryWindow)

	var (
		mu   sync.Mutex
		msgs []*Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.HistoryLoadConcurrency)
	for _, name := range names {
		ts, ok := historyStamp(name)
		if !ok || (b.cfg.HistoryWindow > 0 && ts.Before(cutoff)) {
			continue
		}
		key := JoinKey(b.cfg.HistoryDir, name)
		g.Go(func() error {
			data, err := b.store.Load(gctx, key)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				b.logger.Debug().Err(err).Str("key", key).Msg("history entry skipped")
				return nil
			}
			msg, err := DecodeMessage(b.codec, data)
			if err != nil {
				b.logger.Debug().Err(err).Str("key", key).Msg("history entry skipped")
				return nil
			}
			if b.cfg.HistoryWindow > 0 && msg.Timestamp.Before(cutoff) {
				return nil
			}
			mu.Lock()
			msgs = append(msgs, msg)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	if over := len(msgs) - b.cfg.MaxHistorySize; over > 0 {
		msgs = msgs[over:]
	}
	return msgs, nil
}

func (b *Bridge) onHistoryLoaded(e historyLoaded) {
	if e.err != nil {
		b.recordErr(fmt.Errorf("load history: %w", e.err))
		b.logger.Warn().Err(e.err).Msg("history load failed, starting empty")
		b.obs.notify(Event{Type: RestoreFailed, Component: "bridge", Err: e.err})
	} else if len(e.msgs) > 0 {
		// anything recorded while loading is newer than the persisted history
		b.history = append(e.msgs, b.history...)
		if over := len(b.history) - b.cfg.MaxHistorySize; over > 0 {
			b.history = b.history[over:]
		}
		b.logger.Info().Str("messages", strconv.Itoa(len(e.msgs))).Msg("history loaded")
	}
	if b.phase == BridgeInitializing {
		b.phase = BridgeIdle
		close(b.ready)
	}
}
