// Package filedrop exchanges messages as JSON files in a shared store
// directory. Every node polls the directory and picks up what other nodes
// dropped there.
//
// Transport name: "file". It needs the node's store (the builder passes it as
// "store"); pair it with the "file" store and a shared persistencePath to
// talk across processes. Config keys: dir (default "inbox"), pollInterval
// (default 1s), backlog (how old a dropped file may be and still be
// delivered, default 1m).
package filedrop

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmesh"
	"github.com/trickstertwo/xmesh/internal/cfgmap"
)

const TransportName = "file"

func init() {
	if err := xmesh.RegisterTransport(TransportName, func(m map[string]any) (xmesh.Transport, error) {
		st, _ := m["store"].(xmesh.Store)
		agent, _ := m["agent"].(xmesh.Agent)
		codec, _ := m["codec"].(xmesh.Codec)
		return New(ConfigFromMap(m), st, agent, codec)
	}); err != nil {
		panic(fmt.Errorf("xmesh/filedrop: failed to register transport: %w", err))
	}
}

type Config struct {
	Dir          string
	PollInterval time.Duration
	Backlog      time.Duration
}

func Defaults() Config {
	return Config{Dir: "inbox", PollInterval: time.Second, Backlog: time.Minute}
}

func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	c.Dir = cfgmap.String(m, "dir", c.Dir)
	c.PollInterval = cfgmap.Dur(m, "pollInterval", c.PollInterval)
	c.Backlog = cfgmap.Dur(m, "backlog", c.Backlog)
	return c
}

func (c Config) Validate() error {
	if strings.Trim(c.Dir, "/") == "" {
		return fmt.Errorf("config: dir required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: pollInterval must be > 0")
	}
	if c.Backlog < 0 {
		return fmt.Errorf("config: backlog must be >= 0")
	}
	return nil
}

// Transport implements xmesh.Transport over a Store directory.
type Transport struct {
	cfg   Config
	store xmesh.Store
	agent xmesh.Agent
	codec xmesh.Codec

	logger *xlog.Logger
	clock  xmesh.Clock

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	// poller-owned
	seen  map[string]struct{}
	peers map[string]struct{}
	since time.Time
}

var _ xmesh.Transport = (*Transport)(nil)

// New returns a transport that drops files for agent into store.
func New(cfg Config, store xmesh.Store, agent xmesh.Agent, codec xmesh.Codec) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("filedrop: a store is required")
	}
	if codec == nil {
		codec = xmesh.JSONCodec{}
	}
	return &Transport{
		cfg:    cfg,
		store:  store,
		agent:  agent,
		codec:  codec,
		logger: xlog.Default(),
		clock:  xclock.Default(),
		seen:   map[string]struct{}{},
		peers:  map[string]struct{}{},
	}, nil
}

// Start begins polling. Files stamped earlier than Start minus Backlog are ignored.
func (t *Transport) Start(ctx context.Context, in xmesh.Inbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("filedrop: already started")
	}
	t.started = true
	t.logger = xmesh.LoggerOrDefault(ctx)
	if c, ok := xmesh.ClockFromContext(ctx); ok {
		t.clock = c
	}
	t.since = t.clock.Now().Add(-t.cfg.Backlog)

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.poll(pctx, in)
	return nil
}

// fileName is "<ms>-<id>.json", stamped with the time the file is dropped so a
// message retried long after it was created is still inside the backlog.
func fileName(at time.Time, id string) string {
	return strconv.FormatInt(at.UnixMilli(), 10) + "-" + id + ".json"
}

func stampOf(name string) (time.Time, bool) {
	ms, _, ok := strings.Cut(name, "-")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(n), true
}

// Send writes msg as one file. Broadcasts and targeted messages share the
// directory; readers filter by target.
func (t *Transport) Send(ctx context.Context, msg *xmesh.Message) error {
	data, err := t.codec.Marshal(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	now := t.clock.Now()
	t.mu.Unlock()
	if err := t.store.Save(ctx, xmesh.JoinKey(t.cfg.Dir, fileName(now, msg.ID)), data); err != nil {
		return fmt.Errorf("filedrop: send %s: %w", msg.ID, err)
	}
	return nil
}

func (t *Transport) poll(ctx context.Context, in xmesh.Inbound) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		t.scan(ctx, in)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scan delivers every unseen file meant for this agent. A file is marked seen
// only once it was loaded, so a failed load is retried on the next poll.
func (t *Transport) scan(ctx context.Context, in xmesh.Inbound) {
	t.advance()
	names, err := t.store.List(ctx, t.cfg.Dir)
	if err != nil {
		if !errors.Is(err, xmesh.ErrNotFound) && ctx.Err() == nil {
			t.logger.Warn().Err(err).Str("dir", t.cfg.Dir).Msg("filedrop list failed")
		}
		return
	}
	for _, name := range names {
		if _, ok := t.seen[name]; ok {
			continue
		}
		if ts, ok := stampOf(name); !ok || ts.Before(t.since) {
			continue
		}
		data, err := t.store.Load(ctx, xmesh.JoinKey(t.cfg.Dir, name))
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn().Err(err).Str("file", name).Msg("filedrop load failed, retrying next poll")
			}
			continue
		}
		// a file that does not decode never will
		t.seen[name] = struct{}{}
		msg, err := xmesh.DecodeMessage(t.codec, data)
		if err != nil {
			t.logger.Debug().Err(err).Str("file", name).Msg("skipping undecodable file")
			continue
		}
		if msg.Source.ID == t.agent.ID {
			continue
		}
		if !msg.Target.IsBroadcast() && msg.Target.AgentID() != t.agent.ID {
			continue
		}
		if _, known := t.peers[msg.Source.ID]; !known {
			t.peers[msg.Source.ID] = struct{}{}
			if pt, ok := in.(xmesh.PeerTracker); ok {
				pt.PeerConnected(msg.Source)
			}
		}
		in.Receive(ctx, msg)
	}
}

// advance moves the backlog window forward and forgets seen files that fell
// out of it, which keeps the seen set bounded on a long-running node.
func (t *Transport) advance() {
	if cutoff := t.clock.Now().Add(-t.cfg.Backlog); cutoff.After(t.since) {
		t.since = cutoff
	}
	for name := range t.seen {
		if ts, ok := stampOf(name); !ok || ts.Before(t.since) {
			delete(t.seen, name)
		}
	}
}

// Close stops polling. Files stay in the store.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
