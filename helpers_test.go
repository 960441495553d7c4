package xmesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// mapStore is a minimal Store used by tests inside the package.
type mapStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	saves   int
	failErr error
}

func newMapStore() *mapStore { return &mapStore{data: map[string][]byte{}} }

func (s *mapStore) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.saves++
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *mapStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	b, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *mapStore) List(_ context.Context, dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.data {
		if name, ok := ChildName(dir, k); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

var errBoom = errors.New("boom")

// manualClock is a settable Clock.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(t time.Time) *manualClock { return &manualClock{now: t} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testAgent(id string) Agent {
	return Agent{ID: id, Type: AgentClaude, Name: id, Version: "1.0.0", Capabilities: []Capability{{Name: "code_review", Version: "1.0"}}}
}

func testMessage(p Priority) *Message {
	return NewMessage(testAgent("a1"), Broadcast(), KnowledgeQuery,
		&KnowledgeQueryPayload{Question: "why?"}, WithPriority(p))
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
