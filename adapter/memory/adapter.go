package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xmesh"
)

const StoreName = "memory"

func init() {
	if err := xmesh.RegisterStore(StoreName, func(cfg map[string]any) (xmesh.Store, error) {
		return NewStore(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xmesh/memory: failed to register store: %w", err))
	}
}

// Config controls memory store behavior.
type Config struct {
	// MaxValueSize rejects larger values when positive (default: 0 = unlimited).
	MaxValueSize int
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	return Config{MaxValueSize: max(0, getInt("max_value_size", 0))}
}

// Store implements xmesh.Store in process memory (dev/testing). Nothing
// survives a restart of the process.
type Store struct {
	cfg Config

	mu   sync.RWMutex
	data map[string][]byte

	metrics storeMetrics
}

type storeMetrics struct {
	saves  atomic.Uint64
	loads  atomic.Uint64
	misses atomic.Uint64
	lists  atomic.Uint64
}

var _ xmesh.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg, data: make(map[string][]byte)}
}

// Save copies data under key.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cfg.MaxValueSize > 0 && len(data) > s.cfg.MaxValueSize {
		return fmt.Errorf("memory store: value for %q is %d bytes, limit %d", key, len(data), s.cfg.MaxValueSize)
	}
	buf := append([]byte(nil), data...)
	s.mu.Lock()
	s.data[key] = buf
	s.mu.Unlock()
	s.metrics.saves.Add(1)
	return nil
}

// Load returns a copy of the value under key.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	b, ok := s.data[key]
	s.mu.RUnlock()
	s.metrics.loads.Add(1)
	if !ok {
		s.metrics.misses.Add(1)
		return nil, fmt.Errorf("memory store: %s: %w", key, xmesh.ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

// List returns the names directly under dir.
func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []string
	for k := range s.data {
		if name, ok := xmesh.ChildName(dir, k); ok {
			out = append(out, name)
		}
	}
	s.mu.RUnlock()
	s.metrics.lists.Add(1)
	sort.Strings(out)
	return out, nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Stats is store telemetry.
type Stats struct {
	Saves  uint64
	Loads  uint64
	Misses uint64
	Lists  uint64
}

func (s *Store) Stats() Stats {
	return Stats{
		Saves:  s.metrics.saves.Load(),
		Loads:  s.metrics.loads.Load(),
		Misses: s.metrics.misses.Load(),
		Lists:  s.metrics.lists.Load(),
	}
}
