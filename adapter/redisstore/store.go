package redisstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xmesh"
)

const StoreName = "redis"

func init() {
	if err := xmesh.RegisterStore(StoreName, func(cfg map[string]any) (xmesh.Store, error) {
		return NewStore(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmesh/redisstore: failed to register store: %w", err))
	}
}

// Store implements xmesh.Store on Redis strings.
type Store struct {
	cfg    Config
	client *redis.Client

	closeOnce sync.Once
	closed    atomic.Bool

	metrics storeMetrics
}

type storeMetrics struct {
	saves      atomic.Uint64
	loads      atomic.Uint64
	misses     atomic.Uint64
	scans      atomic.Uint64
	saveErrors atomic.Uint64
}

var _ xmesh.Store = (*Store)(nil)

// NewStore connects and pings Redis.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 1,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client, cfg.DialTimeout); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Store{cfg: cfg, client: client}, nil
}

func (s *Store) key(k string) string { return s.cfg.Prefix + ":" + k }

// Save sets the value, refreshing the TTL when one is configured.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if s.closed.Load() {
		return errors.New("redis store is closed")
	}
	if err := s.client.Set(ctx, s.key(key), data, s.cfg.TTL).Err(); err != nil {
		s.metrics.saveErrors.Add(1)
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	s.metrics.saves.Add(1)
	return nil
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, errors.New("redis store is closed")
	}
	s.metrics.loads.Add(1)
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.metrics.misses.Add(1)
		return nil, fmt.Errorf("redis get %s: %w", key, xmesh.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

// List scans the keys under dir and returns the direct children, sorted.
func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	if s.closed.Load() {
		return nil, errors.New("redis store is closed")
	}
	dir = strings.Trim(dir, "/")
	base := s.cfg.Prefix + ":"
	match := base + globEscape(dir) + "/*"
	if dir == "" || dir == "." {
		match = base + "*"
	}

	var out []string
	iter := s.client.Scan(ctx, 0, match, s.cfg.ScanCount).Iterator()
	for iter.Next(ctx) {
		if name, ok := xmesh.ChildName(dir, strings.TrimPrefix(iter.Val(), base)); ok {
			out = append(out, name)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", dir, err)
	}
	s.metrics.scans.Add(1)
	sort.Strings(out)
	// SCAN may return a key more than once
	return compact(out), nil
}

// Delete removes keys. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.client.Del(ctx, full...).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.client.Close()
	})
	return err
}

// Stats is store telemetry.
type Stats struct {
	Saves      uint64
	Loads      uint64
	Misses     uint64
	Scans      uint64
	SaveErrors uint64
}

func (s *Store) Stats() Stats {
	return Stats{
		Saves:      s.metrics.saves.Load(),
		Loads:      s.metrics.loads.Load(),
		Misses:     s.metrics.misses.Load(),
		Scans:      s.metrics.scans.Load(),
		SaveErrors: s.metrics.saveErrors.Load(),
	}
}

func ping(c *redis.Client, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}

// globEscape quotes the characters SCAN MATCH treats as patterns.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func compact(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
