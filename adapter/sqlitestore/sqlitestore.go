// Package sqlitestore keeps xmesh state in a single SQLite database file
// (pure Go driver, no cgo).
//
// Store name: "sqlite". Config keys: "path" (directory, default
// ".ai-messages"), "file" (database file name, default "xmesh.db") and
// "busy_timeout" (default 5s). Use file ":memory:" for a throwaway database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trickstertwo/xmesh"
	"github.com/trickstertwo/xmesh/internal/cfgmap"
)

const StoreName = "sqlite"

func init() {
	if err := xmesh.RegisterStore(StoreName, func(cfg map[string]any) (xmesh.Store, error) {
		return Open(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmesh/sqlitestore: failed to register store: %w", err))
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

type Config struct {
	Path        string
	File        string
	BusyTimeout time.Duration
}

func Defaults() Config {
	return Config{Path: ".ai-messages", File: "xmesh.db", BusyTimeout: 5 * time.Second}
}

func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	c.Path = cfgmap.String(m, "path", c.Path)
	c.File = cfgmap.String(m, "file", c.File)
	c.BusyTimeout = cfgmap.Dur(m, "busy_timeout", c.BusyTimeout)
	return c
}

func (c Config) Validate() error {
	if c.File == "" {
		return fmt.Errorf("config: file required")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("config: busy_timeout must be >= 0")
	}
	return nil
}

func (c Config) dsn() string {
	pragmas := fmt.Sprintf("_pragma=busy_timeout(%d)", c.BusyTimeout.Milliseconds())
	if c.File == ":memory:" {
		return "file::memory:?" + pragmas
	}
	return fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)", filepath.Join(c.Path, c.File), pragmas)
}

// Store implements xmesh.Store on a "blobs" table.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

var _ xmesh.Store = (*Store)(nil)

// Open creates the database and schema if needed.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.File != ":memory:" && cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// one writer; also keeps a :memory: database alive on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (key, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		xmesh.JoinKey(key), data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlitestore: save %s: %w", key, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, xmesh.JoinKey(key)).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlitestore: load %s: %w", key, xmesh.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load %s: %w", key, err)
	}
	return b, nil
}

func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	dir = strings.Trim(dir, "/")
	pattern := "%"
	if dir != "" && dir != "." {
		pattern = likeEscape(dir) + "/%"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM blobs WHERE key LIKE ? ESCAPE '\' ORDER BY key`, pattern)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list %s: %w", dir, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlitestore: list %s: %w", dir, err)
		}
		if name, ok := xmesh.ChildName(dir, k); ok {
			out = append(out, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: list %s: %w", dir, err)
	}
	return out, nil
}

// Delete removes keys. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, xmesh.JoinKey(k)); err != nil {
			return fmt.Errorf("sqlitestore: delete %s: %w", k, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.db.Close() })
	return err
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
