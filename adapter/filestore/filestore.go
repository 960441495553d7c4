// Package filestore keeps xmesh state as plain files under a root directory.
//
// Store name: "file". Config keys: "path" (root directory, default
// ".ai-messages") and "perm" (file mode, default 0o644).
//
// Each key maps to one file; "history/1700000000000-id.json" is written to
// <path>/history/1700000000000-id.json through a temp file and a rename, so a
// reader never sees a partial value.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/trickstertwo/xmesh"
	"github.com/trickstertwo/xmesh/internal/cfgmap"
)

const StoreName = "file"

const tmpPrefix = ".tmp-"

func init() {
	if err := xmesh.RegisterStore(StoreName, func(cfg map[string]any) (xmesh.Store, error) {
		return NewStore(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmesh/filestore: failed to register store: %w", err))
	}
}

type Config struct {
	Path string
	Perm fs.FileMode
}

func Defaults() Config {
	return Config{Path: ".ai-messages", Perm: 0o644}
}

func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	c.Path = cfgmap.String(m, "path", c.Path)
	c.Perm = fs.FileMode(cfgmap.Int(m, "perm", int(c.Perm)))
	return c
}

func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("config: path required")
	}
	if c.Perm&0o600 != 0o600 {
		return fmt.Errorf("config: perm %o must be owner read/write", c.Perm)
	}
	return nil
}

// Store implements xmesh.Store on the local filesystem.
type Store struct {
	root string
	perm fs.FileMode
}

var _ xmesh.Store = (*Store)(nil)

// NewStore creates the root directory if needed.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create root: %w", err)
	}
	return &Store{root: root, perm: cfg.Perm}, nil
}

// Root is the absolute directory holding the files.
func (s *Store) Root() string { return s.root }

// path resolves key below root, refusing keys that escape it.
func (s *Store) path(key string) (string, error) {
	clean := xmesh.JoinKey(key)
	if clean == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("filestore: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filestore: save %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("filestore: save %s: %w", key, err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: save %s: %w", key, err)
	}
	if err := tmp.Chmod(s.perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: save %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: save %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("filestore: save %s: %w", key, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("filestore: load %s: %w", key, xmesh.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: load %s: %w", key, err)
	}
	return b, nil
}

// List returns the regular files directly under dir. A missing directory
// reports ErrNotFound.
func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := s.root
	if d := xmesh.JoinKey(dir); d != "" && d != "." {
		var err error
		if p, err = s.path(d); err != nil {
			return nil, err
		}
	}
	entries, err := os.ReadDir(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("filestore: list %s: %w", dir, xmesh.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: list %s: %w", dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}
