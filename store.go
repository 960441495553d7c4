package xmesh

import (
	"context"
	"path"
	"strings"
)

// Store is the persistence port. Keys are slash separated ("history/1700000000000-id.json").
// Implementations must be safe for concurrent use.
type Store interface {
	// Save writes data under key, replacing any previous value.
	Save(ctx context.Context, key string, data []byte) error
	// Load returns the value under key or an error wrapping ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// List returns the names directly under dir, sorted ascending.
	List(ctx context.Context, dir string) ([]string, error)
}

// JoinKey builds a store key from its parts.
func JoinKey(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

// ChildName returns the name of key relative to dir when key lies directly
// under it. Store adapters use it to implement List.
func ChildName(dir, key string) (string, bool) {
	dir = strings.Trim(dir, "/")
	prefix := ""
	if dir != "" && dir != "." {
		prefix = dir + "/"
	}
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
