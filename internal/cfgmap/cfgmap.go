// Package cfgmap reads typed values out of the loosely typed config maps that
// adapter factories receive. Numbers may arrive as any Go numeric type (YAML and
// JSON decoders disagree), durations as time.Duration, Go duration strings or
// integer milliseconds.
package cfgmap

import (
	"strconv"
	"time"
)

func Int(m map[string]any, k string, d int) int {
	switch v := m[k].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return d
}

func Int64(m map[string]any, k string, d int64) int64 {
	switch v := m[k].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return d
}

func Bool(m map[string]any, k string, d bool) bool {
	switch v := m[k].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return d
}

func String(m map[string]any, k string, d string) string {
	if v, ok := m[k].(string); ok && v != "" {
		return v
	}
	return d
}

// Dur reads a duration. Bare numbers are milliseconds.
func Dur(m map[string]any, k string, d time.Duration) time.Duration {
	switch v := m[k].(type) {
	case time.Duration:
		return v
	case string:
		if p, err := time.ParseDuration(v); err == nil {
			return p
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return d
}

// Map reads a nested map, returning nil when absent.
func Map(m map[string]any, k string) map[string]any {
	if v, ok := m[k].(map[string]any); ok {
		return v
	}
	return nil
}
