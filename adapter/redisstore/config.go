package redisstore

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xmesh/internal/cfgmap"
)

// Config for the Redis store.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Prefix namespaces every key ("<prefix>:<key>").
	Prefix string
	// TTL expires values this long after their last save. Zero keeps them forever.
	TTL time.Duration
	// ScanCount is the COUNT hint for SCAN in List.
	ScanCount int64
	// DialTimeout bounds the initial ping.
	DialTimeout time.Duration
}

// Defaults returns a Config for a local Redis.
func Defaults() Config {
	return Config{
		Addr:        "127.0.0.1:6379",
		Prefix:      "xmesh",
		ScanCount:   256,
		DialTimeout: 2 * time.Second,
	}
}

// Validate checks Config before connecting.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Prefix == "" {
		return fmt.Errorf("config: prefix required")
	}
	if c.TTL < 0 {
		return fmt.Errorf("config: ttl must be >= 0, got %v", c.TTL)
	}
	if c.ScanCount < 1 {
		return fmt.Errorf("config: scan_count must be >= 1, got %d", c.ScanCount)
	}
	return nil
}

// toMap converts Config to the generic map expected by the store factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"prefix":          c.Prefix,
		"ttl":             c.TTL,
		"scan_count":      c.ScanCount,
		"dial_timeout":    c.DialTimeout,
	}
}

// ConfigFromMap converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	c.Addr = cfgmap.String(m, "addr", c.Addr)
	c.Username = cfgmap.String(m, "username", c.Username)
	c.Password = cfgmap.String(m, "password", c.Password)
	c.DB = cfgmap.Int(m, "db", c.DB)
	c.TLS = cfgmap.Bool(m, "tls", c.TLS)
	c.TLSServerName = cfgmap.String(m, "tls_server_name", c.TLSServerName)
	c.Prefix = cfgmap.String(m, "prefix", c.Prefix)
	c.TTL = cfgmap.Dur(m, "ttl", c.TTL)
	c.ScanCount = cfgmap.Int64(m, "scan_count", c.ScanCount)
	c.DialTimeout = cfgmap.Dur(m, "dial_timeout", c.DialTimeout)
	return c
}
