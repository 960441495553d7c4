package websocket

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/trickstertwo/xmesh"
	"github.com/trickstertwo/xmesh/internal/cfgmap"
)

const (
	RoleServer = "server"
	RoleClient = "client"
)

// Config for the server and the client.
type Config struct {
	Role string

	// Server: TCP listen address, or SocketPath when Network is "unix".
	Network    string
	Host       string
	Port       int
	SocketPath string
	// Path serves the upgrade endpoint (default "/").
	Path string

	// Client: server URL ("ws://host:port/"). Derived from Host/Port when empty.
	URL string

	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MaxConnections    int
	// SendBuffer is the per-connection outgoing frame buffer.
	SendBuffer int

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	// Relay forwards frames between connected peers: broadcasts go to every
	// other peer and targeted messages to the target's connection.
	Relay bool
}

// Defaults returns the documented defaults for a server on localhost:8765.
func Defaults() Config {
	return Config{
		Role:                 RoleServer,
		Network:              "tcp",
		Host:                 "localhost",
		Port:                 8765,
		Path:                 "/",
		HeartbeatInterval:    30 * time.Second,
		ConnectionTimeout:    60 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
		MaxMessageSize:       1 << 20,
		MaxConnections:       100,
		SendBuffer:           256,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
	}
}

// Validate checks Config for the selected role.
func (c Config) Validate() error {
	if c.Role != RoleServer && c.Role != RoleClient {
		return fmt.Errorf("config: role must be %q or %q, got %q", RoleServer, RoleClient, c.Role)
	}
	switch c.Network {
	case "tcp":
		if c.Port < 0 || c.Port > 65535 {
			return fmt.Errorf("config: port %d out of range", c.Port)
		}
	case "unix":
		if c.SocketPath == "" {
			return fmt.Errorf("config: socketPath required for unix network")
		}
	default:
		return fmt.Errorf("config: network must be tcp or unix, got %q", c.Network)
	}
	switch {
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("config: handshakeTimeout must be > 0")
	case c.WriteTimeout <= 0:
		return fmt.Errorf("config: writeTimeout must be > 0")
	case c.MaxMessageSize < 1:
		return fmt.Errorf("config: maxMessageSize must be >= 1")
	case c.MaxConnections < 1:
		return fmt.Errorf("config: maxConnections must be >= 1")
	case c.SendBuffer < 1:
		return fmt.Errorf("config: sendBuffer must be >= 1")
	case c.MaxReconnectAttempts < 0:
		return fmt.Errorf("config: maxReconnectAttempts must be >= 0")
	case c.ReconnectDelay < 0:
		return fmt.Errorf("config: reconnectDelay must be >= 0")
	}
	return nil
}

// Addr is the TCP listen address.
func (c Config) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// dialURL is the URL the client dials. Unix sockets still need a ws:// URL;
// the host part is ignored.
func (c Config) dialURL() string {
	if c.URL != "" {
		return c.URL
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	if c.Network == "unix" {
		return "ws://unix" + path
	}
	return "ws://" + c.Addr() + path
}

// ConfigFromMap converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	c.Role = cfgmap.String(m, "role", c.Role)
	c.Network = cfgmap.String(m, "network", c.Network)
	c.Host = cfgmap.String(m, "host", c.Host)
	c.Port = cfgmap.Int(m, "port", c.Port)
	c.SocketPath = cfgmap.String(m, "socketPath", c.SocketPath)
	c.Path = cfgmap.String(m, "path", c.Path)
	c.URL = cfgmap.String(m, "url", c.URL)
	c.HeartbeatInterval = cfgmap.Dur(m, "heartbeatInterval", c.HeartbeatInterval)
	c.ConnectionTimeout = cfgmap.Dur(m, "connectionTimeout", c.ConnectionTimeout)
	c.HandshakeTimeout = cfgmap.Dur(m, "handshakeTimeout", c.HandshakeTimeout)
	c.WriteTimeout = cfgmap.Dur(m, "writeTimeout", c.WriteTimeout)
	c.MaxMessageSize = cfgmap.Int64(m, "maxMessageSize", c.MaxMessageSize)
	c.MaxConnections = cfgmap.Int(m, "maxConnections", c.MaxConnections)
	c.SendBuffer = cfgmap.Int(m, "sendBuffer", c.SendBuffer)
	c.MaxReconnectAttempts = cfgmap.Int(m, "maxReconnectAttempts", c.MaxReconnectAttempts)
	c.ReconnectDelay = cfgmap.Dur(m, "reconnectDelay", c.ReconnectDelay)
	c.Relay = cfgmap.Bool(m, "relay", c.Relay)
	return c
}

// deps are the collaborators the node builder puts into the factory map.
type deps struct {
	agent    xmesh.Agent
	codec    xmesh.Codec
	observer xmesh.Observer
	handlers map[string]http.Handler
}

func depsFromMap(m map[string]any) deps {
	d := deps{codec: xmesh.JSONCodec{}}
	if a, ok := m["agent"].(xmesh.Agent); ok {
		d.agent = a
	}
	if c, ok := m["codec"].(xmesh.Codec); ok && c != nil {
		d.codec = c
	}
	if o, ok := m["observer"].(xmesh.Observer); ok {
		d.observer = o
	}
	if h, ok := m["handlers"].(map[string]http.Handler); ok {
		d.handlers = h
	}
	return d
}
