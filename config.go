package xmesh

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xmesh/internal/cfgmap"
)

// Duration is a time.Duration that decodes from Go duration strings ("30s")
// or integer milliseconds (30000).
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(time.Duration(d).String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x * float64(time.Millisecond)))
	case int:
		*d = Duration(time.Duration(x) * time.Millisecond)
	case string:
		if ms, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			*d = Duration(time.Duration(ms) * time.Millisecond)
			return nil
		}
		p, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(p)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// AgentConfig names the local agent of a node.
type AgentConfig struct {
	ID      string    `yaml:"id" json:"id"`
	Type    AgentType `yaml:"type" json:"type"`
	Name    string    `yaml:"name" json:"name"`
	Version string    `yaml:"version" json:"version"`
}

// Agent builds the local agent, generating an id when none is configured.
func (c AgentConfig) Agent() Agent {
	t := c.Type
	if t == "" {
		t = AgentCustom
	}
	a := NewAgent(t, c.Name)
	if c.ID != "" {
		a.ID = c.ID
	}
	if c.Version != "" {
		a.Version = c.Version
	}
	if a.Name == "" {
		a.Name = string(t)
	}
	return a
}

// Config is the full node configuration. Field names follow the documented
// option names so the same file works for every front end.
type Config struct {
	MaxQueueSize        int                 `yaml:"maxQueueSize" json:"maxQueueSize"`
	MaxHistorySize      int                 `yaml:"maxHistorySize" json:"maxHistorySize"`
	MessageTimeout      Duration            `yaml:"messageTimeout" json:"messageTimeout"`
	RetryAttempts       int                 `yaml:"retryAttempts" json:"retryAttempts"`
	RetryDelay          Duration            `yaml:"retryDelay" json:"retryDelay"`
	DeadLetterQueueSize int                 `yaml:"deadLetterQueueSize" json:"deadLetterQueueSize"`
	ProcessingTimeout   Duration            `yaml:"processingTimeout" json:"processingTimeout"`
	PriorityQueuing     bool                `yaml:"priorityQueuing" json:"priorityQueuing"`
	PersistencePath     string              `yaml:"persistencePath,omitempty" json:"persistencePath,omitempty"`
	CommunicationMethod CommunicationMethod `yaml:"communicationMethod" json:"communicationMethod"`
	Port                int                 `yaml:"port" json:"port"`
	Host                string              `yaml:"host" json:"host"`
	HeartbeatInterval   Duration            `yaml:"heartbeatInterval" json:"heartbeatInterval"`
	ConnectionTimeout   Duration            `yaml:"connectionTimeout" json:"connectionTimeout"`
	MaxMessageSize      int64               `yaml:"maxMessageSize" json:"maxMessageSize"`

	EnableEncryption  bool `yaml:"enableEncryption" json:"enableEncryption"`
	EnableCompression bool `yaml:"enableCompression" json:"enableCompression"`

	// Role is "server" (accept peers) or "client" (dial URL).
	Role                 string   `yaml:"role" json:"role"`
	URL                  string   `yaml:"url,omitempty" json:"url,omitempty"`
	MaxConnections       int      `yaml:"maxConnections" json:"maxConnections"`
	HandshakeTimeout     Duration `yaml:"handshakeTimeout" json:"handshakeTimeout"`
	MaxReconnectAttempts int      `yaml:"maxReconnectAttempts" json:"maxReconnectAttempts"`
	ReconnectDelay       Duration `yaml:"reconnectDelay" json:"reconnectDelay"`

	// Store selects a registered persistence adapter ("memory", "file", "redis", "sqlite").
	Store           string         `yaml:"store" json:"store"`
	StoreOptions    map[string]any `yaml:"storeOptions,omitempty" json:"storeOptions,omitempty"`
	HistoryWindow   Duration       `yaml:"historyWindow" json:"historyWindow"`
	PersistInterval Duration       `yaml:"persistInterval" json:"persistInterval"`
	RecheckInterval Duration       `yaml:"recheckInterval" json:"recheckInterval"`

	Agent AgentConfig `yaml:"agent" json:"agent"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		MaxQueueSize:         1000,
		MaxHistorySize:       10000,
		MessageTimeout:       Duration(30 * time.Second),
		RetryAttempts:        3,
		RetryDelay:           Duration(time.Second),
		DeadLetterQueueSize:  100,
		ProcessingTimeout:    Duration(30 * time.Second),
		PriorityQueuing:      true,
		PersistencePath:      ".ai-messages",
		CommunicationMethod:  MethodWebSocket,
		Port:                 8765,
		Host:                 "localhost",
		HeartbeatInterval:    Duration(30 * time.Second),
		ConnectionTimeout:    Duration(60 * time.Second),
		MaxMessageSize:       1 << 20,
		Role:                 "server",
		MaxConnections:       100,
		HandshakeTimeout:     Duration(10 * time.Second),
		MaxReconnectAttempts: 5,
		ReconnectDelay:       Duration(time.Second),
		Store:                "memory",
		HistoryWindow:        Duration(24 * time.Hour),
		RecheckInterval:      Duration(time.Second),
		Agent:                AgentConfig{Type: AgentCustom, Name: "xmesh"},
	}
}

// Validate checks Config for consistency.
func (c Config) Validate() error {
	switch {
	case c.MaxQueueSize < 1:
		return fmt.Errorf("%w: maxQueueSize must be >= 1, got %d", ErrInvalidConfig, c.MaxQueueSize)
	case c.MaxHistorySize < 1:
		return fmt.Errorf("%w: maxHistorySize must be >= 1, got %d", ErrInvalidConfig, c.MaxHistorySize)
	case c.RetryAttempts < 0:
		return fmt.Errorf("%w: retryAttempts must be >= 0, got %d", ErrInvalidConfig, c.RetryAttempts)
	case c.RetryDelay < 0:
		return fmt.Errorf("%w: retryDelay must be >= 0", ErrInvalidConfig)
	case c.DeadLetterQueueSize < 1:
		return fmt.Errorf("%w: deadLetterQueueSize must be >= 1, got %d", ErrInvalidConfig, c.DeadLetterQueueSize)
	case c.ProcessingTimeout <= 0:
		return fmt.Errorf("%w: processingTimeout must be > 0", ErrInvalidConfig)
	case c.MaxMessageSize < 1:
		return fmt.Errorf("%w: maxMessageSize must be >= 1", ErrInvalidConfig)
	}
	switch c.CommunicationMethod {
	case MethodFile, MethodWebSocket, MethodIPC:
	case MethodAPI:
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, c.CommunicationMethod)
	default:
		return fmt.Errorf("%w: communicationMethod %q", ErrInvalidConfig, c.CommunicationMethod)
	}
	if c.CommunicationMethod == MethodWebSocket && (c.Port < 0 || c.Port > 65535) {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Role != "server" && c.Role != "client" {
		return fmt.Errorf("%w: role must be server or client, got %q", ErrInvalidConfig, c.Role)
	}
	if c.Agent.Type != "" && !c.Agent.Type.Valid() {
		return fmt.Errorf("%w: agent type %q", ErrInvalidConfig, c.Agent.Type)
	}
	return nil
}

// QueueConfig derives the delivery queue settings.
func (c Config) QueueConfig() QueueConfig {
	q := DefaultQueueConfig()
	q.MaxSize = c.MaxQueueSize
	q.MaxRetries = c.RetryAttempts
	q.RetryDelay = c.RetryDelay.D()
	q.DeadLetterQueueSize = c.DeadLetterQueueSize
	q.ProcessingTimeout = c.ProcessingTimeout.D()
	q.PriorityQueuing = c.PriorityQueuing
	if c.PersistInterval > 0 {
		q.PersistInterval = c.PersistInterval.D()
	}
	if c.RecheckInterval > 0 {
		q.RecheckInterval = c.RecheckInterval.D()
	}
	return q
}

// BridgeConfig derives the bridge settings.
func (c Config) BridgeConfig() BridgeConfig {
	b := DefaultBridgeConfig()
	b.MaxQueueSize = c.MaxQueueSize
	b.MaxHistorySize = c.MaxHistorySize
	b.MessageTimeout = c.MessageTimeout.D()
	b.EnableEncryption = c.EnableEncryption
	b.EnableCompression = c.EnableCompression
	if c.HistoryWindow > 0 {
		b.HistoryWindow = c.HistoryWindow.D()
	}
	return b
}

// TransportName maps the communication method to a registered transport.
func (c Config) TransportName() (string, error) {
	switch c.CommunicationMethod {
	case MethodWebSocket, MethodIPC, MethodFile:
		return string(c.CommunicationMethod), nil
	case MethodAPI:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMethod, c.CommunicationMethod)
	}
	return "", fmt.Errorf("%w: communicationMethod %q", ErrInvalidConfig, c.CommunicationMethod)
}

// TransportOptions is the config map handed to the transport factory.
func (c Config) TransportOptions() map[string]any {
	return map[string]any{
		"role":                 c.Role,
		"host":                 c.Host,
		"port":                 c.Port,
		"url":                  c.URL,
		"socketPath":           c.socketPath(),
		"dir":                  "inbox",
		"heartbeatInterval":    c.HeartbeatInterval.D(),
		"connectionTimeout":    c.ConnectionTimeout.D(),
		"handshakeTimeout":     c.HandshakeTimeout.D(),
		"maxMessageSize":       c.MaxMessageSize,
		"maxConnections":       c.MaxConnections,
		"maxReconnectAttempts": c.MaxReconnectAttempts,
		"reconnectDelay":       c.ReconnectDelay.D(),
	}
}

func (c Config) socketPath() string {
	dir := c.PersistencePath
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "xmesh.sock")
}

// StoreConfig is the config map handed to the store factory. The persistence
// path is passed as "path" unless the store options set one.
func (c Config) StoreConfig() map[string]any {
	m := make(map[string]any, len(c.StoreOptions)+1)
	for k, v := range c.StoreOptions {
		m[k] = v
	}
	if _, ok := m["path"]; !ok && c.PersistencePath != "" {
		m["path"] = c.PersistencePath
	}
	return m
}

// ConfigFromMap converts a generic map (option names as keys) to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	c.MaxQueueSize = cfgmap.Int(m, "maxQueueSize", c.MaxQueueSize)
	c.MaxHistorySize = cfgmap.Int(m, "maxHistorySize", c.MaxHistorySize)
	c.MessageTimeout = Duration(cfgmap.Dur(m, "messageTimeout", c.MessageTimeout.D()))
	c.RetryAttempts = cfgmap.Int(m, "retryAttempts", c.RetryAttempts)
	c.RetryDelay = Duration(cfgmap.Dur(m, "retryDelay", c.RetryDelay.D()))
	c.DeadLetterQueueSize = cfgmap.Int(m, "deadLetterQueueSize", c.DeadLetterQueueSize)
	c.ProcessingTimeout = Duration(cfgmap.Dur(m, "processingTimeout", c.ProcessingTimeout.D()))
	c.PriorityQueuing = cfgmap.Bool(m, "priorityQueuing", c.PriorityQueuing)
	c.PersistencePath = cfgmap.String(m, "persistencePath", c.PersistencePath)
	c.CommunicationMethod = CommunicationMethod(cfgmap.String(m, "communicationMethod", string(c.CommunicationMethod)))
	c.Port = cfgmap.Int(m, "port", c.Port)
	c.Host = cfgmap.String(m, "host", c.Host)
	c.HeartbeatInterval = Duration(cfgmap.Dur(m, "heartbeatInterval", c.HeartbeatInterval.D()))
	c.ConnectionTimeout = Duration(cfgmap.Dur(m, "connectionTimeout", c.ConnectionTimeout.D()))
	c.MaxMessageSize = cfgmap.Int64(m, "maxMessageSize", c.MaxMessageSize)
	c.EnableEncryption = cfgmap.Bool(m, "enableEncryption", c.EnableEncryption)
	c.EnableCompression = cfgmap.Bool(m, "enableCompression", c.EnableCompression)
	c.Role = cfgmap.String(m, "role", c.Role)
	c.URL = cfgmap.String(m, "url", c.URL)
	c.MaxConnections = cfgmap.Int(m, "maxConnections", c.MaxConnections)
	c.HandshakeTimeout = Duration(cfgmap.Dur(m, "handshakeTimeout", c.HandshakeTimeout.D()))
	c.MaxReconnectAttempts = cfgmap.Int(m, "maxReconnectAttempts", c.MaxReconnectAttempts)
	c.ReconnectDelay = Duration(cfgmap.Dur(m, "reconnectDelay", c.ReconnectDelay.D()))
	c.Store = cfgmap.String(m, "store", c.Store)
	if so := cfgmap.Map(m, "storeOptions"); so != nil {
		c.StoreOptions = so
	}
	c.HistoryWindow = Duration(cfgmap.Dur(m, "historyWindow", c.HistoryWindow.D()))
	c.PersistInterval = Duration(cfgmap.Dur(m, "persistInterval", c.PersistInterval.D()))
	c.RecheckInterval = Duration(cfgmap.Dur(m, "recheckInterval", c.RecheckInterval.D()))
	return c
}

// ParseConfig decodes YAML (a superset of JSON) over Defaults().
func ParseConfig(data []byte) (Config, error) {
	c := Defaults()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c, nil
}
