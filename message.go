package xmesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Capability advertises something an agent can do.
type Capability struct {
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Agent is a named participant that sends and receives messages.
type Agent struct {
	ID           string         `json:"id"`
	Type         AgentType      `json:"type"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Capabilities []Capability   `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewAgent returns an agent with a fresh id and the default capability set.
func NewAgent(t AgentType, name string) Agent {
	return Agent{
		ID:      fmt.Sprintf("%s-%s", t, uuid.New().String()),
		Type:    t,
		Name:    name,
		Version: "1.0.0",
		Capabilities: []Capability{
			{Name: "code_review", Version: "1.0"},
			{Name: "refactoring", Version: "1.0"},
			{Name: "architecture", Version: "1.0"},
			{Name: "task_coordination", Version: "1.0"},
		},
	}
}

// Validate checks the fields every agent must carry.
func (a Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: agent id required", ErrInvalidMessage)
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown agent type %q", ErrInvalidMessage, a.Type)
	}
	return nil
}

func (a Agent) clone() Agent {
	out := a
	if a.Capabilities != nil {
		out.Capabilities = make([]Capability, len(a.Capabilities))
		copy(out.Capabilities, a.Capabilities)
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (a Agent) MarshalJSON() ([]byte, error) {
	type plain Agent
	p := plain(a)
	if p.Capabilities == nil {
		p.Capabilities = []Capability{}
	}
	return json.Marshal(p)
}

// Target addresses a message. A nil Agent means broadcast.
type Target struct {
	Agent *Agent
}

const broadcastTarget = "broadcast"

// Broadcast addresses every connected agent.
func Broadcast() Target { return Target{} }

// To addresses a single agent.
func To(a Agent) Target { return Target{Agent: &a} }

func (t Target) IsBroadcast() bool { return t.Agent == nil }

// AgentID returns the addressed agent id, or "" for broadcast.
func (t Target) AgentID() string {
	if t.Agent == nil {
		return ""
	}
	return t.Agent.ID
}

func (t Target) MarshalJSON() ([]byte, error) {
	if t.Agent == nil {
		return json.Marshal(broadcastTarget)
	}
	return json.Marshal(t.Agent)
}

func (t *Target) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s != broadcastTarget {
			return fmt.Errorf("%w: target must be an agent or %q, got %q", ErrInvalidMessage, broadcastTarget, s)
		}
		t.Agent = nil
		return nil
	}
	var a Agent
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	t.Agent = &a
	return nil
}

// Metadata carries routing and delivery hints.
type Metadata struct {
	Priority      Priority
	Channel       Channel
	CorrelationID string
	ReplyTo       string
	ExpiresAt     time.Time
	RetryCount    int
	Encrypted     bool
	Compressed    bool
}

type wireMetadata struct {
	Priority      Priority `json:"priority"`
	Channel       Channel  `json:"channel"`
	CorrelationID string   `json:"correlationId,omitempty"`
	ReplyTo       string   `json:"replyTo,omitempty"`
	ExpiresAt     *Millis  `json:"expiresAt,omitempty"`
	RetryCount    *int     `json:"retryCount,omitempty"`
	Encrypted     *bool    `json:"encrypted,omitempty"`
	Compressed    *bool    `json:"compressed,omitempty"`
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	w := wireMetadata{
		Priority:      m.Priority,
		Channel:       m.Channel,
		CorrelationID: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
	}
	if !m.ExpiresAt.IsZero() {
		ms := Millis(m.ExpiresAt)
		w.ExpiresAt = &ms
	}
	if m.RetryCount > 0 {
		w.RetryCount = &m.RetryCount
	}
	if m.Encrypted {
		w.Encrypted = &m.Encrypted
	}
	if m.Compressed {
		w.Compressed = &m.Compressed
	}
	return json.Marshal(w)
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	var w wireMetadata
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Metadata{
		Priority:      w.Priority,
		Channel:       w.Channel,
		CorrelationID: w.CorrelationID,
		ReplyTo:       w.ReplyTo,
	}
	if w.ExpiresAt != nil {
		m.ExpiresAt = w.ExpiresAt.Time()
	}
	if w.RetryCount != nil {
		m.RetryCount = *w.RetryCount
	}
	if w.Encrypted != nil {
		m.Encrypted = *w.Encrypted
	}
	if w.Compressed != nil {
		m.Compressed = *w.Compressed
	}
	return nil
}

// Message is the envelope exchanged between agents. Treat it as immutable once
// created; use Clone before changing anything.
type Message struct {
	ID        string
	Timestamp time.Time
	Source    Agent
	Target    Target
	Type      MessageType
	Payload   Payload
	Metadata  Metadata
	Signature string
}

// MessageOption customizes NewMessage.
type MessageOption func(*Message)

func WithPriority(p Priority) MessageOption {
	return func(m *Message) { m.Metadata.Priority = p }
}

func WithChannel(c Channel) MessageOption {
	return func(m *Message) { m.Metadata.Channel = c }
}

func WithCorrelationID(id string) MessageOption {
	return func(m *Message) { m.Metadata.CorrelationID = id }
}

// WithReplyTo marks the message as an answer to another message id.
func WithReplyTo(id string) MessageOption {
	return func(m *Message) { m.Metadata.ReplyTo = id }
}

func WithExpiry(at time.Time) MessageOption {
	return func(m *Message) { m.Metadata.ExpiresAt = stamp(at) }
}

// At overrides the creation timestamp.
func At(t time.Time) MessageOption {
	return func(m *Message) { m.Timestamp = stamp(t) }
}

// NewMessage builds a message with a fresh id, NORMAL priority and the channel
// implied by its type.
func NewMessage(source Agent, target Target, typ MessageType, payload Payload, opts ...MessageOption) *Message {
	m := &Message{
		ID:        uuid.New().String(),
		Timestamp: stamp(time.Now()),
		Source:    source,
		Target:    target,
		Type:      typ,
		Payload:   payload,
		Metadata: Metadata{
			Priority: PriorityNormal,
			Channel:  ChannelForType(typ),
		},
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// Validate checks a message at the system boundary.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidMessage)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp required", ErrInvalidMessage)
	}
	if err := m.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if m.Target.Agent != nil && m.Target.Agent.ID == "" {
		return fmt.Errorf("%w: target agent id required", ErrInvalidMessage)
	}
	if !m.Metadata.Priority.Valid() {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidMessage, m.Metadata.Priority)
	}
	if !m.Metadata.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidMessage, m.Metadata.Channel)
	}
	return checkPayload(m.Type, m.Payload)
}

// Expired reports whether the message carries an expiry that lies before now.
func (m *Message) Expired(now time.Time) bool {
	return !m.Metadata.ExpiresAt.IsZero() && m.Metadata.ExpiresAt.Before(now)
}

// Clone returns a copy that can be changed without affecting m. The payload
// is shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Source = m.Source.clone()
	if m.Target.Agent != nil {
		a := m.Target.Agent.clone()
		out.Target.Agent = &a
	}
	return &out
}

type wireMessage struct {
	ID        string          `json:"id"`
	Timestamp Millis          `json:"timestamp"`
	Source    Agent           `json:"source"`
	Target    Target          `json:"target"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
	Signature string          `json:"signature,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if m.Payload != nil {
		b, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", m.Type, err)
		}
		raw = b
	} else {
		raw = json.RawMessage("null")
	}
	return json.Marshal(wireMessage{
		ID:        m.ID,
		Timestamp: Millis(m.Timestamp),
		Source:    m.Source,
		Target:    m.Target,
		Type:      m.Type,
		Payload:   raw,
		Metadata:  m.Metadata,
		Signature: m.Signature,
	})
}

// UnmarshalJSON decodes the envelope and its payload variant. Unknown message
// types are rejected.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*m = Message{
		ID:        w.ID,
		Timestamp: w.Timestamp.Time(),
		Source:    w.Source,
		Target:    w.Target,
		Type:      w.Type,
		Payload:   p,
		Metadata:  w.Metadata,
		Signature: w.Signature,
	}
	return nil
}
