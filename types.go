package xmesh

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType is the closed set of message kinds. Each kind owns one payload variant.
type MessageType string

const (
	CodeReviewRequest       MessageType = "CODE_REVIEW_REQUEST"
	CodeReviewResponse      MessageType = "CODE_REVIEW_RESPONSE"
	RefactorSuggestion      MessageType = "REFACTOR_SUGGESTION"
	RefactorAccepted        MessageType = "REFACTOR_ACCEPTED"
	RefactorRejected        MessageType = "REFACTOR_REJECTED"
	ArchitectureProposal    MessageType = "ARCHITECTURE_PROPOSAL"
	ArchitectureFeedback    MessageType = "ARCHITECTURE_FEEDBACK"
	TaskAssignment          MessageType = "TASK_ASSIGNMENT"
	TaskStatusUpdate        MessageType = "TASK_STATUS_UPDATE"
	TaskCompleted           MessageType = "TASK_COMPLETED"
	PairProgrammingRequest  MessageType = "PAIR_PROGRAMMING_REQUEST"
	PairProgrammingResponse MessageType = "PAIR_PROGRAMMING_RESPONSE"
	KnowledgeQuery          MessageType = "KNOWLEDGE_QUERY"
	KnowledgeResponse       MessageType = "KNOWLEDGE_RESPONSE"
	Handshake               MessageType = "HANDSHAKE"
	Heartbeat               MessageType = "HEARTBEAT"
	Acknowledgment          MessageType = "ACKNOWLEDGMENT"
	ErrorMessage            MessageType = "ERROR"
	Custom                  MessageType = "CUSTOM"
)

// Priority orders delivery. Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four known levels.
func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityCritical }

// ParsePriority accepts either the level name or its numeric value.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "0":
		return PriorityLow, nil
	case "normal", "1", "":
		return PriorityNormal, nil
	case "high", "2":
		return PriorityHigh, nil
	case "critical", "3":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Channel scopes subscriptions and routing.
type Channel string

const (
	ChannelCodeReview       Channel = "code_review"
	ChannelRefactoring      Channel = "refactoring"
	ChannelArchitecture     Channel = "architecture"
	ChannelTaskCoordination Channel = "task_coordination"
	ChannelKnowledgeSharing Channel = "knowledge_sharing"
	ChannelSystem           Channel = "system"
	ChannelGeneral          Channel = "general"
)

var knownChannels = map[Channel]struct{}{
	ChannelCodeReview:       {},
	ChannelRefactoring:      {},
	ChannelArchitecture:     {},
	ChannelTaskCoordination: {},
	ChannelKnowledgeSharing: {},
	ChannelSystem:           {},
	ChannelGeneral:          {},
}

func (c Channel) Valid() bool {
	_, ok := knownChannels[c]
	return ok
}

// Channels lists every known channel in a stable order.
func Channels() []Channel {
	return []Channel{
		ChannelCodeReview, ChannelRefactoring, ChannelArchitecture, ChannelTaskCoordination,
		ChannelKnowledgeSharing, ChannelSystem, ChannelGeneral,
	}
}

// ChannelForType returns the channel a message type is published on by default.
func ChannelForType(t MessageType) Channel {
	switch t {
	case CodeReviewRequest, CodeReviewResponse:
		return ChannelCodeReview
	case RefactorSuggestion, RefactorAccepted, RefactorRejected:
		return ChannelRefactoring
	case ArchitectureProposal, ArchitectureFeedback:
		return ChannelArchitecture
	case TaskAssignment, TaskStatusUpdate, TaskCompleted, PairProgrammingRequest, PairProgrammingResponse:
		return ChannelTaskCoordination
	case KnowledgeQuery, KnowledgeResponse:
		return ChannelKnowledgeSharing
	case Handshake, Heartbeat, Acknowledgment, ErrorMessage:
		return ChannelSystem
	}
	return ChannelGeneral
}

// AgentType is the closed set of participant kinds.
type AgentType string

const (
	AgentClaude        AgentType = "claude"
	AgentCursor        AgentType = "cursor"
	AgentCopilot       AgentType = "copilot"
	AgentCodeWhisperer AgentType = "codewhisperer"
	AgentCustom        AgentType = "custom"
)

func (t AgentType) Valid() bool {
	switch t {
	case AgentClaude, AgentCursor, AgentCopilot, AgentCodeWhisperer, AgentCustom:
		return true
	}
	return false
}

// CommunicationMethod selects how a node talks to its peers.
type CommunicationMethod string

const (
	MethodFile      CommunicationMethod = "file"
	MethodWebSocket CommunicationMethod = "websocket"
	MethodIPC       CommunicationMethod = "ipc"
	MethodAPI       CommunicationMethod = "api"
)

// EntryStatus tracks a QueueEntry through the delivery state machine.
type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusProcessing EntryStatus = "processing"
	StatusFailed     EntryStatus = "failed"
	StatusDelivered  EntryStatus = "delivered"
	StatusDead       EntryStatus = "dead"
)

// Millis is a time.Time that travels as epoch milliseconds.
type Millis time.Time

func (m Millis) Time() time.Time { return time.Time(m) }

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(m).UnixMilli())
}

func (m *Millis) UnmarshalJSON(b []byte) error {
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("timestamp must be epoch milliseconds: %w", err)
	}
	*m = Millis(time.UnixMilli(ms).UTC())
	return nil
}

// stamp truncates t to the wire resolution so values survive a round trip unchanged.
func stamp(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

// QueueStats are counters kept by a Queue.
//
// Dropped counts entries lost to capacity: pending-queue overflow and dead-letter
// overflow. Failed and DeadLettered count entries whose retries ran out. An entry
// that is dead-lettered and later evicted from the dead-letter list is counted in both.
type QueueStats struct {
	Enqueued     uint64
	Delivered    uint64
	Failed       uint64
	DeadLettered uint64
	Retried      uint64
	Dropped      uint64
	TimedOut     uint64
	Pending      int
	InFlight     int
	DeadLetters  int
}

// BridgeStats are counters kept by a Bridge.
type BridgeStats struct {
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesDropped   uint64
	MessagesExpired   uint64
	HandlerErrors     uint64
	PersistFailures   uint64
	ActiveConnections int
	Subscriptions     int
	HistorySize       int
	AverageLatency    time.Duration
	LastActivity      time.Time
}

// HealthStatus indicates node health for probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Bridge    BridgeStats
	Queue     QueueStats
	Timestamp time.Time
	Message   string
}
