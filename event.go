package xmesh

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	// queue
	Enqueued      EventType = "enqueued"
	Delivered     EventType = "delivered"
	Retried       EventType = "retried"
	DeadLettered  EventType = "dead_lettered"
	Dropped       EventType = "dropped"
	TimedOut      EventType = "timed_out"
	Persisted     EventType = "persisted"
	PersistFailed EventType = "persist_failed"
	RestoreFailed EventType = "restore_failed"

	// bridge
	Sent          EventType = "sent"
	Received      EventType = "received"
	Expired       EventType = "expired"
	HandlerFailed EventType = "handler_failed"
	AgentJoined   EventType = "agent_joined"
	AgentLeft     EventType = "agent_left"

	// transport
	Connected         EventType = "connected"
	Disconnected      EventType = "disconnected"
	HandshakeRejected EventType = "handshake_rejected"
	Reconnecting      EventType = "reconnecting"
	ReconnectGaveUp   EventType = "reconnect_gave_up"

	Error EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type        EventType
	Component   string // "queue", "bridge", "server", "client", ...
	MessageID   string
	MessageType MessageType
	Channel     Channel
	Priority    Priority
	AgentID     string
	Attempts    int
	Duration    time.Duration
	Err         error

	// Internal: attached for async dispatch
	observers []Observer
}

// isFailure reports whether the event describes something going wrong.
func (e Event) isFailure() bool {
	switch e.Type {
	case Error, PersistFailed, RestoreFailed, HandlerFailed, HandshakeRejected, ReconnectGaveUp, DeadLettered, TimedOut:
		return true
	}
	return false
}
