package xmesh

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

type ErrUnknownStore struct{ name string }

func (e ErrUnknownStore) Error() string { return fmt.Sprintf("unknown store: %s", e.name) }

var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrNotFound           = errors.New("not found")
	ErrQueueClosed        = errors.New("queue closed")
	ErrBridgeClosed       = errors.New("bridge closed")
	ErrNodeClosed         = errors.New("node closed")
	ErrNodeStarted        = errors.New("node already started")
	ErrNotConnected       = errors.New("not connected")
	ErrNoRoute            = errors.New("no connection for target")
	ErrUnsupportedMethod  = errors.New("unsupported communication method")
	ErrProcessingTimeout  = errors.New("processing timeout")
	ErrInvalidConfig      = errors.New("invalid config")

	ErrObserverPoolShutdownTimeout = errors.New("observer pool shutdown timeout")
)
