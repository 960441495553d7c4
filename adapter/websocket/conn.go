package websocket

import (
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/trickstertwo/xmesh"
)

// ConnInfo describes a registered peer connection.
type ConnInfo struct {
	ID           string
	Agent        xmesh.Agent
	ConnectedAt  time.Time
	LastActivity time.Time
	MessageCount int
}

type closeFrame struct {
	code   int // 0 closes without a close frame
	reason string
}

// conn is one registered peer. The writer goroutine owns every write; the
// server loop owns lastActivity and messageCount.
type conn struct {
	id          string
	agent       xmesh.Agent
	ws          *gorilla.Conn
	connectedAt time.Time

	lastActivity time.Time
	messageCount int

	out       chan []byte
	pings     chan struct{}
	closing   chan closeFrame
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, agent xmesh.Agent, ws *gorilla.Conn, now time.Time, buffer int) *conn {
	return &conn{
		id:           id,
		agent:        agent,
		ws:           ws,
		connectedAt:  now,
		lastActivity: now,
		out:          make(chan []byte, buffer),
		pings:        make(chan struct{}, 1),
		closing:      make(chan closeFrame, 1),
		done:         make(chan struct{}),
	}
}

func (c *conn) info() ConnInfo {
	return ConnInfo{
		ID:           c.id,
		Agent:        c.agent,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		MessageCount: c.messageCount,
	}
}

// push queues a text frame without blocking.
func (c *conn) push(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *conn) ping() {
	select {
	case c.pings <- struct{}{}:
	default:
	}
}

// close sends a close frame and ends the writer. Only the first call counts.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() { c.closing <- closeFrame{code: code, reason: reason} })
}

func (c *conn) writeLoop(timeout time.Duration) {
	defer close(c.done)
	defer c.ws.Close()
	for {
		select {
		case cf := <-c.closing:
			if cf.code != 0 {
				_ = c.ws.WriteControl(gorilla.CloseMessage,
					gorilla.FormatCloseMessage(cf.code, cf.reason), time.Now().Add(timeout))
			}
			return
		case <-c.pings:
			if err := c.ws.WriteControl(gorilla.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				return
			}
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(gorilla.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// rejectConn closes a connection that never registered.
func rejectConn(ws *gorilla.Conn, code int, reason string, timeout time.Duration) {
	_ = ws.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(code, reason), time.Now().Add(timeout))
	_ = ws.Close()
}
