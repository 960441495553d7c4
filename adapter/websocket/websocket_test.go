package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmesh"
)

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testAgent(id string) xmesh.Agent {
	return xmesh.Agent{ID: id, Type: xmesh.AgentClaude, Name: id, Version: "1.0.0"}
}

func testMessage(from xmesh.Agent, to xmesh.Target) *xmesh.Message {
	return xmesh.NewMessage(from, to, xmesh.KnowledgeQuery, &xmesh.KnowledgeQueryPayload{Question: "q"})
}

// sink records what a transport hands to the node.
type sink struct {
	mu    sync.Mutex
	msgs  []*xmesh.Message
	peers []string
	gone  []string
}

func (s *sink) Receive(_ context.Context, m *xmesh.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
}

func (s *sink) PeerConnected(a xmesh.Agent) {
	s.mu.Lock()
	s.peers = append(s.peers, a.ID)
	s.mu.Unlock()
}

func (s *sink) PeerDisconnected(id string) {
	s.mu.Lock()
	s.gone = append(s.gone, id)
	s.mu.Unlock()
}

func (s *sink) received() []*xmesh.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*xmesh.Message(nil), s.msgs...)
}

func (s *sink) snapshot() (peers, gone []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.peers...), append([]string(nil), s.gone...)
}

type eventLog struct {
	mu     sync.Mutex
	events []xmesh.Event
}

func (l *eventLog) OnEvent(e xmesh.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(t xmesh.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := Defaults()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.HeartbeatInterval = 0
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = time.Second
	cfg.ReconnectDelay = 10 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, cfg Config, opts ...ServerOption) (*Server, *sink) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s, err := NewServer(cfg, append([]ServerOption{WithListener(ln), WithAgent(testAgent("hub"))}, opts...)...)
	require.NoError(t, err)
	in := &sink{}
	require.NoError(t, s.Start(ctxT(t), in))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, in
}

func wsURL(s *Server) string { return "ws://" + s.Addr().String() + "/" }

// dialRaw connects without the Client and sends a handshake for agent when set.
func dialRaw(t *testing.T, s *Server, agent *xmesh.Agent) *gorilla.Conn {
	t.Helper()
	ws, _, err := gorilla.DefaultDialer.Dial(wsURL(s), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	if agent != nil {
		hs, err := encodeHandshake(xmesh.JSONCodec{}, *agent)
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(gorilla.TextMessage, hs))
	}
	return ws
}

// readMessage returns the next message frame, skipping handshakes.
func readMessage(t *testing.T, ws *gorilla.Conn, within time.Duration) (*xmesh.Message, error) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(within))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if classify(data) == frameMessage {
			return xmesh.DecodeMessage(xmesh.JSONCodec{}, data)
		}
	}
}

func expectClose(t *testing.T, ws *gorilla.Conn, code int) *gorilla.CloseError {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *gorilla.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		assert.Equal(t, code, ce.Code)
		return ce
	}
}

func waitStats(t *testing.T, s *Server, cond func(ServerStats) bool) ServerStats {
	t.Helper()
	var st ServerStats
	require.Eventually(t, func() bool {
		var err error
		st, err = s.Stats(ctxT(t))
		return err == nil && cond(st)
	}, 3*time.Second, 5*time.Millisecond)
	return st
}

func TestClassify(t *testing.T) {
	a := testAgent("a")
	hs, err := encodeHandshake(xmesh.JSONCodec{}, a)
	require.NoError(t, err)
	msg, err := xmesh.JSONCodec{}.Marshal(xmesh.NewMessage(a, xmesh.Broadcast(), xmesh.Handshake, &xmesh.HandshakePayload{}))
	require.NoError(t, err)

	assert.Equal(t, frameHandshake, classify(hs))
	assert.Equal(t, frameMessage, classify(msg), "HANDSHAKE message type is still a message")
	assert.Equal(t, frameInvalid, classify([]byte(`{"type":"HANDSHAKE"}`)))
	assert.Equal(t, frameInvalid, classify([]byte(`not json`)))

	got, err := decodeHandshake(xmesh.JSONCodec{}, hs)
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
	_, err = decodeHandshake(xmesh.JSONCodec{}, []byte(`{"type":"HANDSHAKE","agent":{"id":"x","type":"robot"}}`))
	assert.ErrorIs(t, err, xmesh.ErrInvalidMessage)
}

func TestServer_FirstFrameMustBeHandshake(t *testing.T) {
	s, in := startServer(t, testConfig())
	ws := dialRaw(t, s, nil)

	data, err := xmesh.JSONCodec{}.Marshal(testMessage(testAgent("a"), xmesh.Broadcast()))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(gorilla.TextMessage, data))

	expectClose(t, ws, gorilla.CloseProtocolError)
	st := waitStats(t, s, func(st ServerStats) bool { return st.HandshakesRejected == 1 })
	assert.Zero(t, st.ActiveConnections)
	assert.Zero(t, st.TotalConnections)
	assert.Empty(t, in.received())
}

func TestServer_HandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	s, _ := startServer(t, cfg)
	ws := dialRaw(t, s, nil)

	expectClose(t, ws, gorilla.CloseProtocolError)
	waitStats(t, s, func(st ServerStats) bool { return st.HandshakesRejected == 1 })
}

func TestServer_MaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	obs := &eventLog{}
	s, _ := startServer(t, cfg, WithObserver(obs))

	a := testAgent("a")
	dialRaw(t, s, &a)
	waitStats(t, s, func(st ServerStats) bool { return st.ActiveConnections == 1 })

	b := testAgent("b")
	wsB := dialRaw(t, s, &b)
	expectClose(t, wsB, gorilla.CloseTryAgainLater)

	st := waitStats(t, s, func(st ServerStats) bool { return st.HandshakesRejected == 1 })
	assert.Equal(t, 1, st.ActiveConnections)
	assert.EqualValues(t, 1, st.TotalConnections)
	assert.Equal(t, 1, obs.count(xmesh.HandshakeRejected))
}

func TestServer_InboundFrames(t *testing.T) {
	obs := &eventLog{}
	s, in := startServer(t, testConfig(), WithObserver(obs))
	a := testAgent("a")
	ws := dialRaw(t, s, &a)

	// the server announces itself first
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	hub, err := decodeHandshake(xmesh.JSONCodec{}, data)
	require.NoError(t, err)
	assert.Equal(t, "hub", hub.ID)

	msg := testMessage(a, xmesh.Broadcast())
	raw, err := xmesh.JSONCodec{}.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(gorilla.TextMessage, raw))
	require.NoError(t, ws.WriteMessage(gorilla.TextMessage, []byte(`{"junk":true}`)))

	require.Eventually(t, func() bool { return len(in.received()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, msg.ID, in.received()[0].ID)

	st := waitStats(t, s, func(st ServerStats) bool { return st.DecodeErrors == 1 })
	assert.EqualValues(t, 1, st.MessagesReceived)

	conns, err := s.Connections(ctxT(t))
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "a", conns[0].Agent.ID)
	assert.Equal(t, 1, conns[0].MessageCount)

	peers, _ := in.snapshot()
	assert.Equal(t, []string{"a"}, peers)
	assert.Equal(t, 1, obs.count(xmesh.Connected))
}

func TestServer_SendRouting(t *testing.T) {
	s, _ := startServer(t, testConfig())
	a, b := testAgent("a"), testAgent("b")
	wsA := dialRaw(t, s, &a)
	wsB := dialRaw(t, s, &b)
	waitStats(t, s, func(st ServerStats) bool { return st.ActiveConnections == 2 })
	hub := testAgent("hub")

	direct := testMessage(hub, xmesh.To(a))
	require.NoError(t, s.Send(ctxT(t), direct))
	got, err := readMessage(t, wsA, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, direct.ID, got.ID)

	err = s.Send(ctxT(t), testMessage(hub, xmesh.To(testAgent("nobody"))))
	assert.ErrorIs(t, err, xmesh.ErrNoRoute)

	conns, err := s.Connections(ctxT(t))
	require.NoError(t, err)
	var connA string
	for _, c := range conns {
		if c.Agent.ID == "a" {
			connA = c.ID
		}
	}
	bc := testMessage(hub, xmesh.Broadcast())
	n, err := s.Broadcast(ctxT(t), bc, connA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = readMessage(t, wsB, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, bc.ID, got.ID)
	_, err = readMessage(t, wsA, 100*time.Millisecond)
	assert.Error(t, err, "excluded connection gets nothing")

	assert.NoError(t, s.SendTo(ctxT(t), "no-such-conn", bc))
}

func TestServer_IdleConnectionClosed(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionTimeout = 50 * time.Millisecond
	s, in := startServer(t, cfg)
	a := testAgent("a")
	ws := dialRaw(t, s, &a)
	waitStats(t, s, func(st ServerStats) bool { return st.ActiveConnections == 1 })

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctxT(t)))

	ce := expectClose(t, ws, gorilla.CloseNormalClosure)
	assert.Equal(t, "connection timeout", ce.Text)
	waitStats(t, s, func(st ServerStats) bool { return st.ActiveConnections == 0 })
	require.Eventually(t, func() bool {
		_, gone := in.snapshot()
		return len(gone) == 1
	}, 3*time.Second, 5*time.Millisecond)
}

func TestServer_PongKeepsConnectionAlive(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionTimeout = 150 * time.Millisecond
	cfg.HeartbeatInterval = 30 * time.Millisecond
	s, _ := startServer(t, cfg)
	a := testAgent("a")
	ws := dialRaw(t, s, &a)

	// reading answers pings with pongs
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	time.Sleep(400 * time.Millisecond)
	st, err := s.Stats(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveConnections)
}

func TestServer_StopClosesConnections(t *testing.T) {
	s, _ := startServer(t, testConfig())
	a := testAgent("a")
	ws := dialRaw(t, s, &a)
	waitStats(t, s, func(st ServerStats) bool { return st.ActiveConnections == 1 })

	require.NoError(t, s.Stop(ctxT(t)))
	expectClose(t, ws, gorilla.CloseNormalClosure)
	assert.Equal(t, StateStopped, s.State())
	assert.ErrorIs(t, s.Send(ctxT(t), testMessage(a, xmesh.Broadcast())), ErrNotRunning)
	require.NoError(t, s.Stop(ctxT(t)))
}

func TestServer_Relay(t *testing.T) {
	cfg := testConfig()
	cfg.Relay = true
	s, in := startServer(t, cfg)
	a, b := testAgent("a"), testAgent("b")
	wsA := dialRaw(t, s, &a)
	wsB := dialRaw(t, s, &b)
	waitStats(t, s, func(st ServerStats) bool { return st.ActiveConnections == 2 })

	msg := testMessage(a, xmesh.Broadcast())
	raw, err := xmesh.JSONCodec{}.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, wsA.WriteMessage(gorilla.TextMessage, raw))

	got, err := readMessage(t, wsB, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	require.Eventually(t, func() bool { return len(in.received()) == 1 }, 3*time.Second, 5*time.Millisecond)
}

func TestServer_ExtraHandlers(t *testing.T) {
	s, _ := startServer(t, testConfig(), WithHandler("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestIPC_RoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Network = "unix"
	cfg.SocketPath = filepath.Join(t.TempDir(), "x.sock")

	s, err := NewServer(cfg, WithAgent(testAgent("hub")))
	require.NoError(t, err)
	in := &sink{}
	require.NoError(t, s.Start(ctxT(t), in))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	c, err := NewClient(cfg, testAgent("c1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	require.NoError(t, c.Start(ctxT(t), &sink{}))

	msg := testMessage(testAgent("c1"), xmesh.Broadcast())
	require.NoError(t, c.Send(ctxT(t), msg))
	require.Eventually(t, func() bool { return len(in.received()) == 1 }, 3*time.Second, 5*time.Millisecond)
}

func TestConfig(t *testing.T) {
	c := ConfigFromMap(map[string]any{
		"role":              "client",
		"url":               "ws://example:1/",
		"heartbeatInterval": "5s",
		"maxConnections":    3,
		"relay":             true,
	})
	assert.Equal(t, RoleClient, c.Role)
	assert.Equal(t, "ws://example:1/", c.dialURL())
	assert.Equal(t, 5*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 3, c.MaxConnections)
	assert.True(t, c.Relay)
	require.NoError(t, c.Validate())

	c.Role = "peer"
	assert.Error(t, c.Validate())
	c = Defaults()
	c.Network = "unix"
	assert.Error(t, c.Validate(), "unix needs a socket path")
	assert.Equal(t, "ws://localhost:8765/", Defaults().dialURL())
}

func TestFactoryRegistered(t *testing.T) {
	agent := testAgent("me")
	tr, err := xmesh.NewTransport(TransportName, map[string]any{
		"role":  "client",
		"url":   "ws://127.0.0.1:1/",
		"agent": agent,
	})
	require.NoError(t, err)
	assert.IsType(t, &Client{}, tr)

	tr, err = xmesh.NewTransport(IPCName, map[string]any{
		"socketPath": filepath.Join(t.TempDir(), "s.sock"),
		"agent":      agent,
	})
	require.NoError(t, err)
	srv, ok := tr.(*Server)
	require.True(t, ok)
	assert.Equal(t, "unix", srv.cfg.Network)
}
