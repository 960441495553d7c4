package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmesh"
	"github.com/trickstertwo/xmesh/internal/mailbox"
)

// ServerState is the lifecycle of a Server.
type ServerState string

const (
	StateStopped  ServerState = "stopped"
	StateStarting ServerState = "starting"
	StateRunning  ServerState = "running"
	StateStopping ServerState = "stopping"
)

var (
	ErrNotRunning     = errors.New("websocket: server not running")
	ErrAlreadyStarted = errors.New("websocket: already started")
	ErrSendBufferFull = errors.New("websocket: send buffer full")
)

// ServerStats are counters kept by the server loop.
type ServerStats struct {
	State              ServerState
	StartedAt          time.Time
	TotalConnections   uint64
	ActiveConnections  int
	MessagesReceived   uint64
	MessagesSent       uint64
	HandshakesRejected uint64
	DecodeErrors       uint64
	DroppedFrames      uint64
}

type (
	registerEvent struct {
		c     *conn
		reply chan bool
	}
	unregisterEvent struct {
		c *conn
		// reply is true when no other connection serves the agent
		reply chan bool
	}
	activityEvent struct{ c *conn }
	frameEvent    struct {
		c   *conn
		raw []byte
		msg *xmesh.Message
	}
	decodeErrEvent struct{ c *conn }
	rejectedEvent  struct{}
	queryEvent     struct{ fn func() }
)

// Server accepts peer connections. Connection state lives in one goroutine;
// each connection has its own reader (the HTTP handler) and writer.
type Server struct {
	cfg      Config
	agent    xmesh.Agent
	codec    xmesh.Codec
	obs      xmesh.Observer
	extra    map[string]http.Handler
	upgrader gorilla.Upgrader
	ln       net.Listener

	mu       sync.Mutex
	state    ServerState
	logger   *xlog.Logger
	clock    xmesh.Clock
	in       xmesh.Inbound
	ctx      context.Context
	cancel   context.CancelFunc
	http     *http.Server
	mail     *mailbox.Mailbox[any]
	loopDone chan struct{}
	addr     net.Addr

	// loop-owned
	conns   map[string]*conn
	byAgent map[string]*conn
	stats   ServerStats
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithListener serves on ln instead of listening on the configured address.
func WithListener(ln net.Listener) ServerOption { return func(s *Server) { s.ln = ln } }

// WithHandler mounts h at pattern next to the upgrade endpoint.
func WithHandler(pattern string, h http.Handler) ServerOption {
	return func(s *Server) { s.extra[pattern] = h }
}

// WithAgent sets the agent announced to peers after their handshake.
func WithAgent(a xmesh.Agent) ServerOption { return func(s *Server) { s.agent = a } }

func WithCodec(c xmesh.Codec) ServerOption { return func(s *Server) { s.codec = c } }

func WithObserver(o xmesh.Observer) ServerOption { return func(s *Server) { s.obs = o } }

// NewServer validates cfg. Nothing listens until Start.
func NewServer(cfg Config, opts ...ServerOption) (*Server, error) {
	cfg.Role = RoleServer
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg,
		codec:  xmesh.JSONCodec{},
		extra:  map[string]http.Handler{},
		state:  StateStopped,
		logger: xlog.Default(),
		clock:  xclock.Default(),
		upgrader: gorilla.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			// peers are local agents, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr is the bound listen address while running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler returns the HTTP handler: the upgrade endpoint plus extra handlers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	path := s.cfg.Path
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, s.handleUpgrade)
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}
	return mux
}

// Start listens and hands decoded messages to in. The logger and clock
// injected into ctx are used; ctx cancellation does not stop the server.
func (s *Server) Start(ctx context.Context, in xmesh.Inbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.logger = xmesh.LoggerOrDefault(ctx)
	if c, ok := xmesh.ClockFromContext(ctx); ok {
		s.clock = c
	}

	ln, err := s.listen()
	if err != nil {
		s.state = StateStopped
		return err
	}
	s.addr = ln.Addr()
	s.in = in
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mail = mailbox.New[any]()
	s.loopDone = make(chan struct{})
	s.conns = map[string]*conn{}
	s.byAgent = map[string]*conn{}
	s.stats = ServerStats{StartedAt: s.clock.Now()}
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go s.run(s.ctx, s.mail, s.loopDone)
	srv := s.http
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("websocket server stopped serving")
		}
	}()

	s.state = StateRunning
	s.logger.Info().
		Str("addr", s.addr.String()).
		Str("max_connections", strconv.Itoa(s.cfg.MaxConnections)).
		Msg("websocket server listening")
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if s.ln != nil {
		ln := s.ln
		s.ln = nil
		return ln, nil
	}
	if s.cfg.Network == "unix" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
			return nil, fmt.Errorf("websocket: socket dir: %w", err)
		}
		// stale socket from a previous run
		if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("websocket: remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("websocket: listen %s: %w", s.cfg.SocketPath, err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("websocket: listen %s: %w", s.cfg.Addr(), err)
	}
	return ln, nil
}

// Stop closes every connection with 1000, then the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cancel, loopDone, srv := s.cancel, s.loopDone, s.http
	s.mu.Unlock()

	cancel()
	select {
	case <-loopDone:
	case <-ctx.Done():
	}
	err := srv.Shutdown(ctx)
	if s.cfg.Network == "unix" {
		_ = os.Remove(s.cfg.SocketPath)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info().Msg("websocket server stopped")
	return err
}

// Close implements xmesh.Transport.
func (s *Server) Close(ctx context.Context) error { return s.Stop(ctx) }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	running := s.state == StateRunning
	mail, loopDone := s.mail, s.loopDone
	s.mu.Unlock()
	if !running {
		http.Error(w, "server not running", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, data, err := ws.ReadMessage()
	var agent xmesh.Agent
	if err == nil {
		agent, err = decodeHandshake(s.codec, data)
	}
	if err != nil {
		s.reject(mail, ws, gorilla.CloseProtocolError, "handshake required", "", err)
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := newConn(uuid.NewString(), agent, ws, s.clock.Now(), s.cfg.SendBuffer)
	if !s.await(mail, loopDone, func(reply chan bool) any { return registerEvent{c: c, reply: reply} }) {
		s.reject(mail, ws, gorilla.CloseTryAgainLater, "server at capacity", agent.ID, errors.New("max connections reached"))
		return
	}

	go c.writeLoop(s.cfg.WriteTimeout)
	if s.agent.ID != "" {
		if hs, err := encodeHandshake(s.codec, s.agent); err == nil {
			c.push(hs)
		}
	}
	ws.SetPongHandler(func(string) error {
		mail.Put(activityEvent{c: c})
		return nil
	})
	if pt, ok := s.in.(xmesh.PeerTracker); ok {
		pt.PeerConnected(agent)
	}
	s.notify(xmesh.Event{Type: xmesh.Connected, AgentID: agent.ID})
	s.logger.Info().Str("conn", c.id).Str("agent", agent.ID).Msg("peer connected")

	s.readLoop(mail, c)

	c.close(0, "")
	last := s.await(mail, loopDone, func(reply chan bool) any { return unregisterEvent{c: c, reply: reply} })
	if pt, ok := s.in.(xmesh.PeerTracker); ok && last {
		pt.PeerDisconnected(agent.ID)
	}
	s.notify(xmesh.Event{Type: xmesh.Disconnected, AgentID: agent.ID})
	s.logger.Info().Str("conn", c.id).Str("agent", agent.ID).Msg("peer disconnected")
}

// await posts the event built around a reply channel and waits for the loop's
// answer. It reports false when the loop is gone.
func (s *Server) await(mail *mailbox.Mailbox[any], loopDone <-chan struct{}, ev func(chan bool) any) bool {
	reply := make(chan bool, 1)
	if !mail.Put(ev(reply)) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-loopDone:
		return false
	}
}

func (s *Server) reject(mail *mailbox.Mailbox[any], ws *gorilla.Conn, code int, reason, agentID string, err error) {
	rejectConn(ws, code, reason, s.cfg.WriteTimeout)
	mail.Put(rejectedEvent{})
	s.notify(xmesh.Event{Type: xmesh.HandshakeRejected, AgentID: agentID, Err: err})
	s.logger.Warn().Err(err).Str("reason", reason).Msg("websocket connection rejected")
}

func (s *Server) readLoop(mail *mailbox.Mailbox[any], c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("conn", c.id).Msg("websocket read ended")
			}
			return
		}
		if classify(data) != frameMessage {
			mail.Put(decodeErrEvent{c: c})
			continue
		}
		msg, err := xmesh.DecodeMessage(s.codec, data)
		if err != nil {
			mail.Put(decodeErrEvent{c: c})
			s.logger.Debug().Err(err).Str("conn", c.id).Msg("dropping undecodable frame")
			continue
		}
		mail.Put(frameEvent{c: c, raw: data, msg: msg})
		s.in.Receive(s.ctx, msg)
	}
}

func (s *Server) run(ctx context.Context, mail *mailbox.Mailbox[any], done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if s.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(s.cfg.HeartbeatInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			s.shutdown(mail)
			return
		case <-tick:
			s.heartbeat()
		case <-mail.Ready():
			for _, ev := range mail.Take() {
				s.handle(ev)
			}
		}
	}
}

func (s *Server) handle(ev any) {
	switch e := ev.(type) {
	case registerEvent:
		if len(s.conns) >= s.cfg.MaxConnections {
			e.reply <- false
			return
		}
		s.conns[e.c.id] = e.c
		s.byAgent[e.c.agent.ID] = e.c
		s.stats.TotalConnections++
		e.reply <- true
	case unregisterEvent:
		s.remove(e.c)
		_, served := s.byAgent[e.c.agent.ID]
		e.reply <- !served
	case activityEvent:
		e.c.lastActivity = s.clock.Now()
	case frameEvent:
		e.c.lastActivity = s.clock.Now()
		e.c.messageCount++
		s.stats.MessagesReceived++
		if s.cfg.Relay {
			s.relay(e.c, e.raw, e.msg)
		}
	case decodeErrEvent:
		e.c.lastActivity = s.clock.Now()
		s.stats.DecodeErrors++
	case rejectedEvent:
		s.stats.HandshakesRejected++
	case queryEvent:
		e.fn()
	}
}

// remove forgets c. The agent route moves to another connection of the same
// agent when one exists.
func (s *Server) remove(c *conn) {
	if s.conns[c.id] != c {
		return
	}
	delete(s.conns, c.id)
	if s.byAgent[c.agent.ID] != c {
		return
	}
	delete(s.byAgent, c.agent.ID)
	var newest *conn
	for _, other := range s.conns {
		if other.agent.ID == c.agent.ID && (newest == nil || other.connectedAt.After(newest.connectedAt)) {
			newest = other
		}
	}
	if newest != nil {
		s.byAgent[c.agent.ID] = newest
	}
}

func (s *Server) relay(from *conn, raw []byte, msg *xmesh.Message) {
	if msg.Target.IsBroadcast() {
		for _, c := range s.conns {
			if c != from {
				s.pushTo(c, raw)
			}
		}
		return
	}
	if c, ok := s.byAgent[msg.Target.AgentID()]; ok && c != from {
		s.pushTo(c, raw)
	}
}

func (s *Server) pushTo(c *conn, data []byte) bool {
	if !c.push(data) {
		s.stats.DroppedFrames++
		return false
	}
	s.stats.MessagesSent++
	return true
}

// heartbeat closes connections idle beyond ConnectionTimeout and pings the rest.
func (s *Server) heartbeat() {
	now := s.clock.Now()
	for _, c := range s.conns {
		if s.cfg.ConnectionTimeout > 0 && now.Sub(c.lastActivity) > s.cfg.ConnectionTimeout {
			c.close(gorilla.CloseNormalClosure, "connection timeout")
			s.remove(c)
			s.logger.Info().Str("conn", c.id).Str("agent", c.agent.ID).Msg("closing idle connection")
			continue
		}
		c.ping()
	}
}

func (s *Server) shutdown(mail *mailbox.Mailbox[any]) {
	for _, ev := range mail.Close() {
		switch e := ev.(type) {
		case registerEvent:
			e.reply <- false
		case unregisterEvent:
			e.reply <- true
		}
	}
	for _, c := range s.conns {
		c.close(gorilla.CloseNormalClosure, "server shutting down")
	}
	deadline := time.After(s.cfg.WriteTimeout)
	for _, c := range s.conns {
		select {
		case <-c.done:
		case <-deadline:
		}
	}
}

func (s *Server) query(ctx context.Context, fn func()) error {
	s.mu.Lock()
	running := s.state == StateRunning
	mail, loopDone := s.mail, s.loopDone
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	done := make(chan struct{})
	if !mail.Put(queryEvent{fn: func() { fn(); close(done) }}) {
		return ErrNotRunning
	}
	select {
	case <-done:
		return nil
	case <-loopDone:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast writes msg to every connection except excludeID and returns how
// many connections accepted the frame.
func (s *Server) Broadcast(ctx context.Context, msg *xmesh.Message, excludeID string) (int, error) {
	data, err := s.codec.Marshal(msg)
	if err != nil {
		return 0, err
	}
	n := 0
	err = s.query(ctx, func() {
		for id, c := range s.conns {
			if id != excludeID && s.pushTo(c, data) {
				n++
			}
		}
	})
	return n, err
}

// SendTo writes msg to one connection. A connection that is not open is
// skipped silently.
func (s *Server) SendTo(ctx context.Context, connID string, msg *xmesh.Message) error {
	data, err := s.codec.Marshal(msg)
	if err != nil {
		return err
	}
	return s.query(ctx, func() {
		if c, ok := s.conns[connID]; ok {
			s.pushTo(c, data)
		}
	})
}

// Send routes msg by its target: every connection for broadcast, otherwise
// the target agent's connection or ErrNoRoute.
func (s *Server) Send(ctx context.Context, msg *xmesh.Message) error {
	if msg.Target.IsBroadcast() {
		_, err := s.Broadcast(ctx, msg, "")
		return err
	}
	data, err := s.codec.Marshal(msg)
	if err != nil {
		return err
	}
	var sendErr error
	if err := s.query(ctx, func() {
		c, ok := s.byAgent[msg.Target.AgentID()]
		switch {
		case !ok:
			sendErr = fmt.Errorf("%w: %s", xmesh.ErrNoRoute, msg.Target.AgentID())
		case !s.pushTo(c, data):
			sendErr = ErrSendBufferFull
		}
	}); err != nil {
		return err
	}
	return sendErr
}

// Heartbeat runs one liveness pass now.
func (s *Server) Heartbeat(ctx context.Context) error {
	return s.query(ctx, s.heartbeat)
}

func (s *Server) Stats(ctx context.Context) (ServerStats, error) {
	var st ServerStats
	err := s.query(ctx, func() {
		st = s.stats
		st.ActiveConnections = len(s.conns)
	})
	st.State = s.State()
	return st, err
}

// Connections lists registered peers, oldest first.
func (s *Server) Connections(ctx context.Context) ([]ConnInfo, error) {
	var out []ConnInfo
	err := s.query(ctx, func() {
		for _, c := range s.conns {
			out = append(out, c.info())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out, err
}

func (s *Server) notify(e xmesh.Event) {
	if s.obs == nil {
		return
	}
	e.Component = "server"
	s.obs.OnEvent(e)
}
