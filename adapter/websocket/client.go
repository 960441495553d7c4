package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmesh"
)

// ClientState is the link state of a Client.
type ClientState string

const (
	ClientDisconnected ClientState = "disconnected"
	ClientConnecting   ClientState = "connecting"
	ClientConnected    ClientState = "connected"
	ClientReconnecting ClientState = "reconnecting"
	ClientClosed       ClientState = "closed"
)

// Client keeps one connection to a server. When the link drops it redials
// with a delay of ReconnectDelay·attempt, up to MaxReconnectAttempts times.
type Client struct {
	cfg    Config
	agent  xmesh.Agent
	codec  xmesh.Codec
	obs    xmesh.Observer
	dialer *gorilla.Dialer

	mu     sync.Mutex
	state  ClientState
	ws     *gorilla.Conn
	peer   xmesh.Agent
	in     xmesh.Inbound
	logger *xlog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex
	wg  sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientCodec overrides the JSON codec.
func WithClientCodec(c xmesh.Codec) ClientOption { return func(cl *Client) { cl.codec = c } }

func WithClientObserver(o xmesh.Observer) ClientOption { return func(cl *Client) { cl.obs = o } }

// NewClient validates cfg. agent is announced in the handshake.
func NewClient(cfg Config, agent xmesh.Agent, opts ...ClientOption) (*Client, error) {
	cfg.Role = RoleClient
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		agent:  agent,
		codec:  xmesh.JSONCodec{},
		state:  ClientDisconnected,
		logger: xlog.Default(),
		dialer: &gorilla.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
	if cfg.Network == "unix" {
		path := cfg.SocketPath
		c.dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer is the server agent announced after the handshake, if any.
func (c *Client) Peer() (xmesh.Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer, c.peer.ID != ""
}

// Start implements xmesh.Transport: it connects and feeds inbound frames to in.
func (c *Client) Start(ctx context.Context, in xmesh.Inbound) error {
	c.mu.Lock()
	c.in = in
	c.logger = xmesh.LoggerOrDefault(ctx)
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()
	return c.Connect(ctx)
}

// Connect dials the server, sends the handshake and returns once the link is open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case ClientClosed:
		c.mu.Unlock()
		return xmesh.ErrNodeClosed
	case ClientConnected:
		c.mu.Unlock()
		return nil
	case ClientDisconnected:
		c.state = ClientConnecting
	}
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ClientClosed {
		if ws != nil {
			_ = ws.Close()
		}
		return xmesh.ErrNodeClosed
	}
	if err != nil {
		if c.state == ClientConnecting {
			c.state = ClientDisconnected
		}
		return err
	}
	c.ws = ws
	c.state = ClientConnected
	c.wg.Add(1)
	go c.readLoop(ws)
	c.logger.Info().Str("url", c.cfg.dialURL()).Str("agent", c.agent.ID).Msg("websocket client connected")
	c.notify(xmesh.Event{Type: xmesh.Connected})
	return nil
}

func (c *Client) dial(ctx context.Context) (*gorilla.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.dialURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", c.cfg.dialURL(), err)
	}
	ws.SetReadLimit(c.cfg.MaxMessageSize)
	hs, err := encodeHandshake(c.codec, c.agent)
	if err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		err = ws.WriteMessage(gorilla.TextMessage, hs)
	}
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("websocket: handshake: %w", err)
	}
	return ws, nil
}

// Send writes msg to the server. It fails fast with ErrNotConnected while the
// link is down so the delivery queue retries later.
func (c *Client) Send(ctx context.Context, msg *xmesh.Message) error {
	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()
	if state != ClientConnected || ws == nil {
		return xmesh.ErrNotConnected
	}
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(gorilla.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", xmesh.ErrNotConnected, err)
	}
	return nil
}

func (c *Client) readLoop(ws *gorilla.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.lost(ws, err)
			return
		}
		switch classify(data) {
		case frameHandshake:
			peer, err := decodeHandshake(c.codec, data)
			if err != nil {
				c.logger.Debug().Err(err).Msg("ignoring bad server handshake")
				continue
			}
			c.mu.Lock()
			c.peer = peer
			c.mu.Unlock()
			if pt, ok := c.in.(xmesh.PeerTracker); ok {
				pt.PeerConnected(peer)
			}
		case frameMessage:
			msg, err := xmesh.DecodeMessage(c.codec, data)
			if err != nil {
				c.logger.Debug().Err(err).Msg("dropping undecodable frame")
				continue
			}
			if c.in != nil {
				c.in.Receive(c.ctx, msg)
			}
		}
	}
}

// lost handles a dropped link. Closing the client is not a loss.
func (c *Client) lost(ws *gorilla.Conn, err error) {
	c.mu.Lock()
	if c.state == ClientClosed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.state = ClientReconnecting
	peer := c.peer
	c.peer = xmesh.Agent{}
	c.mu.Unlock()
	_ = ws.Close()

	c.logger.Warn().Err(err).Msg("websocket link lost")
	c.notify(xmesh.Event{Type: xmesh.Disconnected, AgentID: peer.ID, Err: err})
	if pt, ok := c.in.(xmesh.PeerTracker); ok && peer.ID != "" {
		pt.PeerDisconnected(peer.ID)
	}
	c.wg.Add(1)
	go c.reconnect()
}

func (c *Client) reconnect() {
	defer c.wg.Done()
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.notify(xmesh.Event{Type: xmesh.Reconnecting, Attempts: attempt})
		delay := c.cfg.ReconnectDelay * time.Duration(attempt)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		err := c.Connect(c.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, xmesh.ErrNodeClosed) {
			return
		}
		c.logger.Debug().Err(err).Str("attempt", strconv.Itoa(attempt)).Msg("reconnect failed")
	}

	c.mu.Lock()
	if c.state == ClientReconnecting {
		c.state = ClientDisconnected
	}
	c.mu.Unlock()
	c.logger.Error().Str("attempts", strconv.Itoa(c.cfg.MaxReconnectAttempts)).Msg("giving up on reconnect")
	c.notify(xmesh.Event{Type: xmesh.ReconnectGaveUp, Attempts: c.cfg.MaxReconnectAttempts})
}

// Close sends a normal close frame and stops reconnecting.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = ClientClosed
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	c.cancel()

	if ws != nil {
		c.wmu.Lock()
		_ = ws.WriteControl(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "client closing"), time.Now().Add(c.cfg.WriteTimeout))
		c.wmu.Unlock()
		_ = ws.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) notify(e xmesh.Event) {
	if c.obs == nil {
		return
	}
	e.Component = "client"
	c.obs.OnEvent(e)
}
