package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmesh"
)

func clientConfig(url string) Config {
	cfg := testConfig()
	cfg.URL = url
	cfg.MaxReconnectAttempts = 2
	return cfg
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c, err := NewClient(clientConfig("ws://127.0.0.1:1/"), testAgent("c1"))
	require.NoError(t, err)
	err = c.Send(ctxT(t), testMessage(testAgent("c1"), xmesh.Broadcast()))
	assert.ErrorIs(t, err, xmesh.ErrNotConnected)
	assert.Equal(t, ClientDisconnected, c.State())
}

func TestClient_RejectsInvalidAgent(t *testing.T) {
	_, err := NewClient(clientConfig("ws://127.0.0.1:1/"), xmesh.Agent{})
	assert.ErrorIs(t, err, xmesh.ErrInvalidMessage)
}

func TestClient_RoundTrip(t *testing.T) {
	s, serverIn := startServer(t, testConfig())

	c, err := NewClient(clientConfig(wsURL(s)), testAgent("c1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	clientIn := &sink{}
	require.NoError(t, c.Start(ctxT(t), clientIn))
	assert.Equal(t, ClientConnected, c.State())

	// the server handshake registers the hub as a peer
	require.Eventually(t, func() bool {
		peers, _ := clientIn.snapshot()
		return len(peers) == 1 && peers[0] == "hub"
	}, 3*time.Second, 5*time.Millisecond)
	peer, ok := c.Peer()
	require.True(t, ok)
	assert.Equal(t, "hub", peer.ID)

	up := testMessage(testAgent("c1"), xmesh.To(testAgent("hub")))
	require.NoError(t, c.Send(ctxT(t), up))
	require.Eventually(t, func() bool { return len(serverIn.received()) == 1 }, 3*time.Second, 5*time.Millisecond)

	down := testMessage(testAgent("hub"), xmesh.To(testAgent("c1")))
	require.NoError(t, s.Send(ctxT(t), down))
	require.Eventually(t, func() bool {
		got := clientIn.received()
		return len(got) == 1 && got[0].ID == down.ID
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close(ctxT(t)))
	assert.Equal(t, ClientClosed, c.State())
	assert.ErrorIs(t, c.Send(ctxT(t), up), xmesh.ErrNotConnected)
	waitStats(t, s, func(st ServerStats) bool { return st.ActiveConnections == 0 })
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	var accepted atomic.Int32
	up := gorilla.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		if accepted.Add(1) == 1 {
			// drop the first link right after its handshake
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer hs.Close()

	obs := &eventLog{}
	c, err := NewClient(clientConfig("ws"+strings.TrimPrefix(hs.URL, "http")+"/"), testAgent("c1"), WithClientObserver(obs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	require.NoError(t, c.Start(ctxT(t), &sink{}))

	require.Eventually(t, func() bool {
		return accepted.Load() == 2 && c.State() == ClientConnected
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, obs.count(xmesh.Reconnecting))
	assert.Equal(t, 0, obs.count(xmesh.ReconnectGaveUp))
}

func TestClient_ReconnectGivesUp(t *testing.T) {
	s, _ := startServer(t, testConfig())
	obs := &eventLog{}
	c, err := NewClient(clientConfig(wsURL(s)), testAgent("c1"), WithClientObserver(obs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	require.NoError(t, c.Start(ctxT(t), &sink{}))

	require.NoError(t, s.Stop(ctxT(t)))

	require.Eventually(t, func() bool { return obs.count(xmesh.ReconnectGaveUp) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, obs.count(xmesh.Reconnecting))
	assert.Equal(t, ClientDisconnected, c.State())
	assert.ErrorIs(t, c.Send(ctxT(t), testMessage(testAgent("c1"), xmesh.Broadcast())), xmesh.ErrNotConnected)
}
