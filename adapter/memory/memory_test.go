package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmesh"
	"github.com/trickstertwo/xmesh/internal/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) xmesh.Store { return NewStore(Config{}) })
}

func TestStore_MaxValueSize(t *testing.T) {
	s := NewStore(ConfigFromMap(map[string]any{"max_value_size": 4}))
	require.Error(t, s.Save(context.Background(), "k", []byte("12345")))
	require.NoError(t, s.Save(context.Background(), "k", []byte("1234")))

	_, err := s.Load(context.Background(), "missing")
	require.ErrorIs(t, err, xmesh.ErrNotFound)
	st := s.Stats()
	assert.EqualValues(t, 1, st.Saves)
	assert.EqualValues(t, 1, st.Misses)
	assert.Equal(t, 1, s.Len())
}

func TestStore_Registered(t *testing.T) {
	s, err := xmesh.NewStore(StoreName, nil)
	require.NoError(t, err)
	assert.IsType(t, &Store{}, s)
	assert.Contains(t, xmesh.Stores(), StoreName)
}

func TestUse_LocalNode(t *testing.T) {
	cfg := xmesh.Defaults()
	cfg.Agent = xmesh.AgentConfig{ID: "solo", Type: xmesh.AgentCursor}
	n, err := Use(Config{}, WithConfig(cfg), WithObserverPool(1, 16))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Start(ctx))
	defer n.Stop(context.Background())

	var got atomic.Int32
	_, err = n.Subscribe(xmesh.ChannelCodeReview, xmesh.HandlerFunc(func(ctx context.Context, msg *xmesh.Message) error {
		req, err := xmesh.PayloadAs[*xmesh.CodeReviewRequestPayload](msg)
		if err != nil {
			return err
		}
		if req.File == "main.go" {
			got.Add(1)
		}
		return nil
	}), nil)
	require.NoError(t, err)

	_, err = n.Publish(xmesh.Broadcast(), xmesh.CodeReviewRequest, &xmesh.CodeReviewRequestPayload{File: "main.go"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return got.Load() == 1 }, 3*time.Second, 5*time.Millisecond)

	store := n.Store().(*Store)
	require.Eventually(t, func() bool { return store.Len() >= 2 }, 3*time.Second, 5*time.Millisecond) // history file + queue snapshot
}
