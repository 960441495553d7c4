// Package storetest holds the behavior every xmesh.Store adapter must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmesh"
)

// Run exercises a fresh store returned by newStore in each subtest.
func Run(t *testing.T, newStore func(t *testing.T) xmesh.Store) {
	t.Run("SaveLoad", func(t *testing.T) {
		s := newStore(t)
		ctx := ctxT(t)
		require.NoError(t, s.Save(ctx, "queue/state.json", []byte(`{"a":1}`)))
		got, err := s.Load(ctx, "queue/state.json")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(got))

		require.NoError(t, s.Save(ctx, "queue/state.json", []byte(`{"a":2}`)))
		got, err = s.Load(ctx, "queue/state.json")
		require.NoError(t, err)
		assert.Equal(t, `{"a":2}`, string(got))
	})

	t.Run("LoadMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctxT(t), "nope/missing.json")
		require.Error(t, err)
		assert.True(t, errors.Is(err, xmesh.ErrNotFound), "got %v", err)
	})

	t.Run("ListDirectChildrenSorted", func(t *testing.T) {
		s := newStore(t)
		ctx := ctxT(t)
		for _, k := range []string{"history/2-b.json", "history/1-a.json", "history/sub/3-c.json", "other/x.json", "top.json"} {
			require.NoError(t, s.Save(ctx, k, []byte("{}")))
		}
		names, err := s.List(ctx, "history")
		require.NoError(t, err)
		assert.Equal(t, []string{"1-a.json", "2-b.json"}, names)

		empty, err := s.List(ctx, "nothing-here")
		if err != nil {
			assert.True(t, errors.Is(err, xmesh.ErrNotFound), "got %v", err)
		}
		assert.Empty(t, empty)
	})

	t.Run("ValuesAreCopied", func(t *testing.T) {
		s := newStore(t)
		ctx := ctxT(t)
		buf := []byte("hello")
		require.NoError(t, s.Save(ctx, "k/v", buf))
		buf[0] = 'j'
		got, err := s.Load(ctx, "k/v")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
	})

	t.Run("ConcurrentSaves", func(t *testing.T) {
		s := newStore(t)
		ctx := ctxT(t)
		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Save(ctx, fmt.Sprintf("history/%02d.json", i), []byte("{}")))
			}()
		}
		wg.Wait()
		names, err := s.List(ctx, "history")
		require.NoError(t, err)
		assert.Len(t, names, 16)
	})
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
