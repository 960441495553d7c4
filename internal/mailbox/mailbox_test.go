package mailbox

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFO(t *testing.T) {
	m := New[int]()
	for i := 0; i < 5; i++ {
		require.True(t, m.Put(i))
	}
	<-m.Ready()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, m.Take())
	assert.Empty(t, m.Take())
}

func TestMailbox_ConcurrentProducers(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Put(i)
			}
		}()
	}
	wg.Wait()

	got := 0
	for m.Len() > 0 {
		<-m.Ready()
		got += len(m.Take())
	}
	assert.Equal(t, 800, got)
}

func TestMailbox_Close(t *testing.T) {
	m := New[string]()
	m.Put("a")
	left := m.Close()
	assert.Equal(t, []string{"a"}, left)
	assert.False(t, m.Put("b"))
	assert.Zero(t, m.Len())
}
