// Package mailbox is an unbounded FIFO feeding a single consumer goroutine.
//
// Producers never block: Put appends and signals Ready. The consumer selects on
// Ready and then drains everything with Take, handling items in order.
package mailbox

import "sync"

type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Put appends v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready fires at least once after items were added.
func (m *Mailbox[T]) Ready() <-chan struct{} { return m.ready }

// Take removes and returns every queued item in insertion order.
func (m *Mailbox[T]) Take() []T {
	m.mu.Lock()
	items := m.items
	m.items = nil
	m.mu.Unlock()
	return items
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further Puts and returns whatever was still queued.
func (m *Mailbox[T]) Close() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	items := m.items
	m.items = nil
	return items
}
