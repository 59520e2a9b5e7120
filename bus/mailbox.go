package bus

import (
	"sync"

	"github.com/c360/gcstreams/event"
)

// mailbox is an unbounded FIFO with a single consumer. Pushes never block.
type mailbox struct {
	mu     sync.Mutex
	queue  []event.Event
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// push appends e and reports whether the mailbox accepted it.
func (m *mailbox) push(e event.Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// drain removes and returns every queued event. ok is false once the mailbox
// is closed.
func (m *mailbox) drain() (batch []event.Event, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false
	}
	batch = m.queue
	m.queue = nil
	return batch, true
}

// close discards pending events and wakes the consumer.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

