// ABOUTME: Unbounded per-subscription message queue for the local transport
// ABOUTME: Publishers never block and never drop; the subscription pump drains in order

package local

import (
	"sync"

	"github.com/2389/coven-chat/internal/chat"
)

// mailbox is a FIFO of messages waiting for one subscription's handler.
type mailbox struct {
	mu     sync.Mutex
	queue  []chat.Message
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// put appends msg and wakes the reader.
func (m *mailbox) put(msg chat.Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued, oldest first.
func (m *mailbox) take() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

// ready fires after put; drain with take.
func (m *mailbox) ready() <-chan struct{} {
	return m.notify
}
