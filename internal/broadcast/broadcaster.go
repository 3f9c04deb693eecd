// ABOUTME: In-memory fan-out broadcaster keyed by topic
// ABOUTME: Used for live transport delivery and for republishing conversation state

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// DefaultBufferSize is the channel buffer for each subscriber.
	DefaultBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for values of type T. Subscribers
// register for a topic and receive every value published to it after they
// subscribed. Publish never blocks: values are dropped for subscribers whose
// buffer is full.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan T // topic -> subID -> ch
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default; a bufferSize <= 0
// uses DefaultBufferSize.
func New[T any](bufferSize int, logger *slog.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]map[string]chan T),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for topic. It returns the receive channel
// and a subscription id for Unsubscribe. The subscription is removed when ctx
// is cancelled. Subscribing to a closed broadcaster returns a closed channel.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, topic string) (<-chan T, string) {
	subID := uuid.New().String()
	ch := make(chan T, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan T)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"topic", topic,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends v to all subscribers of topic except excludeSubID (if set).
// It reports how many subscribers received the value.
func (b *Broadcaster[T]) Publish(topic string, v T, excludeSubID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs, ok := b.subscribers[topic]
	if !ok || len(subs) == 0 {
		return 0
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send; every send is non-blocking.
	delivered := 0
	for id, ch := range subs {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- v:
			delivered++
		default:
			b.logger.Debug("dropped value for slow subscriber",
				"topic", topic,
				"sub_id", id)
		}
	}
	return delivered
}

// Subscribers returns the number of subscribers on topic.
func (b *Broadcaster[T]) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed",
		"topic", topic,
		"sub_id", subID)
}

// Close closes all subscriber channels. Later subscriptions receive a closed
// channel and Publish becomes a no-op.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("broadcaster closed")
}
