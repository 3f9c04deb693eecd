// ABOUTME: Channel subscription lifecycle: exactly one active subscription at a time
// ABOUTME: Opening a channel closes the previous subscription before the new one is requested

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/transport"
)

const (
	// subscriptionBufferSize is the per-stream event buffer of a subscription.
	subscriptionBufferSize = 64
)

// ErrClosed is returned when operating on a closed controller or subscription.
var ErrClosed = errors.New("closed")

// SubscriptionState is the lifecycle of a Subscription: opened -> active -> closed.
type SubscriptionState int32

const (
	SubscriptionOpened SubscriptionState = iota
	SubscriptionActive
	SubscriptionClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionOpened:
		return "opened"
	case SubscriptionActive:
		return "active"
	case SubscriptionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscriber is the part of the transport the subscription manager needs.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, onPresence transport.PresenceHandler, onMessage transport.MessageHandler) (transport.Subscription, error)
}

// Subscription is one transport listener bound to one channel. It turns the
// transport's callbacks into two ordered event streams.
type Subscription struct {
	id      string
	channel chat.Channel

	presence chan chat.PresenceEvent
	messages chan chat.Message
	done     chan struct{}

	state     atomic.Int32
	handle    transport.Subscription
	closeOnce sync.Once
	closeErr  error
}

func newSubscription(ch chat.Channel, bufferSize int) *Subscription {
	return &Subscription{
		id:       uuid.New().String(),
		channel:  ch,
		presence: make(chan chat.PresenceEvent, bufferSize),
		messages: make(chan chat.Message, bufferSize),
		done:     make(chan struct{}),
	}
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// Channel returns the channel the subscription is bound to.
func (s *Subscription) Channel() chat.Channel { return s.channel }

// State returns the lifecycle state.
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

// Presence returns the presence event stream.
func (s *Subscription) Presence() <-chan chat.PresenceEvent { return s.presence }

// Messages returns the message event stream.
func (s *Subscription) Messages() <-chan chat.Message { return s.messages }

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// deliverPresence blocks until the event is buffered or the subscription
// closes, so receive order is never broken by dropping.
func (s *Subscription) deliverPresence(ev chat.PresenceEvent) {
	if s.State() == SubscriptionClosed {
		return
	}
	select {
	case s.presence <- ev:
	case <-s.done:
	}
}

func (s *Subscription) deliverMessage(msg chat.Message) {
	if s.State() == SubscriptionClosed {
		return
	}
	if msg.Channel.IsZero() {
		msg.Channel = s.channel
	}
	select {
	case s.messages <- msg:
	case <-s.done:
	}
}

func (s *Subscription) activate(handle transport.Subscription) {
	s.handle = handle
	s.state.CompareAndSwap(int32(SubscriptionOpened), int32(SubscriptionActive))
}

// close releases the transport listener. Only the first call does anything.
func (s *Subscription) close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(SubscriptionClosed))
		close(s.done)
		if s.handle != nil {
			s.closeErr = s.handle.Unsubscribe()
		}
	})
	return s.closeErr
}

// SubscriptionManager owns the single active subscription.
type SubscriptionManager struct {
	subscriber Subscriber
	logger     *slog.Logger

	mu     sync.Mutex
	active *Subscription
}

// NewSubscriptionManager creates a manager. Pass nil logger for default.
func NewSubscriptionManager(subscriber Subscriber, logger *slog.Logger) *SubscriptionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		subscriber: subscriber,
		logger:     logger.With("component", "subscriptions"),
	}
}

// Open closes any active subscription, then subscribes to ch. On failure no
// subscription is active.
func (m *SubscriptionManager) Open(ctx context.Context, ch chat.Channel) (*Subscription, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.closeLocked(); err != nil {
		m.logger.Warn("closing previous subscription", "error", err)
	}

	sub := newSubscription(ch, subscriptionBufferSize)
	handle, err := m.subscriber.Subscribe(ctx, ch.Name(), sub.deliverPresence, sub.deliverMessage)
	if err != nil {
		_ = sub.close()
		return nil, fmt.Errorf("subscribing to %s: %w", ch.Name(), err)
	}
	sub.activate(handle)
	m.active = sub

	m.logger.Debug("subscription opened",
		"channel", ch.Name(),
		"sub_id", sub.id)
	return sub, nil
}

// Close closes the active subscription, if any. Calling Close with nothing
// open is a no-op.
func (m *SubscriptionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

// Active returns the active subscription or nil.
func (m *SubscriptionManager) Active() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// closeLocked must be called with mu held.
func (m *SubscriptionManager) closeLocked() error {
	sub := m.active
	if sub == nil {
		return nil
	}
	m.active = nil

	err := sub.close()
	m.logger.Debug("subscription closed",
		"channel", sub.channel.Name(),
		"sub_id", sub.id)
	if err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", sub.channel.Name(), err)
	}
	return nil
}
