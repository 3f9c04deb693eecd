// ABOUTME: Messaging transport contract consumed by the conversation core
// ABOUTME: Subscribe, history, publish and typing broadcast against a pub/sub backend

package transport

import (
	"context"
	"errors"

	"github.com/2389/coven-chat/internal/chat"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// PresenceHandler receives presence events for a subscription. Calls for one
// subscription are never concurrent and arrive in receive order.
type PresenceHandler func(chat.PresenceEvent)

// MessageHandler receives messages for a subscription. Calls for one
// subscription are never concurrent and arrive in receive order.
type MessageHandler func(chat.Message)

// Subscription is one live listener bound to one channel.
type Subscription interface {
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe() error
}

// Transport is a pub/sub messaging backend.
//
// History semantics are shared by every backend: an empty since returns the
// newest page of messages; otherwise messages strictly after the since cursor.
// Messages are returned oldest first and StartTimeToken is the cursor of the
// newest point the page covers. An empty page echoes since.
type Transport interface {
	Subscribe(ctx context.Context, channel string, onPresence PresenceHandler, onMessage MessageHandler) (Subscription, error)
	History(ctx context.Context, channel string, since string) (chat.HistoryPage, error)
	PublishMessage(ctx context.Context, channel string, msg chat.Message) error
	PublishTypingState(ctx context.Context, channel, userID string, isTyping bool) error
	Close() error
}

// DefaultHistoryLimit is the page size used when a backend is configured
// without one.
const DefaultHistoryLimit = 50

// ChannelLister is implemented by backends that can enumerate known channels.
type ChannelLister interface {
	Channels(ctx context.Context) ([]string, error)
}
