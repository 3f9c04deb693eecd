// ABOUTME: Per-subscription dispatcher shared by the pub/sub backends
// ABOUTME: Serializes handler calls and turns silent typists into timeout events

package transport

import (
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/presence"
)

// Dispatcher forwards decoded events to a subscription's handlers. Backends
// receive messages and presence on separate goroutines; the dispatcher makes
// sure the handlers are never called concurrently.
//
// Backends without server-side presence timeouts rely on the dispatcher to
// report a user whose typing state was not refreshed within the typing
// timeout as a timeout event.
type Dispatcher struct {
	channel    string
	onPresence PresenceHandler
	onMessage  MessageHandler
	typing     *presence.Tracker

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a dispatcher for channel. A zero typingTimeout uses
// presence.DefaultTTL. Either handler may be nil.
func NewDispatcher(channel string, typingTimeout time.Duration, onPresence PresenceHandler, onMessage MessageHandler) *Dispatcher {
	d := &Dispatcher{
		channel:    channel,
		onPresence: onPresence,
		onMessage:  onMessage,
	}
	d.typing = presence.NewTracker(typingTimeout, 0, d.expire)
	return d
}

// Message delivers msg.
func (d *Dispatcher) Message(msg chat.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.onMessage == nil {
		return
	}
	d.onMessage(msg)
}

// Presence records typing state and delivers ev.
func (d *Dispatcher) Presence(ev chat.PresenceEvent) {
	if ev.Channel == "" {
		ev.Channel = d.channel
	}

	switch ev.Action {
	case chat.PresenceStateChange:
		if ev.Typing() {
			d.typing.Touch(ev.UserID)
		} else {
			d.typing.Forget(ev.UserID)
		}
	case chat.PresenceLeave, chat.PresenceTimeout:
		d.typing.Forget(ev.UserID)
	}

	d.deliver(ev)
}

func (d *Dispatcher) expire(userID string) {
	d.deliver(chat.PresenceEvent{
		Action:    chat.PresenceTimeout,
		UserID:    userID,
		Channel:   d.channel,
		Timestamp: time.Now().UTC(),
	})
}

func (d *Dispatcher) deliver(ev chat.PresenceEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.onPresence == nil {
		return
	}
	d.onPresence(ev)
}

// Close stops delivery. Events arriving afterwards are dropped.
func (d *Dispatcher) Close() {
	d.typing.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}
