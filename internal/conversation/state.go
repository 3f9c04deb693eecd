// ABOUTME: Immutable ConversationState snapshots exposed to the presentation layer
// ABOUTME: Each controller transition publishes a fresh snapshot

package conversation

import (
	"github.com/2389/coven-chat/internal/chat"
)

// Phase is the controller's channel-switch state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSwitching  Phase = "switching"
	PhaseSubscribed Phase = "subscribed"
)

// State is a snapshot of the conversation. Snapshots are never mutated after
// they are published.
type State struct {
	Channel      chat.Channel
	Phase        Phase
	Log          MessageLog
	Watermark    string
	Typing       TypingSet
	Subscription *Subscription

	// Version increases by one with every published snapshot.
	Version uint64
}

// Messages returns the ordered messages.
func (s State) Messages() []chat.Message {
	return s.Log.Messages()
}

// TypingUsers returns the typing user ids, sorted.
func (s State) TypingUsers() []string {
	return s.Typing.Users()
}

// Subscribed reports whether an active subscription backs this snapshot.
func (s State) Subscribed() bool {
	return s.Subscription != nil && s.Subscription.State() == SubscriptionActive
}
