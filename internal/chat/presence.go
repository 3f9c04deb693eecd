// ABOUTME: Presence events delivered by a channel subscription
// ABOUTME: Join/leave/timeout connection signals and custom state such as typing

package chat

import "time"

// PresenceAction is the kind of presence signal.
type PresenceAction string

const (
	PresenceJoin        PresenceAction = "join"
	PresenceLeave       PresenceAction = "leave"
	PresenceTimeout     PresenceAction = "timeout"
	PresenceStateChange PresenceAction = "state-change"
)

// PresenceState is the custom state attached to a state-change event.
// IsTyping is nil when the state carries no typing flag.
type PresenceState struct {
	IsTyping *bool `json:"isTyping,omitempty"`
}

// PresenceEvent is a presence signal about one user on one channel.
type PresenceEvent struct {
	Action    PresenceAction `json:"action"`
	UserID    string         `json:"user_id"`
	Channel   string         `json:"channel,omitempty"`
	State     *PresenceState `json:"state,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// Typing reports whether the event carries isTyping=true.
func (e PresenceEvent) Typing() bool {
	return e.State != nil && e.State.IsTyping != nil && *e.State.IsTyping
}

// TypingState builds the state-change event broadcast when a user starts or
// stops typing.
func TypingState(channel, userID string, isTyping bool) PresenceEvent {
	return PresenceEvent{
		Action:    PresenceStateChange,
		UserID:    userID,
		Channel:   channel,
		State:     &PresenceState{IsTyping: &isTyping},
		Timestamp: time.Now().UTC(),
	}
}
