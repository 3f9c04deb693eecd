// ABOUTME: Presence aggregation into the set of users currently typing
// ABOUTME: Pure copy-on-write transformation of presence events, no timers or I/O

package conversation

import (
	"sort"

	"github.com/2389/coven-chat/internal/chat"
)

// TypingSet is an immutable set of user ids that are typing.
type TypingSet struct {
	users map[string]struct{}
}

// NewTypingSet returns a set holding the given users.
func NewTypingSet(users ...string) TypingSet {
	s := TypingSet{users: make(map[string]struct{}, len(users))}
	for _, u := range users {
		s.users[u] = struct{}{}
	}
	return s
}

// Len returns the number of typing users.
func (s TypingSet) Len() int {
	return len(s.users)
}

// Has reports whether user is typing.
func (s TypingSet) Has(user string) bool {
	_, ok := s.users[user]
	return ok
}

// Users returns the typing users sorted by id.
func (s TypingSet) Users() []string {
	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (s TypingSet) with(user string) TypingSet {
	if s.Has(user) {
		return s
	}
	next := TypingSet{users: make(map[string]struct{}, len(s.users)+1)}
	for u := range s.users {
		next.users[u] = struct{}{}
	}
	next.users[user] = struct{}{}
	return next
}

func (s TypingSet) without(user string) TypingSet {
	if !s.Has(user) {
		return s
	}
	next := TypingSet{users: make(map[string]struct{}, len(s.users))}
	for u := range s.users {
		if u != user {
			next.users[u] = struct{}{}
		}
	}
	return next
}

// ApplyPresence returns the typing set after ev:
//
//   - join: unchanged
//   - leave, timeout: user removed regardless of prior state
//   - state-change with isTyping=true: user added
//   - state-change with isTyping=false or no flag: user removed
//   - anything else: unchanged
//
// Events without a user id are ignored.
func ApplyPresence(set TypingSet, ev chat.PresenceEvent) TypingSet {
	if ev.UserID == "" {
		return set
	}

	switch ev.Action {
	case chat.PresenceJoin:
		return set
	case chat.PresenceLeave, chat.PresenceTimeout:
		return set.without(ev.UserID)
	case chat.PresenceStateChange:
		if ev.Typing() {
			return set.with(ev.UserID)
		}
		return set.without(ev.UserID)
	default:
		return set
	}
}
