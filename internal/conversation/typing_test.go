// ABOUTME: Tests for presence aggregation into the typing set
// ABOUTME: Table-driven over presence actions plus sequence scenarios

package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-chat/internal/chat"
)

func presence(action chat.PresenceAction, user string, typing *bool) chat.PresenceEvent {
	ev := chat.PresenceEvent{Action: action, UserID: user, Channel: "open:general"}
	if typing != nil {
		ev.State = &chat.PresenceState{IsTyping: typing}
	}
	return ev
}

func boolPtr(b bool) *bool { return &b }

func TestApplyPresence(t *testing.T) {
	tests := []struct {
		name  string
		start []string
		ev    chat.PresenceEvent
		want  []string
	}{
		{"join leaves set unchanged", nil, presence(chat.PresenceJoin, "bob", nil), []string{}},
		{"typing true adds", nil, presence(chat.PresenceStateChange, "bob", boolPtr(true)), []string{"bob"}},
		{"typing true twice stays single", []string{"bob"}, presence(chat.PresenceStateChange, "bob", boolPtr(true)), []string{"bob"}},
		{"typing false removes", []string{"bob"}, presence(chat.PresenceStateChange, "bob", boolPtr(false)), []string{}},
		{"missing flag removes", []string{"bob"}, presence(chat.PresenceStateChange, "bob", nil), []string{}},
		{"leave removes", []string{"bob", "carol"}, presence(chat.PresenceLeave, "bob", nil), []string{"carol"}},
		{"timeout removes", []string{"bob"}, presence(chat.PresenceTimeout, "bob", nil), []string{}},
		{"leave of absent user is no-op", []string{"carol"}, presence(chat.PresenceLeave, "bob", nil), []string{"carol"}},
		{"unknown action ignored", []string{"carol"}, presence("interval", "bob", boolPtr(true)), []string{"carol"}},
		{"empty user ignored", nil, presence(chat.PresenceStateChange, "", boolPtr(true)), []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyPresence(NewTypingSet(tt.start...), tt.ev)
			assert.Equal(t, tt.want, got.Users())
		})
	}
}

func TestApplyPresence_Sequence(t *testing.T) {
	set := NewTypingSet()
	set = ApplyPresence(set, presence(chat.PresenceStateChange, "alice", boolPtr(true)))
	set = ApplyPresence(set, presence(chat.PresenceStateChange, "bob", boolPtr(true)))
	assert.Equal(t, []string{"alice", "bob"}, set.Users())

	set = ApplyPresence(set, presence(chat.PresenceTimeout, "alice", nil))
	assert.Equal(t, []string{"bob"}, set.Users())

	set = ApplyPresence(set, presence(chat.PresenceJoin, "alice", nil))
	assert.False(t, set.Has("alice"), "join does not mark a user as typing")
}

func TestApplyPresence_JoinTypeLeave(t *testing.T) {
	set := NewTypingSet()
	for _, ev := range []chat.PresenceEvent{
		presence(chat.PresenceJoin, "u1", nil),
		presence(chat.PresenceStateChange, "u1", boolPtr(true)),
		presence(chat.PresenceLeave, "u1", nil),
	} {
		set = ApplyPresence(set, ev)
	}
	assert.Equal(t, 0, set.Len())
	assert.Empty(t, set.Users())
}

func TestApplyPresence_DoesNotMutateInput(t *testing.T) {
	before := NewTypingSet("alice")
	after := ApplyPresence(before, presence(chat.PresenceStateChange, "bob", boolPtr(true)))

	assert.Equal(t, []string{"alice"}, before.Users())
	assert.Equal(t, []string{"alice", "bob"}, after.Users())
}
