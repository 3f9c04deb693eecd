// ABOUTME: Tests for chat domain types
// ABOUTME: Covers channel naming, normalization, parsing, and message validation

package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_Name(t *testing.T) {
	assert.Equal(t, "open:general", Open("general").Name())
	assert.Equal(t, "", Channel{}.Name())
}

func TestOpen_NormalizesID(t *testing.T) {
	assert.Equal(t, "team/eng", Open("  //team//eng/ ").ID)
	assert.Equal(t, "", Open("   ").ID)
}

func TestDirect_SymmetricName(t *testing.T) {
	a := Direct("alice", "bob")
	b := Direct("bob", "alice")

	assert.Equal(t, a, b)
	assert.Equal(t, ChannelDirect, a.Kind)
	assert.Equal(t, "direct:alice~bob", a.Name())
}

func TestParseChannel(t *testing.T) {
	ch, err := ParseChannel("open:general")
	require.NoError(t, err)
	assert.Equal(t, Open("general"), ch)

	_, err = ParseChannel("general")
	assert.True(t, errors.Is(err, ErrInvalidChannel))

	_, err = ParseChannel("group:general")
	assert.True(t, errors.Is(err, ErrInvalidChannel))

	_, err = ParseChannel("open:")
	assert.True(t, errors.Is(err, ErrInvalidChannel))
}

func TestMessage_Validate(t *testing.T) {
	valid := Message{ID: "m1", SenderID: "u1", Text: "hi", SentAt: time.Unix(10, 0)}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		msg  Message
	}{
		{"missing id", Message{SenderID: "u1", SentAt: time.Unix(10, 0)}},
		{"missing sender", Message{ID: "m1", SentAt: time.Unix(10, 0)}},
		{"missing sent_at", Message{ID: "m1", SenderID: "u1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			assert.True(t, errors.Is(err, ErrMalformedMessage), "got %v", err)
		})
	}
}

func TestPresenceEvent_Typing(t *testing.T) {
	assert.True(t, TypingState("open:general", "u1", true).Typing())
	assert.False(t, TypingState("open:general", "u1", false).Typing())
	assert.False(t, PresenceEvent{Action: PresenceStateChange, UserID: "u1"}.Typing())
	assert.False(t, PresenceEvent{Action: PresenceStateChange, State: &PresenceState{}}.Typing())
}
