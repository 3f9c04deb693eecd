// ABOUTME: Tests for the message log and history merge
// ABOUTME: Covers ordering, duplicate suppression, watermark guard and idempotence

package conversation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/chat"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id string, offset time.Duration) chat.Message {
	return chat.Message{
		ID:       id,
		SenderID: "alice",
		Text:     "text " + id,
		SentAt:   baseTime.Add(offset),
		Channel:  chat.Open("general"),
	}
}

func TestIngest_AppendsInTimestampOrder(t *testing.T) {
	log := NewMessageLog()

	var err error
	log, err = log.Ingest(msgAt("m2", 2*time.Second))
	require.NoError(t, err)
	log, err = log.Ingest(msgAt("m1", time.Second))
	require.NoError(t, err)
	log, err = log.Ingest(msgAt("m3", 3*time.Second))
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2", "m3"}, log.IDs())
}

func TestIngest_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	log := NewMessageLog(msgAt("a", 0), msgAt("b", 0), msgAt("c", 0))
	assert.Equal(t, []string{"a", "b", "c"}, log.IDs())
}

func TestIngest_DuplicateIsNoOp(t *testing.T) {
	log := NewMessageLog(msgAt("m1", 0))

	next, err := Ingest(log, msgAt("m1", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, next.Len())
	assert.Equal(t, baseTime, next.Messages()[0].SentAt, "first occurrence wins")
}

func TestIngest_RejectsMalformed(t *testing.T) {
	log := NewMessageLog()

	tests := []struct {
		name string
		msg  chat.Message
	}{
		{"missing id", chat.Message{SenderID: "a", SentAt: baseTime}},
		{"missing sender", chat.Message{ID: "x", SentAt: baseTime}},
		{"missing timestamp", chat.Message{ID: "x", SenderID: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := log.Ingest(tt.msg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, chat.ErrMalformedMessage))
			assert.Equal(t, 0, next.Len())
		})
	}
}

func TestIngest_DoesNotMutateReceiver(t *testing.T) {
	log := NewMessageLog(msgAt("m1", 0))
	_, err := log.Ingest(msgAt("m2", time.Second))
	require.NoError(t, err)

	assert.Equal(t, 1, log.Len())
	assert.False(t, log.Contains("m2"))
}

func TestMessages_ReturnsCopy(t *testing.T) {
	log := NewMessageLog(msgAt("m1", 0))
	msgs := log.Messages()
	msgs[0].Text = "changed"

	assert.Equal(t, "text m1", log.Messages()[0].Text)
}

func TestLast(t *testing.T) {
	_, ok := NewMessageLog().Last()
	assert.False(t, ok)

	last, ok := NewMessageLog(msgAt("m1", 0), msgAt("m2", time.Second)).Last()
	require.True(t, ok)
	assert.Equal(t, "m2", last.ID)
}

func TestMerge_UnionsByID(t *testing.T) {
	log := NewMessageLog(msgAt("m2", 2*time.Second))
	page := chat.HistoryPage{
		Messages:       []chat.Message{msgAt("m1", time.Second), msgAt("m2", 2*time.Second), msgAt("m3", 3*time.Second)},
		StartTimeToken: "tok1",
	}

	merged, wm, applied := Merge(log, InitialWatermark, page)
	require.True(t, applied)
	assert.Equal(t, "tok1", wm)
	assert.Equal(t, []string{"m1", "m2", "m3"}, merged.IDs())
}

func TestMerge_EmptyPageIsNoOp(t *testing.T) {
	log := NewMessageLog(msgAt("m1", 0))

	merged, wm, applied := Merge(log, "tok1", chat.HistoryPage{StartTimeToken: "tok2"})
	assert.False(t, applied)
	assert.Equal(t, "tok1", wm)
	assert.Equal(t, log.IDs(), merged.IDs())
}

func TestMerge_SameTokenIsNoOp(t *testing.T) {
	log := NewMessageLog(msgAt("m1", 0))
	page := chat.HistoryPage{
		Messages:       []chat.Message{msgAt("m9", time.Minute)},
		StartTimeToken: "tok1",
	}

	merged, wm, applied := Merge(log, "tok1", page)
	assert.False(t, applied)
	assert.Equal(t, "tok1", wm)
	assert.False(t, merged.Contains("m9"))
}

func TestMerge_IsIdempotent(t *testing.T) {
	page := chat.HistoryPage{
		Messages:       []chat.Message{msgAt("m1", 0), msgAt("m2", time.Second)},
		StartTimeToken: "tok1",
	}

	once, wm, _ := Merge(NewMessageLog(), InitialWatermark, page)
	twice, wm2, applied := Merge(once, wm, page)

	assert.False(t, applied)
	assert.Equal(t, wm, wm2)
	assert.Equal(t, once.IDs(), twice.IDs())
}

func TestMerge_DropsMalformedEntries(t *testing.T) {
	page := chat.HistoryPage{
		Messages:       []chat.Message{msgAt("m1", 0), {ID: "bad"}},
		StartTimeToken: "tok1",
	}

	merged, _, applied := Merge(NewMessageLog(), InitialWatermark, page)
	require.True(t, applied)
	assert.Equal(t, []string{"m1"}, merged.IDs())
}

func TestMerge_InterleavesWithLiveMessages(t *testing.T) {
	// A live message arrived before history covering earlier messages.
	log := NewMessageLog(msgAt("live", 10*time.Second))
	page := chat.HistoryPage{
		Messages:       []chat.Message{msgAt("old1", time.Second), msgAt("old2", 2*time.Second)},
		StartTimeToken: "tok1",
	}

	merged, _, applied := Merge(log, InitialWatermark, page)
	require.True(t, applied)
	assert.Equal(t, []string{"old1", "old2", "live"}, merged.IDs())
}
