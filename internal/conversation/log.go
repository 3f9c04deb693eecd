// ABOUTME: Immutable ordered message log and idempotent real-time ingestion
// ABOUTME: Messages are ordered by SentAt ascending, ties kept in arrival order

package conversation

import (
	"fmt"
	"sort"

	"github.com/2389/coven-chat/internal/chat"
)

// MessageLog is an ordered, duplicate-free sequence of messages. A MessageLog
// is never modified in place: Ingest and Merge return a new log and leave the
// receiver untouched, so a log held by a published State stays stable.
type MessageLog struct {
	messages []chat.Message
	ids      map[string]struct{}
}

// NewMessageLog builds a log from arbitrary messages, dropping malformed
// entries and duplicate ids (first occurrence wins).
func NewMessageLog(msgs ...chat.Message) MessageLog {
	var log MessageLog
	for _, m := range msgs {
		if next, err := log.Ingest(m); err == nil {
			log = next
		}
	}
	return log
}

// Len returns the number of messages.
func (l MessageLog) Len() int {
	return len(l.messages)
}

// Contains reports whether a message with the given id is in the log.
func (l MessageLog) Contains(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Messages returns a copy of the ordered messages.
func (l MessageLog) Messages() []chat.Message {
	out := make([]chat.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// IDs returns message ids in log order.
func (l MessageLog) IDs() []string {
	out := make([]string, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.ID
	}
	return out
}

// Last returns the newest message.
func (l MessageLog) Last() (chat.Message, bool) {
	if len(l.messages) == 0 {
		return chat.Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}

// Ingest returns a log with msg inserted at its ordered position. A message
// whose id is already present is a no-op and the same log is returned.
// Messages missing required fields are rejected with chat.ErrMalformedMessage.
func (l MessageLog) Ingest(msg chat.Message) (MessageLog, error) {
	if err := msg.Validate(); err != nil {
		return l, fmt.Errorf("ingesting message: %w", err)
	}
	if l.Contains(msg.ID) {
		return l, nil
	}

	// Insert after every message sent at or before msg so equal timestamps
	// keep arrival order.
	i := sort.Search(len(l.messages), func(i int) bool {
		return l.messages[i].SentAt.After(msg.SentAt)
	})

	msgs := make([]chat.Message, 0, len(l.messages)+1)
	msgs = append(msgs, l.messages[:i]...)
	msgs = append(msgs, msg)
	msgs = append(msgs, l.messages[i:]...)

	return MessageLog{messages: msgs, ids: l.withID(msg.ID)}, nil
}

// Ingest appends a single real-time message to log. See MessageLog.Ingest.
func Ingest(log MessageLog, msg chat.Message) (MessageLog, error) {
	return log.Ingest(msg)
}

// withID returns a copy of the id set including id.
func (l MessageLog) withID(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(l.ids)+len(ids))
	for id := range l.ids {
		out[id] = struct{}{}
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
