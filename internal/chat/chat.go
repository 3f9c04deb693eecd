// ABOUTME: Domain types shared by the conversation core and every transport backend
// ABOUTME: Channel identity and naming, messages, history pages, and presence events

package chat

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

var (
	// ErrMalformedMessage is returned when a message is missing a required field.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrInvalidChannel is returned when a channel has an unknown kind or an empty id.
	ErrInvalidChannel = errors.New("invalid channel")
)

// ChannelKind distinguishes open (topic) channels from direct (person-to-person) ones.
type ChannelKind string

const (
	ChannelOpen   ChannelKind = "open"
	ChannelDirect ChannelKind = "direct"
)

// Channel identifies a conversation route in the messaging backend.
type Channel struct {
	Kind ChannelKind `json:"kind"`
	ID   string      `json:"id"`
}

// Open returns the open channel with the given id.
func Open(id string) Channel {
	return Channel{Kind: ChannelOpen, ID: normalizeID(id)}
}

// Direct returns the direct channel between self and peer. The id does not
// depend on which side builds it, so both participants resolve the same name.
func Direct(self, peer string) Channel {
	pair := []string{normalizeID(self), normalizeID(peer)}
	sort.Strings(pair)
	return Channel{Kind: ChannelDirect, ID: pair[0] + "~" + pair[1]}
}

// ParseChannel parses a transport-level name produced by Channel.Name.
func ParseChannel(name string) (Channel, error) {
	kind, id, ok := strings.Cut(name, ":")
	if !ok {
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	ch := Channel{Kind: ChannelKind(kind), ID: normalizeID(id)}
	if err := ch.Validate(); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

// Name resolves the channel to the name used on the wire, e.g. "open:general".
func (c Channel) Name() string {
	if c.IsZero() {
		return ""
	}
	return string(c.Kind) + ":" + c.ID
}

// IsZero reports whether no channel is set.
func (c Channel) IsZero() bool {
	return c.Kind == "" && c.ID == ""
}

// Validate checks the kind and id.
func (c Channel) Validate() error {
	switch c.Kind {
	case ChannelOpen, ChannelDirect:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidChannel, c.Kind)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidChannel)
	}
	return nil
}

func (c Channel) String() string {
	return c.Name()
}

// normalizeID trims whitespace, collapses duplicate slashes and strips the
// leading slash.
func normalizeID(id string) string {
	s := strings.TrimSpace(id)
	if s == "" {
		return ""
	}
	s = path.Clean("/" + s)
	return strings.TrimPrefix(s, "/")
}

// Message is a single chat message. It is immutable once created.
type Message struct {
	ID       string    `json:"id"`
	SenderID string    `json:"sender_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
	Channel  Channel   `json:"channel"`
}

// Validate rejects messages missing the fields the message log relies on.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: missing sender_id", ErrMalformedMessage)
	}
	if m.SentAt.IsZero() {
		return fmt.Errorf("%w: missing sent_at", ErrMalformedMessage)
	}
	return nil
}

// HistoryPage is one page of fetched history. StartTimeToken is an opaque
// cursor used as the watermark for the next incremental fetch.
type HistoryPage struct {
	Messages       []Message `json:"messages"`
	StartTimeToken string    `json:"start_time_token"`
}

// IsEmpty reports whether the page carries no messages.
func (p HistoryPage) IsEmpty() bool {
	return len(p.Messages) == 0
}
