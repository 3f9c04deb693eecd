// ABOUTME: Wire encoding shared by the networked backends
// ABOUTME: JSON payloads for messages and presence, and subject-safe channel tokens

package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-chat/internal/chat"
)

// MarshalMessage encodes msg for the wire.
func MarshalMessage(msg chat.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	return data, nil
}

// UnmarshalMessage decodes a wire message and rejects payloads missing
// required fields.
func UnmarshalMessage(data []byte) (chat.Message, error) {
	var msg chat.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %w", chat.ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// MarshalPresence encodes ev for the wire.
func MarshalPresence(ev chat.PresenceEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling presence: %w", err)
	}
	return data, nil
}

// UnmarshalPresence decodes a wire presence event.
func UnmarshalPresence(data []byte) (chat.PresenceEvent, error) {
	var ev chat.PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return chat.PresenceEvent{}, fmt.Errorf("unmarshaling presence: %w", err)
	}
	if ev.Action == "" || ev.UserID == "" {
		return chat.PresenceEvent{}, fmt.Errorf("presence event missing action or user_id")
	}
	return ev, nil
}

// ChannelToken encodes a channel name as a single token that is safe in NATS
// subjects and Redis keys. Channel ids may contain dots and slashes, which
// those namespaces treat as separators.
func ChannelToken(channel string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(channel))
}

// ParseChannelToken reverses ChannelToken and validates the channel name.
func ParseChannelToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: bad token %q", chat.ErrInvalidChannel, token)
	}
	ch, err := chat.ParseChannel(string(raw))
	if err != nil {
		return "", err
	}
	return ch.Name(), nil
}
