// ABOUTME: Store interface and data types for the local chat message ledger
// ABOUTME: Messages are appended per channel and paged by an opaque sequence cursor

package store

import (
	"context"
	"errors"

	"github.com/2389/coven-chat/internal/chat"
)

// ErrInvalidCursor is returned when a cursor was not produced by this store.
var ErrInvalidCursor = errors.New("invalid cursor")

const (
	// DefaultPageLimit is used when a caller passes no limit.
	DefaultPageLimit = 50

	// MaxPageLimit caps a single page.
	MaxPageLimit = 500
)

// ListParams selects a page of a channel's messages.
type ListParams struct {
	Channel string // Required: channel name, e.g. "open:general"
	Since   string // Cursor from a previous page; empty for the newest page
	Limit   int    // 1-500, defaults to 50
}

// Page is one page of messages, oldest first.
type Page struct {
	Messages []chat.Message
	// Cursor points at the newest message of the page, or echoes Since when
	// the page is empty.
	Cursor string
}

// Store persists chat messages.
type Store interface {
	// SaveMessage appends msg to its channel. It reports false when a message
	// with the same id already exists in that channel.
	SaveMessage(ctx context.Context, channel string, msg chat.Message) (bool, error)

	// ListMessages returns the newest Limit messages when Since is empty and
	// otherwise up to Limit messages strictly after Since.
	ListMessages(ctx context.Context, p ListParams) (*Page, error)

	// ListChannels returns every channel with at least one message, sorted.
	ListChannels(ctx context.Context) ([]string, error)

	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	return min(limit, MaxPageLimit)
}
