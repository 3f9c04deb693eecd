// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/2389/coven-chat/internal/chat"
)

type mockRow struct {
	seq int64
	msg chat.Message
}

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	seq     int64
	rows    map[string][]mockRow           // keyed by channel
	ids     map[string]map[string]struct{} // channel -> message id
	saveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		rows: make(map[string][]mockRow),
		ids:  make(map[string]map[string]struct{}),
	}
}

// FailSaves makes every later SaveMessage return err. Pass nil to reset.
func (m *MockStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// SaveMessage stores a message.
func (m *MockStore) SaveMessage(_ context.Context, channel string, msg chat.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return false, m.saveErr
	}
	if channel == "" {
		return false, errors.New("channel required")
	}
	if err := msg.Validate(); err != nil {
		return false, err
	}

	if _, ok := m.ids[channel]; !ok {
		m.ids[channel] = make(map[string]struct{})
	}
	if _, dup := m.ids[channel][msg.ID]; dup {
		return false, nil
	}

	m.seq++
	m.ids[channel][msg.ID] = struct{}{}
	m.rows[channel] = append(m.rows[channel], mockRow{seq: m.seq, msg: msg})
	return true, nil
}

// ListMessages pages a channel's messages with the same semantics as SQLiteStore.
func (m *MockStore) ListMessages(_ context.Context, p ListParams) (*Page, error) {
	if p.Channel == "" {
		return nil, errors.New("channel required")
	}
	limit := clampLimit(p.Limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.rows[p.Channel]
	var selected []mockRow
	if p.Since == "" {
		start := max(len(rows)-limit, 0)
		selected = rows[start:]
	} else {
		after, err := decodeCursor(p.Since)
		if err != nil {
			return nil, err
		}
		i := sort.Search(len(rows), func(i int) bool { return rows[i].seq > after })
		end := min(i+limit, len(rows))
		selected = rows[i:end]
	}

	ch, _ := chat.ParseChannel(p.Channel)
	page := &Page{Cursor: p.Since}
	for _, r := range selected {
		msg := r.msg
		msg.Channel = ch
		page.Messages = append(page.Messages, msg)
	}
	if len(selected) > 0 {
		page.Cursor = encodeCursor(selected[len(selected)-1].seq)
	}
	return page, nil
}

// ListChannels returns the channels holding messages.
func (m *MockStore) ListChannels(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.rows))
	for ch := range m.rows {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
