// ABOUTME: Tests for the per-subscription dispatcher
// ABOUTME: Covers typing timeouts, explicit stops, serialization and close

package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/chat"
)

type recorder struct {
	mu       sync.Mutex
	presence []chat.PresenceEvent
	messages []chat.Message
}

func (r *recorder) onPresence(ev chat.PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = append(r.presence, ev)
}

func (r *recorder) onMessage(m chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) actions() []chat.PresenceAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.PresenceAction, len(r.presence))
	for i, ev := range r.presence {
		out[i] = ev.Action
	}
	return out
}

func TestDispatcher_TypingTimesOut(t *testing.T) {
	var r recorder
	d := NewDispatcher("open:general", 30*time.Millisecond, r.onPresence, r.onMessage)
	defer d.Close()

	d.Presence(chat.TypingState("open:general", "bob", true))

	require.Eventually(t, func() bool { return len(r.actions()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []chat.PresenceAction{chat.PresenceStateChange, chat.PresenceTimeout}, r.actions())

	r.mu.Lock()
	timeout := r.presence[1]
	r.mu.Unlock()
	assert.Equal(t, "bob", timeout.UserID)
	assert.Equal(t, "open:general", timeout.Channel)
}

func TestDispatcher_StopTypingCancelsTimeout(t *testing.T) {
	var r recorder
	d := NewDispatcher("open:general", 30*time.Millisecond, r.onPresence, r.onMessage)
	defer d.Close()

	d.Presence(chat.TypingState("open:general", "bob", true))
	d.Presence(chat.TypingState("open:general", "bob", false))

	assert.Never(t, func() bool { return len(r.actions()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestDispatcher_LeaveCancelsTimeout(t *testing.T) {
	var r recorder
	d := NewDispatcher("open:general", 30*time.Millisecond, r.onPresence, r.onMessage)
	defer d.Close()

	d.Presence(chat.TypingState("open:general", "bob", true))
	d.Presence(chat.PresenceEvent{Action: chat.PresenceLeave, UserID: "bob"})

	assert.Never(t, func() bool { return len(r.actions()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestDispatcher_FillsChannel(t *testing.T) {
	var r recorder
	d := NewDispatcher("open:general", time.Minute, r.onPresence, nil)
	defer d.Close()

	d.Presence(chat.PresenceEvent{Action: chat.PresenceJoin, UserID: "bob"})
	d.Message(chat.Message{ID: "m1"}) // nil handler is ignored

	require.Len(t, r.presence, 1)
	assert.Equal(t, "open:general", r.presence[0].Channel)
}

func TestDispatcher_SerializesHandlers(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	track := func() {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
	}

	d := NewDispatcher("open:general", time.Minute,
		func(chat.PresenceEvent) { track() },
		func(chat.Message) { track() })
	defer d.Close()

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			for range 5 {
				d.Message(chat.Message{ID: "m"})
			}
		})
		wg.Go(func() {
			for range 5 {
				d.Presence(chat.PresenceEvent{Action: chat.PresenceJoin, UserID: "u"})
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestDispatcher_DropsAfterClose(t *testing.T) {
	var r recorder
	d := NewDispatcher("open:general", time.Minute, r.onPresence, r.onMessage)
	d.Close()

	d.Message(chat.Message{ID: "m1"})
	d.Presence(chat.PresenceEvent{Action: chat.PresenceJoin, UserID: "bob"})

	assert.Empty(t, r.messages)
	assert.Empty(t, r.presence)
}
