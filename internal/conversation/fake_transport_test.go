// ABOUTME: In-memory transport double for conversation tests
// ABOUTME: Records calls, lets tests push events and gate history responses

package conversation

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/transport"
)

type historyCall struct {
	channel string
	since   string
}

type fakeSub struct {
	channel    string
	onPresence transport.PresenceHandler
	onMessage  transport.MessageHandler

	mu           sync.Mutex
	unsubscribed int
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed++
	return nil
}

func (s *fakeSub) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed > 0
}

type fakeTransport struct {
	mu sync.Mutex

	// history answers per channel; a missing entry yields an empty page.
	history map[string]chat.HistoryPage
	// gates block History for a channel until closed.
	gates      map[string]chan struct{}
	historyErr error

	subscribeErr error
	publishErr   error
	typingErr    error

	subs      []*fakeSub
	histories []historyCall
	published []chat.Message
	typing    []chat.PresenceEvent

	// events records Subscribe/Unsubscribe/History ordering as "op:channel".
	events []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		history: make(map[string]chat.HistoryPage),
		gates:   make(map[string]chan struct{}),
	}
}

func (f *fakeTransport) setHistory(channel string, page chat.HistoryPage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[channel] = page
}

func (f *fakeTransport) gate(channel string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[channel] = g
	return g
}

func (f *fakeTransport) Subscribe(_ context.Context, channel string, onPresence transport.PresenceHandler, onMessage transport.MessageHandler) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "subscribe:"+channel)
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := &fakeSub{channel: channel, onPresence: onPresence, onMessage: onMessage}
	f.subs = append(f.subs, sub)
	return &fakeSubWrapper{fakeSub: sub, onUnsub: f.recordUnsub}, nil
}

// fakeSubWrapper records the unsubscribe in the transport's event log.
type fakeSubWrapper struct {
	*fakeSub
	onUnsub func(channel string)
}

func (w *fakeSubWrapper) Unsubscribe() error {
	w.onUnsub(w.channel)
	return w.fakeSub.Unsubscribe()
}

func (f *fakeTransport) recordUnsub(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "unsubscribe:"+channel)
}

func (f *fakeTransport) History(ctx context.Context, channel string, since string) (chat.HistoryPage, error) {
	f.mu.Lock()
	f.histories = append(f.histories, historyCall{channel: channel, since: since})
	f.events = append(f.events, "history:"+channel)
	gate := f.gates[channel]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chat.HistoryPage{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return chat.HistoryPage{}, f.historyErr
	}
	page, ok := f.history[channel]
	if !ok {
		return chat.HistoryPage{StartTimeToken: since}, nil
	}
	return page, nil
}

func (f *fakeTransport) PublishMessage(_ context.Context, _ string, msg chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeTransport) PublishTypingState(_ context.Context, channel, userID string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.typingErr != nil {
		return f.typingErr
	}
	f.typing = append(f.typing, chat.TypingState(channel, userID, isTyping))
	return nil
}

func (f *fakeTransport) Close() error { return nil }

// lastSub returns the most recent subscription handle.
func (f *fakeTransport) lastSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeTransport) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeTransport) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeTransport) publishedMessages() []chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Message, len(f.published))
	copy(out, f.published)
	return out
}

func (f *fakeTransport) typingEvents() []chat.PresenceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.PresenceEvent, len(f.typing))
	copy(out, f.typing)
	return out
}

var errBoom = errors.New("boom")
