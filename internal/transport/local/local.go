// ABOUTME: In-process transport backed by the SQLite message ledger
// ABOUTME: Messages fan out to per-subscription mailboxes, presence through a broadcaster

package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/transport"
)

// Config configures the local transport.
type Config struct {
	// UserID announces join and leave for this user on subscribe and unsubscribe.
	UserID string

	// HistoryLimit is the page size for History.
	HistoryLimit int

	// TypingTimeout expires typing users that stop refreshing their state.
	TypingTimeout time.Duration

	Logger *slog.Logger
}

// Transport delivers messages between subscribers in the same process and
// persists them in a store.Store. Message delivery is lossless and every
// subscriber sees messages in store order; presence may drop for a subscriber
// that falls behind.
type Transport struct {
	store         store.Store
	presence      *broadcast.Broadcaster[chat.PresenceEvent]
	userID        string
	historyLimit  int
	typingTimeout time.Duration
	logger        *slog.Logger
	closed        atomic.Bool

	// pubMu orders store inserts and fan-out together.
	pubMu sync.Mutex

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

// New creates a local transport over s. The transport owns s and closes it.
func New(s store.Store, cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = transport.DefaultHistoryLimit
	}
	return &Transport{
		store:         s,
		presence:      broadcast.New[chat.PresenceEvent](broadcast.DefaultBufferSize, logger),
		userID:        cfg.UserID,
		historyLimit:  limit,
		typingTimeout: cfg.TypingTimeout,
		logger:        logger.With("component", "transport", "backend", "local"),
		subs:          make(map[string]map[*subscription]struct{}),
	}
}

type subscription struct {
	t          *Transport
	channel    string
	mailbox    *mailbox
	dispatcher *transport.Dispatcher
	cancel     context.CancelFunc
	pumpDone   chan struct{}
	once       sync.Once
}

// Subscribe registers handlers for channel. Handlers are never called
// concurrently.
func (t *Transport) Subscribe(ctx context.Context, channel string, onPresence transport.PresenceHandler, onMessage transport.MessageHandler) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	if _, err := chat.ParseChannel(channel); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The subscription outlives the request context.
	subCtx, cancel := context.WithCancel(context.Background())
	pres, presID := t.presence.Subscribe(subCtx, channel)

	sub := &subscription{
		t:          t,
		channel:    channel,
		mailbox:    newMailbox(),
		dispatcher: transport.NewDispatcher(channel, t.typingTimeout, onPresence, onMessage),
		cancel:     cancel,
		pumpDone:   make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		cancel()
		return nil, transport.ErrClosed
	}
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[*subscription]struct{})
	}
	t.subs[channel][sub] = struct{}{}
	t.mu.Unlock()

	go sub.pump(subCtx, pres)

	if t.userID != "" {
		t.presence.Publish(channel, chat.PresenceEvent{
			Action:    chat.PresenceJoin,
			UserID:    t.userID,
			Channel:   channel,
			Timestamp: time.Now().UTC(),
		}, presID)
	}

	t.logger.Debug("subscribed", "channel", channel)
	return sub, nil
}

func (s *subscription) pump(ctx context.Context, pres <-chan chat.PresenceEvent) {
	defer close(s.pumpDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.mailbox.ready():
			for _, msg := range s.mailbox.take() {
				if ctx.Err() != nil {
					return
				}
				s.dispatcher.Message(msg)
			}
		case ev, ok := <-pres:
			if !ok {
				pres = nil
				continue
			}
			s.dispatcher.Presence(ev)
		}
	}
}

// Unsubscribe stops delivery and announces leave.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs[s.channel], s)
		if len(s.t.subs[s.channel]) == 0 {
			delete(s.t.subs, s.channel)
		}
		s.t.mu.Unlock()

		s.cancel()
		<-s.pumpDone
		s.dispatcher.Close()
		if s.t.userID != "" {
			s.t.presence.Publish(s.channel, chat.PresenceEvent{
				Action:    chat.PresenceLeave,
				UserID:    s.t.userID,
				Channel:   s.channel,
				Timestamp: time.Now().UTC(),
			}, "")
		}
		s.t.logger.Debug("unsubscribed", "channel", s.channel)
	})
	return nil
}

// History returns a page of stored messages for channel.
func (t *Transport) History(ctx context.Context, channel string, since string) (chat.HistoryPage, error) {
	if t.closed.Load() {
		return chat.HistoryPage{}, transport.ErrClosed
	}
	page, err := t.store.ListMessages(ctx, store.ListParams{
		Channel: channel,
		Since:   since,
		Limit:   t.historyLimit,
	})
	if err != nil {
		return chat.HistoryPage{}, fmt.Errorf("listing messages: %w", err)
	}
	return chat.HistoryPage{Messages: page.Messages, StartTimeToken: page.Cursor}, nil
}

// PublishMessage stores msg and delivers it to live subscribers of channel.
// Republishing a stored id is accepted but not delivered again.
func (t *Transport) PublishMessage(ctx context.Context, channel string, msg chat.Message) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	ch, err := chat.ParseChannel(channel)
	if err != nil {
		return err
	}
	msg.Channel = ch

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	inserted, err := t.store.SaveMessage(ctx, channel, msg)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	if !inserted {
		t.logger.Debug("duplicate message not redelivered", "channel", channel, "message_id", msg.ID)
		return nil
	}

	t.mu.Lock()
	for sub := range t.subs[channel] {
		sub.mailbox.put(msg)
	}
	n := len(t.subs[channel])
	t.mu.Unlock()

	t.logger.Debug("message published", "channel", channel, "message_id", msg.ID, "delivered", n)
	return nil
}

// PublishTypingState delivers a typing state-change to live subscribers.
func (t *Transport) PublishTypingState(ctx context.Context, channel, userID string, isTyping bool) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := chat.ParseChannel(channel); err != nil {
		return err
	}
	t.presence.Publish(channel, chat.TypingState(channel, userID, isTyping), "")
	return nil
}

// Channels lists the channels that have stored messages.
func (t *Transport) Channels(ctx context.Context) ([]string, error) {
	return t.store.ListChannels(ctx)
}

// Close stops all subscriptions and closes the store.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	for _, set := range t.subs {
		for sub := range set {
			sub.cancel()
		}
	}
	t.mu.Unlock()

	t.presence.Close()
	return t.store.Close()
}

var _ transport.Transport = (*Transport)(nil)
