// ABOUTME: Matrix transport: configured rooms act as channels, one sync loop per bus
// ABOUTME: /messages pagination tokens are history cursors; m.typing diffs become typing events

package matrixbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/transport"
)

// DefaultTypingTimeout is how long the homeserver shows us as typing after
// a typing=true notification without a refresh.
const DefaultTypingTimeout = 30 * time.Second

// ErrUnknownRoom is returned for a channel with no configured room.
var ErrUnknownRoom = errors.New("no matrix room configured for channel")

// Config configures the Matrix backend.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// Rooms maps channel names to a room id (!abc:server) or alias (#name:server).
	Rooms map[string]string

	HistoryLimit  int
	TypingTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = transport.DefaultHistoryLimit
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Bus is a transport.Transport over a Matrix homeserver.
type Bus struct {
	cfg    Config
	client *mautrix.Client
	logger *slog.Logger

	mu      sync.Mutex
	rooms   map[string]id.RoomID
	byRoom  map[id.RoomID]string
	subs    map[id.RoomID]map[*roomSub]struct{}
	typing  map[id.RoomID]map[id.UserID]struct{}
	cancel  context.CancelFunc
	syncing sync.WaitGroup
	closed  atomic.Bool
}

// New creates the client and starts the sync loop. Rooms given as aliases
// are resolved up front.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	cfg.applyDefaults()

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	client.Log = zerolog.Nop()

	b := newBus(client, cfg)
	for name, ref := range cfg.Rooms {
		roomID, err := b.resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolving room for %s: %w", name, err)
		}
		b.bindRoom(name, roomID)
	}

	if err := b.start(); err != nil {
		return nil, err
	}
	return b, nil
}

func newBus(client *mautrix.Client, cfg Config) *Bus {
	return &Bus{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger.With("component", "matrixbus"),
		rooms:  make(map[string]id.RoomID),
		byRoom: make(map[id.RoomID]string),
		subs:   make(map[id.RoomID]map[*roomSub]struct{}),
		typing: make(map[id.RoomID]map[id.UserID]struct{}),
	}
}

func (b *Bus) resolve(ctx context.Context, ref string) (id.RoomID, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "!"):
		return id.RoomID(ref), nil
	case strings.HasPrefix(ref, "#"):
		resp, err := b.client.ResolveAlias(ctx, id.RoomAlias(ref))
		if err != nil {
			return "", err
		}
		return resp.RoomID, nil
	default:
		return "", fmt.Errorf("room reference %q is neither an id nor an alias", ref)
	}
}

func (b *Bus) bindRoom(channel string, roomID id.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[channel] = roomID
	b.byRoom[roomID] = channel
}

func (b *Bus) start() error {
	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	syncer.OnEventType(event.EphemeralEventTyping, b.handleTypingEvent)
	syncer.OnEventType(event.StateMember, b.handleMemberEvent)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.syncing.Go(func() {
		if err := b.client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("matrix sync stopped", "error", err)
		}
	})
	return nil
}

func (b *Bus) roomFor(channel string) (id.RoomID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	roomID, ok := b.rooms[channel]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRoom, channel)
	}
	return roomID, nil
}

// listeners snapshots the subscriptions for a room so delivery happens
// without holding the bus lock.
func (b *Bus) listeners(roomID id.RoomID) (string, []*roomSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	channel, ok := b.byRoom[roomID]
	if !ok {
		return "", nil
	}
	return channel, slices.Collect(maps.Keys(b.subs[roomID]))
}

// Subscribe registers handlers for the channel's room. Presence reflects room
// membership and the homeserver's typing list; there is no synthetic join.
func (b *Bus) Subscribe(ctx context.Context, channel string, onPresence transport.PresenceHandler, onMessage transport.MessageHandler) (transport.Subscription, error) {
	if b.closed.Load() {
		return nil, transport.ErrClosed
	}
	roomID, err := b.roomFor(channel)
	if err != nil {
		return nil, err
	}

	sub := &roomSub{bus: b, room: roomID, onPresence: onPresence, onMessage: onMessage}
	b.mu.Lock()
	if b.subs[roomID] == nil {
		b.subs[roomID] = make(map[*roomSub]struct{})
	}
	b.subs[roomID][sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug("subscribed", "channel", channel, "room", roomID)
	return sub, nil
}

// History pages the room timeline. With no cursor it walks backward from the
// live end and returns the page oldest first; with a cursor it walks forward.
func (b *Bus) History(ctx context.Context, channel string, since string) (chat.HistoryPage, error) {
	if b.closed.Load() {
		return chat.HistoryPage{}, transport.ErrClosed
	}
	roomID, err := b.roomFor(channel)
	if err != nil {
		return chat.HistoryPage{}, err
	}

	dir := mautrix.DirectionForward
	if since == "" {
		dir = mautrix.DirectionBackward
	}
	resp, err := b.client.Messages(ctx, roomID, since, "", dir, nil, b.cfg.HistoryLimit)
	if err != nil {
		return chat.HistoryPage{}, fmt.Errorf("fetching room messages: %w", err)
	}
	return pageFromResponse(channel, since, resp, b.logger), nil
}

func pageFromResponse(channel, since string, resp *mautrix.RespMessages, logger *slog.Logger) chat.HistoryPage {
	var msgs []chat.Message
	for _, evt := range resp.Chunk {
		msg, ok, err := toMessage(channel, evt)
		if err != nil {
			logger.Debug("skipping room event", "event_id", evt.ID, "error", err)
			continue
		}
		if ok {
			msgs = append(msgs, msg)
		}
	}

	page := chat.HistoryPage{StartTimeToken: since}
	if since == "" {
		// Backward pagination returns newest first; Start marks the live end.
		slices.Reverse(msgs)
		if len(msgs) > 0 {
			page.StartTimeToken = resp.Start
		}
	} else if len(resp.Chunk) > 0 && resp.End != "" {
		page.StartTimeToken = resp.End
	}
	page.Messages = msgs
	return page
}

// PublishMessage sends the message text as m.text. The message id is the
// transaction id, so a retried publish is deduplicated by the homeserver.
func (b *Bus) PublishMessage(ctx context.Context, channel string, msg chat.Message) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	roomID, err := b.roomFor(channel)
	if err != nil {
		return err
	}

	content := &event.MessageEventContent{MsgType: event.MsgText, Body: msg.Text}
	if _, err := b.client.SendMessageEvent(ctx, roomID, event.EventMessage, content, mautrix.ReqSendEvent{TransactionID: msg.ID}); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// PublishTypingState sets the logged in user's typing flag. The homeserver
// only accepts typing for the authenticated user.
func (b *Bus) PublishTypingState(ctx context.Context, channel, userID string, isTyping bool) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	roomID, err := b.roomFor(channel)
	if err != nil {
		return err
	}
	if userID != "" && userID != b.cfg.UserID {
		b.logger.Debug("typing sent as logged in user", "requested", userID, "user_id", b.cfg.UserID)
	}
	if _, err := b.client.UserTyping(ctx, roomID, isTyping, b.cfg.TypingTimeout); err != nil {
		return fmt.Errorf("setting typing: %w", err)
	}
	return nil
}

// Channels lists the configured channel names.
func (b *Bus) Channels(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.rooms)), nil
}

// Close stops the sync loop and drops every subscription.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.cancel != nil {
		b.cancel()
		b.client.StopSync()
	}
	b.syncing.Wait()

	b.mu.Lock()
	var all []*roomSub
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[id.RoomID]map[*roomSub]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

func (b *Bus) handleMessageEvent(ctx context.Context, evt *event.Event) {
	channel, subs := b.listeners(evt.RoomID)
	if len(subs) == 0 {
		return
	}
	msg, ok, err := toMessage(channel, evt)
	if err != nil {
		b.logger.Warn("dropping room event", "event_id", evt.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	for _, sub := range subs {
		sub.message(msg)
	}
}

func (b *Bus) handleTypingEvent(ctx context.Context, evt *event.Event) {
	if err := parseContent(evt); err != nil {
		b.logger.Warn("dropping typing event", "room", evt.RoomID, "error", err)
		return
	}
	content := evt.Content.AsTyping()

	b.mu.Lock()
	prev := b.typing[evt.RoomID]
	next := make(map[id.UserID]struct{}, len(content.UserIDs))
	for _, u := range content.UserIDs {
		next[u] = struct{}{}
	}
	b.typing[evt.RoomID] = next
	b.mu.Unlock()

	channel, subs := b.listeners(evt.RoomID)
	if len(subs) == 0 {
		return
	}
	for _, ev := range typingChanges(channel, prev, next) {
		for _, sub := range subs {
			sub.presence(ev)
		}
	}
}

func (b *Bus) handleMemberEvent(ctx context.Context, evt *event.Event) {
	channel, subs := b.listeners(evt.RoomID)
	if len(subs) == 0 {
		return
	}
	if err := parseContent(evt); err != nil {
		b.logger.Warn("dropping member event", "room", evt.RoomID, "error", err)
		return
	}
	ev, ok := membershipEvent(channel, evt)
	if !ok {
		return
	}
	for _, sub := range subs {
		sub.presence(ev)
	}
}

// parseContent parses raw content for events that did not come through the
// syncer, such as /messages results.
func parseContent(evt *event.Event) error {
	if evt.Content.Parsed != nil {
		return nil
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		return err
	}
	return nil
}

// toMessage converts a room event to a chat message. ok is false for events
// that are not text messages.
func toMessage(channel string, evt *event.Event) (chat.Message, bool, error) {
	if evt.Type != event.EventMessage {
		return chat.Message{}, false, nil
	}
	if err := parseContent(evt); err != nil {
		return chat.Message{}, false, err
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return chat.Message{}, false, nil
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	default:
		return chat.Message{}, false, nil
	}

	ch, err := chat.ParseChannel(channel)
	if err != nil {
		return chat.Message{}, false, err
	}
	msg := chat.Message{
		ID:       evt.ID.String(),
		SenderID: evt.Sender.String(),
		Text:     content.Body,
		SentAt:   time.UnixMilli(evt.Timestamp).UTC(),
		Channel:  ch,
	}
	if err := msg.Validate(); err != nil {
		return chat.Message{}, false, err
	}
	return msg, true, nil
}

// typingChanges turns two typing lists into state-change events, additions
// first, each group sorted by user id.
func typingChanges(channel string, prev, next map[id.UserID]struct{}) []chat.PresenceEvent {
	var started, stopped []string
	for u := range next {
		if _, ok := prev[u]; !ok {
			started = append(started, u.String())
		}
	}
	for u := range prev {
		if _, ok := next[u]; !ok {
			stopped = append(stopped, u.String())
		}
	}
	slices.Sort(started)
	slices.Sort(stopped)

	events := make([]chat.PresenceEvent, 0, len(started)+len(stopped))
	for _, u := range started {
		events = append(events, chat.TypingState(channel, u, true))
	}
	for _, u := range stopped {
		events = append(events, chat.TypingState(channel, u, false))
	}
	return events
}

func membershipEvent(channel string, evt *event.Event) (chat.PresenceEvent, bool) {
	if evt.StateKey == nil || *evt.StateKey == "" {
		return chat.PresenceEvent{}, false
	}
	member := evt.Content.AsMember()

	var action chat.PresenceAction
	switch member.Membership {
	case event.MembershipJoin:
		action = chat.PresenceJoin
	case event.MembershipLeave, event.MembershipBan:
		action = chat.PresenceLeave
	default:
		return chat.PresenceEvent{}, false
	}
	return chat.PresenceEvent{
		Action:    action,
		UserID:    *evt.StateKey,
		Channel:   channel,
		Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
	}, true
}

// roomSub is one subscription. Sync callbacks run on the single sync
// goroutine, so deliveries for a subscription are already ordered.
type roomSub struct {
	bus        *Bus
	room       id.RoomID
	onPresence transport.PresenceHandler
	onMessage  transport.MessageHandler

	mu     sync.Mutex
	closed bool
}

func (s *roomSub) message(msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.onMessage == nil {
		return
	}
	s.onMessage(msg)
}

func (s *roomSub) presence(ev chat.PresenceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.onPresence == nil {
		return
	}
	s.onPresence(ev)
}

func (s *roomSub) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *roomSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs[s.room], s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}
