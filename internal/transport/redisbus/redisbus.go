// ABOUTME: Redis transport: one stream per channel for messages, pub/sub for presence
// ABOUTME: Stream entry ids serve as history cursors; XREAD drives live delivery

package redisbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/transport"
)

const (
	DefaultAddr      = "localhost:6379"
	DefaultKeyPrefix = "coven:chat"
	DefaultMaxLen    = 10000

	// dedupeTTL is how long a published message id blocks republishing.
	dedupeTTL = 2 * time.Minute

	readBlock = 5 * time.Second
	readCount = 100

	payloadField = "data"
)

// ErrInvalidCursor is returned for a history cursor that is not a stream id.
var ErrInvalidCursor = errors.New("invalid redis cursor")

// Config configures the Redis backend.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	MaxLen    int64

	UserID        string
	HistoryLimit  int
	TypingTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	c.KeyPrefix = strings.Trim(c.KeyPrefix, ":")
	if c.MaxLen <= 0 {
		c.MaxLen = DefaultMaxLen
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = transport.DefaultHistoryLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type keys struct {
	prefix string
}

func (k keys) stream(channel string) string {
	return k.prefix + ":msg:" + transport.ChannelToken(channel)
}

func (k keys) presence(channel string) string {
	return k.prefix + ":presence:" + transport.ChannelToken(channel)
}

func (k keys) dedupe(channel, messageID string) string {
	return k.prefix + ":seen:" + transport.ChannelToken(channel) + ":" + messageID
}

func (k keys) channels() string {
	return k.prefix + ":channels"
}

// Bus is a transport.Transport over Redis.
type Bus struct {
	cfg    Config
	rdb    *redis.Client
	keys   keys
	ownsDB bool
	logger *slog.Logger
	closed atomic.Bool
}

// Connect creates a client and verifies the server answers.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	cfg.applyDefaults()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	bus := New(rdb, cfg)
	bus.ownsDB = true
	bus.logger.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return bus, nil
}

// New creates a bus over an existing client.
func New(rdb *redis.Client, cfg Config) *Bus {
	cfg.applyDefaults()
	return &Bus{
		cfg:    cfg,
		rdb:    rdb,
		keys:   keys{prefix: cfg.KeyPrefix},
		logger: cfg.Logger.With("component", "transport", "backend", "redis"),
	}
}

type subscription struct {
	bus        *Bus
	channel    string
	dispatcher *transport.Dispatcher
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
	err        error
}

// Subscribe starts live delivery for channel. Only messages added after the
// call are delivered.
func (b *Bus) Subscribe(ctx context.Context, channel string, onPresence transport.PresenceHandler, onMessage transport.MessageHandler) (transport.Subscription, error) {
	if b.closed.Load() {
		return nil, transport.ErrClosed
	}
	ch, err := chat.ParseChannel(channel)
	if err != nil {
		return nil, err
	}

	// Start reading after the current tail so history and live never overlap
	// at the subscription point.
	lastID := "0-0"
	tail, err := b.rdb.XRevRangeN(ctx, b.keys.stream(channel), "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading stream tail: %w", err)
	}
	if len(tail) > 0 {
		lastID = tail[0].ID
	}

	pubsub := b.rdb.Subscribe(ctx, b.keys.presence(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to presence: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		bus:        b,
		channel:    channel,
		dispatcher: transport.NewDispatcher(channel, b.cfg.TypingTimeout, onPresence, onMessage),
		pubsub:     pubsub,
		cancel:     cancel,
	}

	sub.wg.Go(func() { sub.readPresence() })
	// The stream reader exits after its current blocking XREAD returns; the
	// closed dispatcher drops anything it reads in the meantime.
	go sub.readMessages(subCtx, ch, lastID)

	b.announce(ctx, channel, chat.PresenceJoin)
	b.logger.Debug("subscribed", "channel", channel, "after", lastID)
	return sub, nil
}

func (s *subscription) readPresence() {
	for m := range s.pubsub.Channel() {
		ev, err := transport.UnmarshalPresence([]byte(m.Payload))
		if err != nil {
			s.bus.logger.Warn("dropping malformed presence", "channel", s.channel, "error", err)
			continue
		}
		s.dispatcher.Presence(ev)
	}
}

func (s *subscription) readMessages(ctx context.Context, ch chat.Channel, lastID string) {
	key := s.bus.keys.stream(s.channel)
	for {
		streams, err := s.bus.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   readCount,
			Block:   readBlock,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			s.bus.logger.Warn("reading stream", "channel", s.channel, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				msg, err := decodeEntry(entry)
				if err != nil {
					s.bus.logger.Warn("dropping malformed message", "channel", s.channel, "entry_id", entry.ID, "error", err)
					continue
				}
				msg.Channel = ch
				s.dispatcher.Message(msg)
			}
		}
	}
}

// Unsubscribe stops both readers and announces leave.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		if err := s.pubsub.Close(); err != nil {
			s.err = fmt.Errorf("closing presence subscription: %w", err)
		}
		s.wg.Wait()
		s.dispatcher.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.bus.announce(ctx, s.channel, chat.PresenceLeave)
		s.bus.logger.Debug("unsubscribed", "channel", s.channel)
	})
	return s.err
}

func (b *Bus) announce(ctx context.Context, channel string, action chat.PresenceAction) {
	if b.cfg.UserID == "" || b.closed.Load() {
		return
	}
	data, err := transport.MarshalPresence(chat.PresenceEvent{
		Action:    action,
		UserID:    b.cfg.UserID,
		Channel:   channel,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, b.keys.presence(channel), data).Err(); err != nil {
		b.logger.Warn("announcing presence", "channel", channel, "action", action, "error", err)
	}
}

// History reads a page from the channel stream.
func (b *Bus) History(ctx context.Context, channel string, since string) (chat.HistoryPage, error) {
	if b.closed.Load() {
		return chat.HistoryPage{}, transport.ErrClosed
	}
	ch, err := chat.ParseChannel(channel)
	if err != nil {
		return chat.HistoryPage{}, err
	}
	key := b.keys.stream(channel)
	limit := int64(b.cfg.HistoryLimit)

	var entries []redis.XMessage
	if since == "" {
		entries, err = b.rdb.XRevRangeN(ctx, key, "+", "-", limit).Result()
		slices.Reverse(entries)
	} else {
		if err := validateCursor(since); err != nil {
			return chat.HistoryPage{}, err
		}
		entries, err = b.rdb.XRangeN(ctx, key, "("+since, "+", limit).Result()
	}
	if err != nil {
		return chat.HistoryPage{}, fmt.Errorf("reading history: %w", err)
	}

	page := chat.HistoryPage{StartTimeToken: since}
	for _, entry := range entries {
		msg, err := decodeEntry(entry)
		if err != nil {
			b.logger.Warn("skipping malformed history entry", "channel", channel, "entry_id", entry.ID, "error", err)
			continue
		}
		msg.Channel = ch
		page.Messages = append(page.Messages, msg)
	}
	if len(entries) > 0 {
		page.StartTimeToken = entries[len(entries)-1].ID
	}
	return page, nil
}

// PublishMessage appends msg to the channel stream unless its id was
// published recently.
func (b *Bus) PublishMessage(ctx context.Context, channel string, msg chat.Message) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	ch, err := chat.ParseChannel(channel)
	if err != nil {
		return err
	}
	msg.Channel = ch

	data, err := transport.MarshalMessage(msg)
	if err != nil {
		return err
	}

	fresh, err := b.rdb.SetNX(ctx, b.keys.dedupe(channel, msg.ID), 1, dedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("checking duplicate: %w", err)
	}
	if !fresh {
		b.logger.Debug("duplicate message not republished", "channel", channel, "message_id", msg.ID)
		return nil
	}

	pipe := b.rdb.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.keys.stream(channel),
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{payloadField: data},
	})
	pipe.SAdd(ctx, b.keys.channels(), channel)
	if _, err := pipe.Exec(ctx); err != nil {
		b.rdb.Del(context.WithoutCancel(ctx), b.keys.dedupe(channel, msg.ID))
		return fmt.Errorf("publishing message: %w", err)
	}

	b.logger.Debug("message published", "channel", channel, "message_id", msg.ID, "entry_id", add.Val())
	return nil
}

// PublishTypingState broadcasts a typing state-change on the presence channel.
func (b *Bus) PublishTypingState(ctx context.Context, channel, userID string, isTyping bool) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	if _, err := chat.ParseChannel(channel); err != nil {
		return err
	}

	data, err := transport.MarshalPresence(chat.TypingState(channel, userID, isTyping))
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.keys.presence(channel), data).Err(); err != nil {
		return fmt.Errorf("publishing typing state: %w", err)
	}
	return nil
}

// Channels lists every channel a message was published to.
func (b *Bus) Channels(ctx context.Context) ([]string, error) {
	channels, err := b.rdb.SMembers(ctx, b.keys.channels()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	slices.Sort(channels)
	return channels, nil
}

// Close closes the client if this bus created it.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.ownsDB {
		return b.rdb.Close()
	}
	return nil
}

func decodeEntry(entry redis.XMessage) (chat.Message, error) {
	raw, ok := entry.Values[payloadField]
	if !ok {
		return chat.Message{}, fmt.Errorf("%w: entry has no %q field", chat.ErrMalformedMessage, payloadField)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return chat.Message{}, fmt.Errorf("%w: unexpected payload type %T", chat.ErrMalformedMessage, raw)
	}
	return transport.UnmarshalMessage(data)
}

// validateCursor accepts stream ids of the form <ms>-<seq>.
func validateCursor(cursor string) error {
	ms, seq, ok := strings.Cut(cursor, "-")
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return nil
}

var _ transport.Transport = (*Bus)(nil)
