// ABOUTME: NATS JetStream transport: messages on a stream, presence on core subjects
// ABOUTME: History pages come from ordered consumers; the stream sequence is the cursor

package natsbus

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

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/transport"
)

const (
	DefaultURL           = nats.DefaultURL
	DefaultStream        = "COVEN_CHAT"
	DefaultSubjectPrefix = "coven.chat"
	DefaultMaxAge        = 7 * 24 * time.Hour

	// duplicateWindow is how long JetStream remembers message ids for
	// publish deduplication.
	duplicateWindow = 2 * time.Minute

	// scanBatch is the fetch size used while scanning for the newest page.
	scanBatch = 256

	setupTimeout = 5 * time.Second
)

// ErrInvalidCursor is returned for a history cursor this backend did not issue.
var ErrInvalidCursor = errors.New("invalid nats cursor")

// Config configures the NATS backend.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration

	UserID        string
	HistoryLimit  int
	TypingTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	c.SubjectPrefix = strings.Trim(c.SubjectPrefix, ".")
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = transport.DefaultHistoryLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Bus is a transport.Transport over NATS JetStream.
type Bus struct {
	cfg    Config
	nc     *nats.Conn
	js     jetstream.JetStream
	ownsNC bool
	logger *slog.Logger
	closed atomic.Bool
}

// Connect dials the NATS server and prepares the message stream.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	cfg.applyDefaults()
	logger := cfg.Logger.With("component", "transport", "backend", "nats")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("coven-chat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from nats", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}

	bus, err := New(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	bus.ownsNC = true
	return bus, nil
}

// New creates a bus over an existing connection and ensures the stream exists.
func New(ctx context.Context, nc *nats.Conn, cfg Config) (*Bus, error) {
	cfg.applyDefaults()

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(setupCtx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Chat messages",
		Subjects:    []string{messageFilter(cfg.SubjectPrefix)},
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Duplicates:  duplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("creating stream %q: %w", cfg.Stream, err)
	}

	logger := cfg.Logger.With("component", "transport", "backend", "nats")
	logger.Info("nats stream ready",
		"stream", stream.CachedInfo().Config.Name,
		"subjects", stream.CachedInfo().Config.Subjects)

	return &Bus{cfg: cfg, nc: nc, js: js, logger: logger}, nil
}

func messageFilter(prefix string) string {
	return prefix + ".msg.>"
}

func messageSubject(prefix, channel string) string {
	return prefix + ".msg." + transport.ChannelToken(channel)
}

func presenceSubject(prefix, channel string) string {
	return prefix + ".presence." + transport.ChannelToken(channel)
}

// channelFromSubject extracts the channel name from a message subject.
func channelFromSubject(prefix, subject string) (string, error) {
	token, ok := strings.CutPrefix(subject, prefix+".msg.")
	if !ok {
		return "", fmt.Errorf("%w: subject %q outside prefix", chat.ErrInvalidChannel, subject)
	}
	return transport.ParseChannelToken(token)
}

func formatCursor(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func parseCursor(cursor string) (uint64, error) {
	seq, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return seq, nil
}

type subscription struct {
	bus        *Bus
	channel    string
	dispatcher *transport.Dispatcher
	consume    jetstream.ConsumeContext
	presence   *nats.Subscription
	once       sync.Once
	err        error
}

// Subscribe starts live delivery of new messages and presence for channel.
func (b *Bus) Subscribe(ctx context.Context, channel string, onPresence transport.PresenceHandler, onMessage transport.MessageHandler) (transport.Subscription, error) {
	if b.closed.Load() {
		return nil, transport.ErrClosed
	}
	ch, err := chat.ParseChannel(channel)
	if err != nil {
		return nil, err
	}

	d := transport.NewDispatcher(channel, b.cfg.TypingTimeout, onPresence, onMessage)
	sub := &subscription{bus: b, channel: channel, dispatcher: d}

	sub.presence, err = b.nc.Subscribe(presenceSubject(b.cfg.SubjectPrefix, channel), func(m *nats.Msg) {
		ev, err := transport.UnmarshalPresence(m.Data)
		if err != nil {
			b.logger.Warn("dropping malformed presence", "channel", channel, "error", err)
			return
		}
		d.Presence(ev)
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("subscribing to presence: %w", err)
	}

	cons, err := b.js.OrderedConsumer(ctx, b.cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messageSubject(b.cfg.SubjectPrefix, channel)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		_ = sub.presence.Unsubscribe()
		d.Close()
		return nil, fmt.Errorf("creating consumer: %w", err)
	}

	sub.consume, err = cons.Consume(func(m jetstream.Msg) {
		msg, err := transport.UnmarshalMessage(m.Data())
		if err != nil {
			b.logger.Warn("dropping malformed message", "channel", channel, "error", err)
			return
		}
		msg.Channel = ch
		d.Message(msg)
	})
	if err != nil {
		_ = sub.presence.Unsubscribe()
		d.Close()
		return nil, fmt.Errorf("consuming messages: %w", err)
	}

	b.announce(channel, chat.PresenceJoin)
	b.logger.Debug("subscribed", "channel", channel)
	return sub, nil
}

// Unsubscribe stops both streams and announces leave.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.consume.Stop()
		if err := s.presence.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.err = fmt.Errorf("unsubscribing presence: %w", err)
		}
		s.dispatcher.Close()
		s.bus.announce(s.channel, chat.PresenceLeave)
		s.bus.logger.Debug("unsubscribed", "channel", s.channel)
	})
	return s.err
}

func (b *Bus) announce(channel string, action chat.PresenceAction) {
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
	if err := b.nc.Publish(presenceSubject(b.cfg.SubjectPrefix, channel), data); err != nil {
		b.logger.Warn("announcing presence", "channel", channel, "action", action, "error", err)
	}
}

// History pages channel messages out of the stream.
func (b *Bus) History(ctx context.Context, channel string, since string) (chat.HistoryPage, error) {
	if b.closed.Load() {
		return chat.HistoryPage{}, transport.ErrClosed
	}
	ch, err := chat.ParseChannel(channel)
	if err != nil {
		return chat.HistoryPage{}, err
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messageSubject(b.cfg.SubjectPrefix, channel)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if since != "" {
		seq, err := parseCursor(since)
		if err != nil {
			return chat.HistoryPage{}, err
		}
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = seq + 1
	}

	cons, err := b.js.OrderedConsumer(ctx, b.cfg.Stream, cfg)
	if err != nil {
		return chat.HistoryPage{}, fmt.Errorf("creating history consumer: %w", err)
	}

	// The newest page needs a full scan of the channel; a forward page stops
	// once it is full.
	window := newWindow(b.cfg.HistoryLimit)
	for {
		if err := ctx.Err(); err != nil {
			return chat.HistoryPage{}, err
		}
		batchSize := scanBatch
		if since != "" {
			batchSize = b.cfg.HistoryLimit - window.len()
		}

		batch, err := cons.FetchNoWait(batchSize)
		if err != nil {
			return chat.HistoryPage{}, fmt.Errorf("fetching history: %w", err)
		}

		got := 0
		var pending uint64
		for m := range batch.Messages() {
			got++
			meta, err := m.Metadata()
			if err != nil {
				return chat.HistoryPage{}, fmt.Errorf("reading message metadata: %w", err)
			}
			pending = meta.NumPending

			msg, err := transport.UnmarshalMessage(m.Data())
			if err != nil {
				b.logger.Warn("skipping malformed history entry", "channel", channel, "seq", meta.Sequence.Stream, "error", err)
				continue
			}
			msg.Channel = ch
			window.push(meta.Sequence.Stream, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return chat.HistoryPage{}, fmt.Errorf("fetching history: %w", err)
		}

		if got == 0 || pending == 0 || (since != "" && window.full()) {
			break
		}
	}

	page := chat.HistoryPage{Messages: window.messages(), StartTimeToken: since}
	if seq, ok := window.lastSeq(); ok {
		page.StartTimeToken = formatCursor(seq)
	}
	return page, nil
}

// PublishMessage appends msg to the stream. The message id doubles as the
// JetStream deduplication id.
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

	ack, err := b.js.Publish(ctx, messageSubject(b.cfg.SubjectPrefix, channel), data, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return fmt.Errorf("publishing message: %w", err)
	}
	b.logger.Debug("message published",
		"channel", channel,
		"message_id", msg.ID,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate)
	return nil
}

// PublishTypingState broadcasts a typing state-change on the presence subject.
func (b *Bus) PublishTypingState(ctx context.Context, channel, userID string, isTyping bool) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := chat.ParseChannel(channel); err != nil {
		return err
	}

	data, err := transport.MarshalPresence(chat.TypingState(channel, userID, isTyping))
	if err != nil {
		return err
	}
	if err := b.nc.Publish(presenceSubject(b.cfg.SubjectPrefix, channel), data); err != nil {
		return fmt.Errorf("publishing typing state: %w", err)
	}
	return nil
}

// Channels lists the channels with messages retained in the stream.
func (b *Bus) Channels(ctx context.Context) ([]string, error) {
	stream, err := b.js.Stream(ctx, b.cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("looking up stream: %w", err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(messageFilter(b.cfg.SubjectPrefix)))
	if err != nil {
		return nil, fmt.Errorf("reading stream info: %w", err)
	}

	channels := make([]string, 0, len(info.State.Subjects))
	for subject := range info.State.Subjects {
		name, err := channelFromSubject(b.cfg.SubjectPrefix, subject)
		if err != nil {
			b.logger.Debug("skipping foreign subject", "subject", subject)
			continue
		}
		channels = append(channels, name)
	}
	slices.Sort(channels)
	return channels, nil
}

// Close drains the connection if this bus opened it.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.ownsNC {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
			return fmt.Errorf("draining nats connection: %w", err)
		}
	}
	return nil
}

var _ transport.Transport = (*Bus)(nil)
