// ABOUTME: ConversationController orchestrates channel switches, history and live events
// ABOUTME: One event loop goroutine owns all state; snapshots are republished to watchers

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/transport"
)

const (
	// defaultRequestTimeout bounds each transport request issued by the controller.
	defaultRequestTimeout = 5 * time.Second

	stateTopic = "conversation"
)

var (
	// ErrNoChannel is returned by commands that need a selected channel.
	ErrNoChannel = errors.New("no channel selected")

	// ErrStale marks a result that arrived after its channel or watermark was superseded.
	ErrStale = errors.New("stale result")
)

// Operation names passed to an ErrorSink.
const (
	OpHistory   = "history"
	OpSubscribe = "subscribe"
	OpPublish   = "publish"
	OpTyping    = "typing"
)

// ErrorSink receives transport failures. It must not block.
type ErrorSink func(op string, err error)

// Options configures a Controller.
type Options struct {
	// UserID is the local user; it is the sender of messages built by Send.
	UserID string

	// RequestTimeout bounds each transport request. Defaults to 5s.
	RequestTimeout time.Duration

	// ErrorSink receives transport failures in addition to the logger.
	ErrorSink ErrorSink

	// TypingRefresh re-sends typing=true at this interval while the local
	// user stays typing, so remote typing timeouts do not fire. Zero disables it.
	TypingRefresh time.Duration

	Logger *slog.Logger
}

type commandKind int

const (
	cmdSelect commandKind = iota
	cmdFetch
)

type command struct {
	kind    commandKind
	channel chat.Channel
	reply   chan error
}

type fetchResult struct {
	epoch   uint64
	channel chat.Channel
	since   string
	page    chat.HistoryPage
	err     error
}

// Controller keeps the view of one selected channel consistent with the
// transport. All state transitions happen on the goroutine running Run; the
// exported methods only send commands to it or read published snapshots.
type Controller struct {
	transport  transport.Transport
	subs       *SubscriptionManager
	reconciler *Reconciler
	states     *broadcast.Broadcaster[State]

	userID  string
	timeout time.Duration
	sink    ErrorSink
	logger  *slog.Logger

	typingRefresh time.Duration
	typingMu      sync.Mutex
	typingTimer   *time.Timer
	typingGen     uint64

	commands chan command
	results  chan fetchResult
	snapshot atomic.Pointer[State]

	running   atomic.Bool
	stopped   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup

	// Owned by the Run goroutine.
	state State
	sub   *Subscription
	epoch uint64
}

// NewController creates a controller over t. Call Run to start it.
func NewController(t transport.Transport, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	c := &Controller{
		transport:     t,
		subs:          NewSubscriptionManager(t, logger),
		reconciler:    NewReconciler(t, timeout, logger),
		states:        broadcast.New[State](broadcast.DefaultBufferSize, logger),
		userID:        opts.UserID,
		timeout:       timeout,
		sink:          opts.ErrorSink,
		typingRefresh: opts.TypingRefresh,
		logger:        logger.With("component", "controller"),
		commands:      make(chan command),
		results:       make(chan fetchResult, 4),
		stopped:       make(chan struct{}),
		done:          make(chan struct{}),
		state:         State{Phase: PhaseIdle, Watermark: InitialWatermark},
	}
	initial := c.state
	c.snapshot.Store(&initial)
	return c
}

// State returns the latest published snapshot.
func (c *Controller) State() State {
	return *c.snapshot.Load()
}

// Watch returns a channel receiving every snapshot published after the call.
// The channel is closed when ctx is done or the controller stops. Values are
// dropped for a watcher that falls behind, so read State for the latest.
func (c *Controller) Watch(ctx context.Context) <-chan State {
	ch, _ := c.states.Subscribe(ctx, stateTopic)
	return ch
}

// Run processes commands and transport events until ctx is cancelled or
// Close is called. On return the active subscription is closed.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	defer close(c.stopped)
	defer c.shutdown()

	c.logger.Info("controller started", "user_id", c.userID)

	for {
		var (
			presence <-chan chat.PresenceEvent
			messages <-chan chat.Message
		)
		if c.sub != nil {
			presence = c.sub.Presence()
			messages = c.sub.Messages()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case cmd := <-c.commands:
			cmd.reply <- c.handleCommand(ctx, cmd)
		case res := <-c.results:
			c.handleFetch(res)
		case ev := <-presence:
			c.handlePresence(ev)
		case msg := <-messages:
			c.handleMessage(msg)
		}
	}
}

// Close stops the controller and releases the active subscription. It waits
// for in-flight publishes. Calling Close more than once is a no-op.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.keepTyping(context.Background(), chat.Channel{}, false)
		if c.running.Load() {
			<-c.stopped
		} else {
			c.shutdown()
		}
		c.inflight.Wait()
		err = c.subs.Close()
	})
	return err
}

func (c *Controller) shutdown() {
	if err := c.subs.Close(); err != nil {
		c.logger.Warn("closing subscription on shutdown", "error", err)
	}
	c.sub = nil
	c.states.Close()
	c.logger.Info("controller stopped")
}

// SelectChannel switches the conversation to ch. It returns once the old
// subscription is closed and the new one is open (or failed to open); history
// arrives asynchronously. Selecting the current channel again is a no-op.
func (c *Controller) SelectChannel(ctx context.Context, ch chat.Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	return c.send(ctx, command{kind: cmdSelect, channel: ch})
}

// FetchHistory requests the history after the current watermark and merges
// it when it arrives.
func (c *Controller) FetchHistory(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdFetch})
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.commands <- cmd:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishMessage publishes msg to ch without waiting for the result. The
// message is not added locally; it appears when the subscription delivers
// it. Failures go to the error sink.
func (c *Controller) PublishMessage(ctx context.Context, ch chat.Channel, msg chat.Message) {
	if msg.Channel.IsZero() {
		msg.Channel = ch
	}
	if err := msg.Validate(); err != nil {
		c.report(OpPublish, err)
		return
	}
	c.bestEffort(ctx, OpPublish, func(ctx context.Context) error {
		return c.transport.PublishMessage(ctx, ch.Name(), msg)
	})
}

// SetTypingState broadcasts userID's typing state on ch without waiting for
// the result. Failures go to the error sink.
func (c *Controller) SetTypingState(ctx context.Context, ch chat.Channel, userID string, isTyping bool) {
	c.bestEffort(ctx, OpTyping, func(ctx context.Context) error {
		return c.transport.PublishTypingState(ctx, ch.Name(), userID, isTyping)
	})
}

// Send publishes text as the local user to the selected channel.
func (c *Controller) Send(ctx context.Context, text string) (chat.Message, error) {
	ch := c.State().Channel
	if ch.IsZero() {
		return chat.Message{}, ErrNoChannel
	}
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, fmt.Errorf("%w: empty text", chat.ErrMalformedMessage)
	}

	msg := chat.Message{
		ID:       uuid.New().String(),
		SenderID: c.userID,
		Text:     text,
		SentAt:   time.Now().UTC(),
		Channel:  ch,
	}
	c.PublishMessage(ctx, ch, msg)
	return msg, nil
}

// Typing broadcasts the local user's typing state on the selected channel.
func (c *Controller) Typing(ctx context.Context, isTyping bool) error {
	ch := c.State().Channel
	if ch.IsZero() {
		return ErrNoChannel
	}
	c.SetTypingState(ctx, ch, c.userID, isTyping)
	c.keepTyping(ctx, ch, isTyping)
	return nil
}

// keepTyping starts or stops the typing refresh for the local user. A newer
// call always supersedes an older one.
func (c *Controller) keepTyping(ctx context.Context, ch chat.Channel, on bool) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	c.typingGen++
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if !on || c.typingRefresh <= 0 {
		return
	}
	c.armTyping(ctx, ch, c.typingGen)
}

// armTyping must be called with typingMu held. The refresh stops once the
// selected channel changes.
func (c *Controller) armTyping(ctx context.Context, ch chat.Channel, gen uint64) {
	c.typingTimer = time.AfterFunc(c.typingRefresh, func() {
		c.typingMu.Lock()
		defer c.typingMu.Unlock()

		if gen != c.typingGen || c.State().Channel != ch {
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		c.SetTypingState(ctx, ch, c.userID, true)
		c.armTyping(ctx, ch, gen)
	})
}

// bestEffort runs op once in the background with its own timeout. The
// caller's cancellation does not abort it.
func (c *Controller) bestEffort(ctx context.Context, op string, fn func(context.Context) error) {
	select {
	case <-c.done:
		c.report(op, ErrClosed)
		return
	default:
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		if err := fn(opCtx); err != nil {
			c.report(op, err)
		}
	}()
}

func (c *Controller) report(op string, err error) {
	c.logger.Error("transport operation failed", "op", op, "error", err)
	if c.sink != nil {
		c.sink(op, err)
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdSelect:
		return c.switchChannel(ctx, cmd.channel)
	case cmdFetch:
		if c.state.Channel.IsZero() {
			return ErrNoChannel
		}
		c.startFetch(ctx, c.state.Channel, c.state.Watermark)
		return nil
	default:
		return fmt.Errorf("unknown command %d", cmd.kind)
	}
}

// switchChannel tears down the old subscription before anything for the new
// channel is requested, resets the per-channel state, then starts the history
// fetch and opens the new subscription.
func (c *Controller) switchChannel(ctx context.Context, ch chat.Channel) error {
	if ch == c.state.Channel && c.sub != nil {
		return nil
	}

	c.epoch++
	if err := c.subs.Close(); err != nil {
		c.report(OpSubscribe, err)
	}
	c.sub = nil

	c.state = State{
		Channel:   ch,
		Phase:     PhaseSwitching,
		Log:       MessageLog{},
		Watermark: InitialWatermark,
		Typing:    TypingSet{},
		Version:   c.state.Version,
	}
	c.publish()

	c.logger.Debug("switching channel", "channel", ch.Name(), "epoch", c.epoch)

	c.startFetch(ctx, ch, InitialWatermark)

	openCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	sub, err := c.subs.Open(openCtx, ch)
	if err != nil {
		c.report(OpSubscribe, err)
		c.state.Phase = PhaseIdle
		c.publish()
		return err
	}

	c.sub = sub
	c.state.Phase = PhaseSubscribed
	c.state.Subscription = sub
	c.publish()
	return nil
}

func (c *Controller) startFetch(ctx context.Context, ch chat.Channel, since string) {
	epoch := c.epoch
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		page, err := c.reconciler.Fetch(ctx, ch, since)
		res := fetchResult{epoch: epoch, channel: ch, since: since, page: page, err: err}
		select {
		case c.results <- res:
		case <-c.done:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) handleFetch(res fetchResult) {
	if err := c.checkCurrent(res); err != nil {
		c.logger.Debug("discarding history result",
			"channel", res.channel.Name(),
			"epoch", res.epoch,
			"reason", err)
		return
	}
	if res.err != nil {
		c.report(OpHistory, res.err)
		return
	}

	log, watermark, applied := Merge(c.state.Log, c.state.Watermark, res.page)
	if !applied {
		c.logger.Debug("history page skipped",
			"channel", res.channel.Name(),
			"count", len(res.page.Messages),
			"start_time_token", res.page.StartTimeToken)
		return
	}
	c.state.Log = log
	c.state.Watermark = watermark
	c.publish()
}

// checkCurrent returns ErrStale when res belongs to a superseded selection or
// was requested from a watermark that has since moved.
func (c *Controller) checkCurrent(res fetchResult) error {
	if res.epoch != c.epoch || res.channel != c.state.Channel {
		return fmt.Errorf("%w: channel changed", ErrStale)
	}
	if res.since != c.state.Watermark {
		return fmt.Errorf("%w: watermark moved", ErrStale)
	}
	return nil
}

func (c *Controller) handlePresence(ev chat.PresenceEvent) {
	before := c.state.Typing
	after := ApplyPresence(before, ev)
	if before.Has(ev.UserID) == after.Has(ev.UserID) {
		return
	}
	c.state.Typing = after
	c.publish()
}

func (c *Controller) handleMessage(msg chat.Message) {
	if msg.Channel != c.state.Channel {
		c.logger.Debug("discarding message for other channel",
			"channel", msg.Channel.Name(),
			"message_id", msg.ID)
		return
	}
	log, err := c.state.Log.Ingest(msg)
	if err != nil {
		c.logger.Warn("rejected message", "message_id", msg.ID, "error", err)
		return
	}
	if log.Len() == c.state.Log.Len() {
		return
	}
	c.state.Log = log
	c.publish()
}

// publish stores and fans out a snapshot of the current state.
func (c *Controller) publish() {
	c.state.Version++
	snap := c.state
	c.snapshot.Store(&snap)
	c.states.Publish(stateTopic, snap, "")
}
