// Package conversation keeps a consistent view of one chat channel on top of
// a pub/sub transport.
//
// # Overview
//
// The conversation package sits between the presentation layer (the
// coven-chat terminal client) and a transport backend. It owns the
// selected channel, the ordered message log, the history watermark and the
// set of users currently typing.
//
// # Controller
//
// The Controller coordinates everything:
//
//	c := conversation.NewController(t, conversation.Options{UserID: "alice"})
//	go c.Run(ctx)
//	c.SelectChannel(ctx, chat.Open("general"))
//
// Key operations:
//
//   - SelectChannel(ctx, ch): switch channels, fetch history, subscribe
//   - FetchHistory(ctx): request messages after the current watermark
//   - PublishMessage / Send: best-effort message publish
//   - SetTypingState / Typing: best-effort typing broadcast
//   - State() and Watch(ctx): read snapshots
//
// # Channel Switching
//
// When a channel is selected:
//
//  1. The previous subscription is closed
//  2. Log, watermark and typing set are reset
//  3. History since the empty watermark is requested in the background
//  4. A new subscription is opened
//
// History results carry the selection epoch and the watermark they were
// requested from. A result whose epoch or watermark no longer matches is
// discarded, so a slow fetch for an old channel never lands in the new one.
//
// # Pure Functions
//
// The state transitions are also exposed as pure functions over immutable
// values:
//
//   - Ingest(log, msg): add one live message, ignoring duplicates
//   - Merge(log, watermark, page): union a history page into the log
//   - ApplyPresence(set, ev): update the typing set from a presence event
//
// # Errors
//
// Transport failures never stop the controller. They are logged and passed
// to the optional ErrorSink with the operation name (history, subscribe,
// publish, typing).
package conversation
