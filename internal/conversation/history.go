// ABOUTME: History reconciliation: fetching pages from the transport and merging them
// ABOUTME: Merge is a no-op for empty or unchanged pages so late fetches never duplicate

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/coven-chat/internal/chat"
)

// InitialWatermark is the watermark of a channel with no merged history.
const InitialWatermark = ""

// HistoryFetcher is the part of the transport the reconciler needs.
type HistoryFetcher interface {
	History(ctx context.Context, channel string, since string) (chat.HistoryPage, error)
}

// Reconciler fetches history pages for a channel.
type Reconciler struct {
	fetcher HistoryFetcher
	timeout time.Duration
	logger  *slog.Logger
}

// NewReconciler creates a reconciler. A zero timeout means the caller's
// context alone bounds each fetch. Pass nil logger for default.
func NewReconciler(fetcher HistoryFetcher, timeout time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		fetcher: fetcher,
		timeout: timeout,
		logger:  logger.With("component", "reconciler"),
	}
}

// Fetch requests the page of history after since for ch. Errors are returned
// to the caller untouched apart from wrapping; nothing is merged here.
func (r *Reconciler) Fetch(ctx context.Context, ch chat.Channel, since string) (chat.HistoryPage, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	page, err := r.fetcher.History(ctx, ch.Name(), since)
	if err != nil {
		return chat.HistoryPage{}, fmt.Errorf("fetching history for %s: %w", ch.Name(), err)
	}

	r.logger.Debug("history fetched",
		"channel", ch.Name(),
		"since", since,
		"count", len(page.Messages),
		"start_time_token", page.StartTimeToken)
	return page, nil
}

// Merge unions page into log keyed by message id and returns the new log and
// watermark. The merge is skipped, and applied is false, when the page is empty
// or its token equals the current watermark. Malformed messages in the page
// are dropped.
func Merge(log MessageLog, watermark string, page chat.HistoryPage) (merged MessageLog, newWatermark string, applied bool) {
	if page.IsEmpty() || page.StartTimeToken == watermark {
		return log, watermark, false
	}

	msgs := make([]chat.Message, 0, len(log.messages)+len(page.Messages))
	msgs = append(msgs, log.messages...)
	ids := log.withID()
	for _, m := range page.Messages {
		if m.Validate() != nil {
			continue
		}
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		msgs = append(msgs, m)
	}

	// Stable: existing entries precede page entries with the same timestamp.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})

	return MessageLog{messages: msgs, ids: ids}, page.StartTimeToken, true
}
