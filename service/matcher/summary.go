// Package matcher reconciles pending drafts and pending donations against
// what actually happened on chain.
package matcher

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Pass kinds.
const (
	PassDraftMatch     = "draft-match"
	PassStreamMatch    = "stream-match"
	PassDonationVerify = "donation-verify"
	PassDraftExpiry    = "draft-expiry"
)

// Passes lists every pass kind in scheduling order.
var Passes = []string{PassDraftMatch, PassStreamMatch, PassDonationVerify, PassDraftExpiry}

// PassSummary reports what one reconciliation pass did. ID and Duration are
// filled in by whoever ran the pass.
type PassSummary struct {
	Pass           string        `json:"pass"`
	ID             string        `json:"pass_id,omitempty"`
	SendersScanned int64         `json:"senders_scanned"`
	PagesFetched   int64         `json:"pages_fetched"`
	Matches        int64         `json:"matches"`
	Duplicates     int64         `json:"duplicates"`
	Rejected       int64         `json:"rejected,omitempty"`
	Errors         int64         `json:"errors"`
	DraftsExpired  int64         `json:"drafts_expired"`
	Duration       time.Duration `json:"duration"`
}

// LogAttrs returns the summary as slog key-value pairs.
func (s *PassSummary) LogAttrs() []any {
	return []any{
		"pass", s.Pass,
		"pass_id", s.ID,
		"senders_scanned", s.SendersScanned,
		"pages_fetched", s.PagesFetched,
		"matches", s.Matches,
		"duplicates", s.Duplicates,
		"rejected", s.Rejected,
		"errors", s.Errors,
		"drafts_expired", s.DraftsExpired,
		"duration", s.Duration,
	}
}

// tally accumulates counters from concurrent per-sender workers.
type tally struct {
	senders    atomic.Int64
	pages      atomic.Int64
	matches    atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	errors     atomic.Int64
}

func (t *tally) summary(pass string) *PassSummary {
	return &PassSummary{
		Pass:           pass,
		SendersScanned: t.senders.Load(),
		PagesFetched:   t.pages.Load(),
		Matches:        t.matches.Load(),
		Duplicates:     t.duplicates.Load(),
		Rejected:       t.rejected.Load(),
		Errors:         t.errors.Load(),
	}
}

// Pool runs independent tasks with bounded concurrency and returns once all
// of them have finished.
type Pool interface {
	Run(ctx context.Context, tasks []func(context.Context))
}

// SequentialPool runs tasks one after another.
type SequentialPool struct{}

func (SequentialPool) Run(ctx context.Context, tasks []func(context.Context)) {
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		task(ctx)
	}
}

func defaultLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
