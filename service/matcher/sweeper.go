package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/givewatch/service/metrics"
)

type ExpiryStore interface {
	DeleteDraftsOlderThan(ctx context.Context, age time.Duration) (int64, error)
	DeleteRecurringDraftsOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Sweeper deletes drafts that outlived the expiry window, whatever their
// status.
type Sweeper struct {
	store   ExpiryStore
	expiry  time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewSweeper(store ExpiryStore, expiry time.Duration, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if expiry <= 0 {
		expiry = 48 * time.Hour
	}
	return &Sweeper{
		store:   store,
		expiry:  expiry,
		metrics: m,
		logger:  defaultLogger(logger).With("component", "sweeper"),
	}
}

// ExpireDrafts returns how many one-shot and recurring drafts were deleted.
func (s *Sweeper) ExpireDrafts(ctx context.Context) (int64, error) {
	drafts, err := s.store.DeleteDraftsOlderThan(ctx, s.expiry)
	if err != nil {
		return 0, fmt.Errorf("expire drafts: %w", err)
	}
	recurring, err := s.store.DeleteRecurringDraftsOlderThan(ctx, s.expiry)
	if err != nil {
		return drafts, fmt.Errorf("expire recurring drafts: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordDraftsExpired("draft", drafts)
		s.metrics.RecordDraftsExpired("recurring", recurring)
	}
	s.logger.InfoContext(ctx, "expired drafts", "drafts", drafts, "recurring_drafts", recurring, "expiry", s.expiry)
	return drafts + recurring, nil
}

// Run is ExpireDrafts shaped as a pass.
func (s *Sweeper) Run(ctx context.Context) (*PassSummary, error) {
	n, err := s.ExpireDrafts(ctx)
	if err != nil {
		return nil, err
	}
	return &PassSummary{Pass: PassDraftExpiry, DraftsExpired: n}, nil
}
