package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/db"
	"github.com/brojonat/givewatch/service/donation"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/brojonat/givewatch/service/streams"
	"github.com/brojonat/givewatch/service/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type RecurringDraftStore interface {
	FindPendingRecurringDrafts(ctx context.Context, olderThan time.Duration) ([]*db.DraftRecurringDonation, error)
}

// FlowSource is a network's flow-event index.
type FlowSource interface {
	FlowUpdatedEvents(ctx context.Context, q streams.Query) ([]streams.FlowEvent, error)
}

type RecurringCreator interface {
	CreateOrUpdateRecurringDonation(ctx context.Context, in donation.RecurringInput) (*donation.Result, error)
}

type StreamConfig struct {
	GracePeriod time.Duration
	Pool        Pool
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// StreamMatcher activates recurring donations once their stream shows up in
// the flow-event index.
type StreamMatcher struct {
	store   RecurringDraftStore
	sources map[int]FlowSource
	creator RecurringCreator
	grace   time.Duration
	pool    Pool
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewStreamMatcher builds a matcher over sources keyed by network id.
// Drafts on networks without a source are left pending.
func NewStreamMatcher(store RecurringDraftStore, sources map[int]FlowSource, creator RecurringCreator, cfg StreamConfig) *StreamMatcher {
	if cfg.Pool == nil {
		cfg.Pool = SequentialPool{}
	}
	return &StreamMatcher{
		store:   store,
		sources: sources,
		creator: creator,
		grace:   cfg.GracePeriod,
		pool:    cfg.Pool,
		metrics: cfg.Metrics,
		logger:  defaultLogger(cfg.Logger).With("component", "stream_matcher"),
		tracer:  telemetry.Tracer("matcher"),
	}
}

func (m *StreamMatcher) MatchPendingStreamDrafts(ctx context.Context) (*PassSummary, error) {
	ctx, span := m.tracer.Start(ctx, "matcher.MatchPendingStreamDrafts")
	defer span.End()

	drafts, err := m.store.FindPendingRecurringDrafts(ctx, m.grace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load drafts")
		return nil, fmt.Errorf("find pending recurring drafts: %w", err)
	}

	var (
		order     []string
		byDonor   = make(map[string][]*db.DraftRecurringDonation)
		unindexed = make(map[int]int)
	)
	for _, d := range drafts {
		if _, ok := m.sources[d.NetworkID]; !ok {
			unindexed[d.NetworkID]++
		}
		key := chain.AddressKey(d.DonorAddress)
		if _, ok := byDonor[key]; !ok {
			order = append(order, key)
		}
		byDonor[key] = append(byDonor[key], d)
	}
	span.SetAttributes(attribute.Int("drafts", len(drafts)), attribute.Int("senders", len(order)))
	if len(unindexed) > 0 {
		networks := make([]int, 0, len(unindexed))
		skipped := 0
		for id, n := range unindexed {
			networks = append(networks, id)
			skipped += n
		}
		sort.Ints(networks)
		m.logger.WarnContext(ctx, "recurring drafts on networks without a flow index stay pending",
			"network_ids", networks, "drafts", skipped)
	}

	var t tally
	tasks := make([]func(context.Context), 0, len(order))
	for _, donor := range order {
		donor, group := donor, byDonor[donor]
		tasks = append(tasks, func(ctx context.Context) {
			t.senders.Add(1)
			status := "success"
			for _, d := range group {
				if err := m.matchDraft(ctx, d, &t); err != nil {
					status = "error"
					t.errors.Add(1)
					m.logger.WarnContext(ctx, "failed to match recurring draft",
						"draft_id", d.ID, "donor", donor, "error", err)
				}
			}
			if m.metrics != nil {
				m.metrics.RecordSenderScanned(PassStreamMatch, status)
			}
		})
	}
	m.pool.Run(ctx, tasks)

	return t.summary(PassStreamMatch), nil
}

func (m *StreamMatcher) matchDraft(ctx context.Context, d *db.DraftRecurringDonation, t *tally) error {
	source, ok := m.sources[d.NetworkID]
	if !ok {
		return nil
	}

	events, err := source.FlowUpdatedEvents(ctx, streams.Query{
		Sender:       d.DonorAddress,
		Receiver:     d.ReceiverAddress,
		FlowRate:     d.FlowRate,
		Token:        d.TokenAddress,
		CreatedAfter: d.CreatedAt,
		Limit:        1,
	})
	t.pages.Add(1)
	if err != nil {
		return fmt.Errorf("query flow events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	event := events[0]

	draftID := d.ID
	in := donation.RecurringInput{
		NetworkID:       d.NetworkID,
		TxHash:          event.TxHash,
		DonorAddress:    d.DonorAddress,
		ReceiverAddress: d.ReceiverAddress,
		FlowRate:        event.FlowRate,
		Currency:        d.Currency,
		TokenAddress:    d.TokenAddress,
		ProjectID:       d.ProjectID,
		UserID:          d.UserID,
		Anonymous:       d.Anonymous,
		DraftID:         &draftID,
	}
	if in.TokenAddress == "" {
		in.TokenAddress = event.Token
	}
	if d.IsForUpdate {
		if d.RecurringDonationID == nil {
			return fmt.Errorf("update draft %d names no recurring donation", d.ID)
		}
		in.UpdateOfID = d.RecurringDonationID
	}

	result, err := m.creator.CreateOrUpdateRecurringDonation(ctx, in)
	if err != nil {
		return err
	}

	outcome := "created"
	if result.Duplicate {
		outcome = "duplicate"
		t.duplicates.Add(1)
	} else {
		t.matches.Add(1)
	}
	if m.metrics != nil {
		m.metrics.RecordMatch(PassStreamMatch, outcome)
	}
	m.logger.InfoContext(ctx, "recurring draft matched",
		"draft_id", d.ID,
		"tx_hash", event.TxHash,
		"flow_rate", event.FlowRate.String(),
		"for_update", d.IsForUpdate,
		"outcome", outcome,
	)
	return nil
}
