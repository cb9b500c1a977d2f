package matcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/db"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/brojonat/givewatch/service/telemetry"
	"github.com/brojonat/givewatch/service/verifier"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type PendingDonationStore interface {
	ListDonationsByStatus(ctx context.Context, status string, limit int32) ([]*db.Donation, error)
}

type Verifier interface {
	Verify(ctx context.Context, in verifier.Intent) (*chain.Transaction, error)
}

// Confirmer settles a pending donation either way.
type Confirmer interface {
	ConfirmDonation(ctx context.Context, donationID int64, tx *chain.Transaction) (*db.Donation, error)
	RejectDonation(ctx context.Context, donationID int64, reason string) (*db.Donation, error)
}

type VerifyConfig struct {
	BatchSize int32
	Pool      Pool
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// DonationVerifier re-verifies donations that were recorded before their
// transaction could be confirmed.
type DonationVerifier struct {
	store     PendingDonationStore
	verifier  Verifier
	confirmer Confirmer
	batch     int32
	pool      Pool
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewDonationVerifier(store PendingDonationStore, v Verifier, c Confirmer, cfg VerifyConfig) *DonationVerifier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Pool == nil {
		cfg.Pool = SequentialPool{}
	}
	return &DonationVerifier{
		store:     store,
		verifier:  v,
		confirmer: c,
		batch:     cfg.BatchSize,
		pool:      cfg.Pool,
		metrics:   cfg.Metrics,
		logger:    defaultLogger(cfg.Logger).With("component", "donation_verifier"),
		tracer:    telemetry.Tracer("matcher"),
	}
}

// VerifyPendingDonations confirms, rejects or leaves pending each pending
// donation. Retryable verdicts and infrastructure errors leave it pending.
func (v *DonationVerifier) VerifyPendingDonations(ctx context.Context) (*PassSummary, error) {
	ctx, span := v.tracer.Start(ctx, "matcher.VerifyPendingDonations")
	defer span.End()

	pending, err := v.store.ListDonationsByStatus(ctx, db.DonationStatusPending, v.batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load donations")
		return nil, fmt.Errorf("list pending donations: %w", err)
	}
	span.SetAttributes(attribute.Int("donations", len(pending)))

	var t tally
	tasks := make([]func(context.Context), 0, len(pending))
	for _, d := range pending {
		d := d
		tasks = append(tasks, func(ctx context.Context) {
			t.senders.Add(1)
			status := "success"
			if err := v.settle(ctx, d, &t); err != nil {
				status = "error"
				t.errors.Add(1)
				v.logger.WarnContext(ctx, "failed to re-verify donation", "donation_id", d.ID, "error", err)
			}
			if v.metrics != nil {
				v.metrics.RecordSenderScanned(PassDonationVerify, status)
			}
		})
	}
	v.pool.Run(ctx, tasks)

	return t.summary(PassDonationVerify), nil
}

func (v *DonationVerifier) settle(ctx context.Context, d *db.Donation, t *tally) error {
	tx, err := v.verifier.Verify(ctx, IntentFromDonation(d))
	switch {
	case err == nil:
		if _, err := v.confirmer.ConfirmDonation(ctx, d.ID, tx); err != nil {
			return err
		}
		t.matches.Add(1)
		v.record("confirmed")
		return nil
	case verifier.IsRetryable(err):
		v.logger.DebugContext(ctx, "donation still pending", "donation_id", d.ID, "reason", err)
		v.record("pending")
		return nil
	case verifier.IsTerminal(err):
		if _, err := v.confirmer.RejectDonation(ctx, d.ID, err.Error()); err != nil {
			return err
		}
		t.rejected.Add(1)
		v.record("rejected")
		return nil
	default:
		return err
	}
}

func (v *DonationVerifier) record(outcome string) {
	if v.metrics != nil {
		v.metrics.RecordMatch(PassDonationVerify, outcome)
	}
}

// IntentFromDonation rebuilds the claim behind a stored donation. The claim
// time is left zero: a pending donation was stored because its transaction
// had not been mined, so it is expected to be newer than the row.
func IntentFromDonation(d *db.Donation) verifier.Intent {
	in := verifier.Intent{
		NetworkID: d.NetworkID,
		Currency:  d.Currency,
		TxHash:    d.TransactionID,
		From:      d.FromAddress,
		To:        d.ToAddress,
		Amount:    d.Amount,
	}
	if d.Nonce != nil && *d.Nonce >= 0 {
		n := uint64(*d.Nonce)
		in.Nonce = &n
	}
	return in
}
