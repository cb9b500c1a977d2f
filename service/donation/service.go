// Package donation is the single path that turns a verified transfer into a
// ledger record and moves drafts out of pending.
package donation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/db"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/brojonat/givewatch/service/nats"
	"github.com/shopspring/decimal"
)

// Store is the slice of the ledger the creation routine writes to.
type Store interface {
	CreateDonation(ctx context.Context, p db.CreateDonationParams) (*db.Donation, error)
	FindDonationByTxHash(ctx context.Context, hash string, networkID int) (*db.Donation, error)
	UpdateDonationVerification(ctx context.Context, p db.UpdateDonationVerificationParams) (*db.Donation, error)
	UpdateDraftStatus(ctx context.Context, p db.UpdateDraftStatusParams) (bool, error)

	CreateRecurringDonation(ctx context.Context, p db.CreateRecurringDonationParams) (*db.RecurringDonation, error)
	UpdateRecurringDonation(ctx context.Context, p db.UpdateRecurringDonationParams) (*db.RecurringDonation, error)
	FindRecurringDonationByTxHash(ctx context.Context, hash string, networkID int, projectID int64) (*db.RecurringDonation, error)
	UpdateRecurringDraftStatus(ctx context.Context, p db.UpdateRecurringDraftStatusParams) (bool, error)
}

// Input describes a one-shot donation backed by Transaction.
type Input struct {
	NetworkID   int
	Transaction chain.Transaction
	ProjectID   int64
	UserID      *int64
	Anonymous   bool   // the donor asked not to be shown publicly
	DraftID     *int64 // draft to mark matched, if any

	// Pending stores the donation unconfirmed, for claims whose nonce is not
	// mined yet. No event is published until it is confirmed.
	Pending bool
}

// RecurringInput describes a stream observed in the flow-event index.
type RecurringInput struct {
	NetworkID       int
	TxHash          string
	DonorAddress    string
	ReceiverAddress string
	FlowRate        decimal.Decimal
	Currency        string
	TokenAddress    string
	ProjectID       int64
	UserID          *int64
	Anonymous       bool
	DraftID         *int64

	// UpdateOfID routes the input to an update of that recurring donation.
	UpdateOfID *int64
}

// Result is the outcome of a creation. Duplicate is set when the transfer
// was already recorded; Donation (or Recurring) then holds the existing row.
type Result struct {
	Donation  *db.Donation
	Recurring *db.RecurringDonation
	Duplicate bool
}

type Service struct {
	store     Store
	publisher nats.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewService builds the creation routine. publisher and m may be nil.
func NewService(store Store, publisher nats.Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With("component", "donation"),
	}
}

// CreateDonation records a donation for a verified transfer and marks its
// draft matched. A transfer that is already recorded is not an error: the
// draft is matched against the existing row and Result.Duplicate is set.
func (s *Service) CreateDonation(ctx context.Context, in Input) (*Result, error) {
	tx := in.Transaction
	if tx.Hash == "" {
		return nil, errors.New("donation needs a transaction hash")
	}

	existing, err := s.store.FindDonationByTxHash(ctx, tx.Hash, in.NetworkID)
	switch {
	case err == nil:
		return s.duplicate(ctx, in, existing)
	case !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("look up donation %s: %w", tx.Hash, err)
	}

	params := db.CreateDonationParams{
		TransactionID: tx.Hash,
		NetworkID:     in.NetworkID,
		FromAddress:   tx.From,
		ToAddress:     tx.To,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		TokenAddress:  tx.TokenAddress,
		Nonce:         nonceParam(tx.Nonce),
		Speedup:       tx.Speedup,
		Status:        db.DonationStatusVerified,
		ProjectID:     in.ProjectID,
		UserID:        in.UserID,
		Anonymous:     in.Anonymous,
		DraftID:       in.DraftID,
	}
	if !tx.Timestamp.IsZero() {
		ts := tx.Timestamp
		params.TransactionTime = &ts
	}
	if in.Pending {
		params.Status = db.DonationStatusPending
	}

	d, err := s.store.CreateDonation(ctx, params)
	if err != nil {
		if !db.IsDuplicateKey(err) {
			return nil, fmt.Errorf("create donation %s: %w", tx.Hash, err)
		}
		// Lost a race with another creator of the same transfer.
		existing, lookupErr := s.store.FindDonationByTxHash(ctx, tx.Hash, in.NetworkID)
		if lookupErr != nil {
			return nil, fmt.Errorf("look up duplicate donation %s: %w", tx.Hash, lookupErr)
		}
		return s.duplicate(ctx, in, existing)
	}

	if err := s.matchDraft(ctx, in.DraftID, d.ID); err != nil {
		return nil, err
	}
	s.record(in.NetworkID, "one_time", "created")

	s.logger.InfoContext(ctx, "donation created",
		"donation_id", d.ID,
		"network_id", in.NetworkID,
		"tx_hash", d.TransactionID,
		"amount", d.Amount.String(),
		"currency", d.Currency,
		"status", d.Status,
		"speedup", d.Speedup,
	)
	if d.Status == db.DonationStatusVerified {
		s.publish(ctx, nats.FromDonation(d))
	}
	return &Result{Donation: d}, nil
}

func (s *Service) duplicate(ctx context.Context, in Input, existing *db.Donation) (*Result, error) {
	if err := s.matchDraft(ctx, in.DraftID, existing.ID); err != nil {
		return nil, err
	}
	s.record(in.NetworkID, "one_time", "duplicate")
	s.logger.InfoContext(ctx, "donation already recorded",
		"donation_id", existing.ID,
		"network_id", in.NetworkID,
		"tx_hash", existing.TransactionID,
	)
	return &Result{Donation: existing, Duplicate: true}, nil
}

func (s *Service) matchDraft(ctx context.Context, draftID *int64, donationID int64) error {
	if draftID == nil {
		return nil
	}
	updated, err := s.store.UpdateDraftStatus(ctx, db.UpdateDraftStatusParams{
		ID:                *draftID,
		Status:            db.DraftStatusMatched,
		MatchedDonationID: &donationID,
	})
	if err != nil {
		return fmt.Errorf("mark draft %d matched: %w", *draftID, err)
	}
	if !updated {
		s.logger.DebugContext(ctx, "draft no longer pending", "draft_id", *draftID)
	}
	return nil
}

// FailDraft moves a pending draft to failed with reason.
func (s *Service) FailDraft(ctx context.Context, draftID int64, reason string) error {
	updated, err := s.store.UpdateDraftStatus(ctx, db.UpdateDraftStatusParams{
		ID:           draftID,
		Status:       db.DraftStatusFailed,
		ErrorMessage: &reason,
	})
	if err != nil {
		return fmt.Errorf("mark draft %d failed: %w", draftID, err)
	}
	if updated {
		s.logger.InfoContext(ctx, "draft failed", "draft_id", draftID, "reason", reason)
	}
	return nil
}

// ConfirmDonation marks a pending donation verified against tx, which may be
// a speed-up replacement of the stored hash.
func (s *Service) ConfirmDonation(ctx context.Context, donationID int64, tx *chain.Transaction) (*db.Donation, error) {
	params := db.UpdateDonationVerificationParams{
		ID:      donationID,
		Status:  db.DonationStatusVerified,
		Speedup: tx.Speedup,
	}
	if tx.Speedup {
		params.TransactionID = tx.Hash
	}
	if !tx.Timestamp.IsZero() {
		ts := tx.Timestamp
		params.TransactionTime = &ts
	}

	d, err := s.store.UpdateDonationVerification(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("confirm donation %d: %w", donationID, err)
	}
	s.record(d.NetworkID, "one_time", "confirmed")
	s.logger.InfoContext(ctx, "donation confirmed", "donation_id", d.ID, "tx_hash", d.TransactionID, "speedup", d.Speedup)
	s.publish(ctx, nats.FromDonation(d))
	return d, nil
}

// RejectDonation marks a pending donation failed.
func (s *Service) RejectDonation(ctx context.Context, donationID int64, reason string) (*db.Donation, error) {
	d, err := s.store.UpdateDonationVerification(ctx, db.UpdateDonationVerificationParams{
		ID:                 donationID,
		Status:             db.DonationStatusFailed,
		VerifyErrorMessage: &reason,
	})
	if err != nil {
		return nil, fmt.Errorf("reject donation %d: %w", donationID, err)
	}
	s.record(d.NetworkID, "one_time", "rejected")
	s.logger.InfoContext(ctx, "donation rejected", "donation_id", d.ID, "reason", reason)
	return d, nil
}

// CreateOrUpdateRecurringDonation activates a stream, or applies a changed
// flow when UpdateOfID is set, and marks the recurring draft matched.
func (s *Service) CreateOrUpdateRecurringDonation(ctx context.Context, in RecurringInput) (*Result, error) {
	if in.TxHash == "" {
		return nil, errors.New("recurring donation needs a transaction hash")
	}

	if in.UpdateOfID != nil {
		r, err := s.store.UpdateRecurringDonation(ctx, db.UpdateRecurringDonationParams{
			ID:       *in.UpdateOfID,
			TxHash:   in.TxHash,
			FlowRate: in.FlowRate,
		})
		if err != nil {
			return nil, fmt.Errorf("update recurring donation %d: %w", *in.UpdateOfID, err)
		}
		return s.recurringDone(ctx, in, r, "updated")
	}

	existing, err := s.store.FindRecurringDonationByTxHash(ctx, in.TxHash, in.NetworkID, in.ProjectID)
	switch {
	case err == nil:
		return s.recurringDuplicate(ctx, in, existing)
	case !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("look up recurring donation %s: %w", in.TxHash, err)
	}

	r, err := s.store.CreateRecurringDonation(ctx, db.CreateRecurringDonationParams{
		TxHash:          in.TxHash,
		NetworkID:       in.NetworkID,
		ProjectID:       in.ProjectID,
		UserID:          in.UserID,
		DonorAddress:    in.DonorAddress,
		ReceiverAddress: in.ReceiverAddress,
		FlowRate:        in.FlowRate,
		Currency:        in.Currency,
		TokenAddress:    in.TokenAddress,
		Anonymous:       in.Anonymous,
	})
	if err != nil {
		if !db.IsDuplicateKey(err) {
			return nil, fmt.Errorf("create recurring donation %s: %w", in.TxHash, err)
		}
		existing, lookupErr := s.store.FindRecurringDonationByTxHash(ctx, in.TxHash, in.NetworkID, in.ProjectID)
		if lookupErr != nil {
			return nil, fmt.Errorf("look up duplicate recurring donation %s: %w", in.TxHash, lookupErr)
		}
		return s.recurringDuplicate(ctx, in, existing)
	}
	return s.recurringDone(ctx, in, r, "created")
}

func (s *Service) recurringDone(ctx context.Context, in RecurringInput, r *db.RecurringDonation, result string) (*Result, error) {
	if err := s.matchRecurringDraft(ctx, in.DraftID, r.ID); err != nil {
		return nil, err
	}
	s.record(in.NetworkID, "recurring", result)
	s.logger.InfoContext(ctx, "recurring donation "+result,
		"recurring_donation_id", r.ID,
		"network_id", in.NetworkID,
		"tx_hash", r.TxHash,
		"flow_rate", r.FlowRate.String(),
		"status", r.Status,
	)
	s.publish(ctx, nats.FromRecurringDonation(r))
	return &Result{Recurring: r}, nil
}

func (s *Service) recurringDuplicate(ctx context.Context, in RecurringInput, existing *db.RecurringDonation) (*Result, error) {
	if err := s.matchRecurringDraft(ctx, in.DraftID, existing.ID); err != nil {
		return nil, err
	}
	s.record(in.NetworkID, "recurring", "duplicate")
	return &Result{Recurring: existing, Duplicate: true}, nil
}

func (s *Service) matchRecurringDraft(ctx context.Context, draftID *int64, recurringID int64) error {
	if draftID == nil {
		return nil
	}
	_, err := s.store.UpdateRecurringDraftStatus(ctx, db.UpdateRecurringDraftStatusParams{
		ID:                         *draftID,
		Status:                     db.DraftStatusMatched,
		MatchedRecurringDonationID: &recurringID,
	})
	if err != nil {
		return fmt.Errorf("mark recurring draft %d matched: %w", *draftID, err)
	}
	return nil
}

// publish is best effort: the ledger row is the record, the event is a
// notification.
func (s *Service) publish(ctx context.Context, event *nats.DonationEvent) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.publisher.PublishDonation(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish donation event",
			"donation_id", event.DonationID,
			"subject", event.Subject(),
			"error", err,
		)
	}
}

func (s *Service) record(networkID int, kind, result string) {
	if s.metrics != nil {
		s.metrics.RecordDonationCreated(fmt.Sprint(networkID), kind, result)
	}
}

func nonceParam(n *uint64) *int64 {
	if n == nil || *n > math.MaxInt64 {
		return nil
	}
	v := int64(*n)
	return &v
}
