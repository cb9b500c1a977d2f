package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Recurring donation statuses.
const (
	RecurringStatusActive = "active"
	RecurringStatusEnded  = "ended"
)

// DraftRecurringDonation declares a stream the donor intends to open (or
// change, when IsForUpdate is set).
type DraftRecurringDonation struct {
	ID                         int64
	NetworkID                  int
	Currency                   string
	TokenAddress               string // super token; empty matches any
	DonorAddress               string
	ReceiverAddress            string
	FlowRate                   decimal.Decimal // base units per second
	ProjectID                  int64
	UserID                     *int64
	Anonymous                  bool
	IsForUpdate                bool
	RecurringDonationID        *int64
	Status                     string
	MatchedRecurringDonationID *int64
	ErrorMessage               *string
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

type CreateDraftRecurringDonationParams struct {
	NetworkID           int
	Currency            string
	TokenAddress        string
	DonorAddress        string
	ReceiverAddress     string
	FlowRate            decimal.Decimal
	ProjectID           int64
	UserID              *int64
	Anonymous           bool
	IsForUpdate         bool
	RecurringDonationID *int64
}

type UpdateRecurringDraftStatusParams struct {
	ID                         int64
	Status                     string
	MatchedRecurringDonationID *int64
	ErrorMessage               *string
}

// RecurringDonation is an activated stream.
type RecurringDonation struct {
	ID              int64
	TxHash          string
	NetworkID       int
	ProjectID       int64
	UserID          *int64
	DonorAddress    string
	ReceiverAddress string
	FlowRate        decimal.Decimal
	Currency        string
	TokenAddress    string
	Status          string
	Anonymous       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type CreateRecurringDonationParams struct {
	TxHash          string
	NetworkID       int
	ProjectID       int64
	UserID          *int64
	DonorAddress    string
	ReceiverAddress string
	FlowRate        decimal.Decimal
	Currency        string
	TokenAddress    string
	Anonymous       bool
}

// UpdateRecurringDonationParams records a changed flow on an existing stream.
type UpdateRecurringDonationParams struct {
	ID       int64
	TxHash   string
	FlowRate decimal.Decimal
	Status   string
}

const draftRecurringColumns = `id, network_id, currency, token_address, donor_address, receiver_address,
	flow_rate::text, project_id, user_id, anonymous, is_for_update, recurring_donation_id, status,
	matched_recurring_donation_id, error_message, created_at, updated_at`

const recurringColumns = `id, tx_hash, network_id, project_id, user_id, donor_address, receiver_address,
	flow_rate::text, currency, token_address, status, anonymous, created_at, updated_at`

func scanDraftRecurring(row pgx.Row) (*DraftRecurringDonation, error) {
	var (
		d    DraftRecurringDonation
		rate string
	)
	err := row.Scan(&d.ID, &d.NetworkID, &d.Currency, &d.TokenAddress, &d.DonorAddress, &d.ReceiverAddress,
		&rate, &d.ProjectID, &d.UserID, &d.Anonymous, &d.IsForUpdate, &d.RecurringDonationID, &d.Status,
		&d.MatchedRecurringDonationID, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if d.FlowRate, err = parseNumeric(rate); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanRecurring(row pgx.Row) (*RecurringDonation, error) {
	var (
		r    RecurringDonation
		rate string
	)
	err := row.Scan(&r.ID, &r.TxHash, &r.NetworkID, &r.ProjectID, &r.UserID, &r.DonorAddress, &r.ReceiverAddress,
		&rate, &r.Currency, &r.TokenAddress, &r.Status, &r.Anonymous, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if r.FlowRate, err = parseNumeric(rate); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateDraftRecurringDonation(ctx context.Context, p CreateDraftRecurringDonationParams) (d *DraftRecurringDonation, err error) {
	defer func(start time.Time) { s.observe("insert", "draft_recurring_donations", start, err) }(time.Now())

	return scanDraftRecurring(s.pool.QueryRow(ctx, `
		INSERT INTO draft_recurring_donations (network_id, currency, token_address, donor_address,
			receiver_address, flow_rate, project_id, user_id, anonymous, is_for_update, recurring_donation_id)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)
		RETURNING `+draftRecurringColumns,
		p.NetworkID, p.Currency, p.TokenAddress, p.DonorAddress, p.ReceiverAddress, p.FlowRate.String(),
		p.ProjectID, p.UserID, p.Anonymous, p.IsForUpdate, p.RecurringDonationID,
	))
}

func (s *Store) GetDraftRecurringDonation(ctx context.Context, id int64) (d *DraftRecurringDonation, err error) {
	defer func(start time.Time) { s.observe("select", "draft_recurring_donations", start, err) }(time.Now())

	d, err = scanDraftRecurring(s.pool.QueryRow(ctx,
		`SELECT `+draftRecurringColumns+` FROM draft_recurring_donations WHERE id = $1`, id))
	return d, notFound(err)
}

// FindPendingRecurringDrafts returns pending recurring drafts created at
// least olderThan ago, oldest first.
func (s *Store) FindPendingRecurringDrafts(ctx context.Context, olderThan time.Duration) (out []*DraftRecurringDonation, err error) {
	defer func(start time.Time) { s.observe("select", "draft_recurring_donations", start, err) }(time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT `+draftRecurringColumns+`
		FROM draft_recurring_donations
		WHERE status = 'pending' AND created_at <= $1
		ORDER BY created_at, id`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDraftRecurring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateRecurringDraftStatus transitions a pending recurring draft and
// reports whether it was still pending.
func (s *Store) UpdateRecurringDraftStatus(ctx context.Context, p UpdateRecurringDraftStatusParams) (updated bool, err error) {
	defer func(start time.Time) { s.observe("update", "draft_recurring_donations", start, err) }(time.Now())

	tag, err := s.pool.Exec(ctx, `
		UPDATE draft_recurring_donations
		SET status = $2, matched_recurring_donation_id = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		p.ID, p.Status, p.MatchedRecurringDonationID, p.ErrorMessage,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteRecurringDraftsOlderThan(ctx context.Context, age time.Duration) (n int64, err error) {
	defer func(start time.Time) { s.observe("delete", "draft_recurring_donations", start, err) }(time.Now())

	tag, err := s.pool.Exec(ctx, `DELETE FROM draft_recurring_donations WHERE created_at < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateRecurringDonation activates a stream. A second activation for the
// same (tx hash, network, project) fails with a duplicate key error.
func (s *Store) CreateRecurringDonation(ctx context.Context, p CreateRecurringDonationParams) (r *RecurringDonation, err error) {
	defer func(start time.Time) { s.observe("insert", "recurring_donations", start, err) }(time.Now())

	return scanRecurring(s.pool.QueryRow(ctx, `
		INSERT INTO recurring_donations (tx_hash, network_id, project_id, user_id, donor_address,
			receiver_address, flow_rate, currency, token_address, status, anonymous)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, 'active', $10)
		RETURNING `+recurringColumns,
		p.TxHash, p.NetworkID, p.ProjectID, p.UserID, p.DonorAddress, p.ReceiverAddress, p.FlowRate.String(),
		p.Currency, p.TokenAddress, p.Anonymous,
	))
}

func (s *Store) GetRecurringDonation(ctx context.Context, id int64) (r *RecurringDonation, err error) {
	defer func(start time.Time) { s.observe("select", "recurring_donations", start, err) }(time.Now())

	r, err = scanRecurring(s.pool.QueryRow(ctx,
		`SELECT `+recurringColumns+` FROM recurring_donations WHERE id = $1`, id))
	return r, notFound(err)
}

// UpdateRecurringDonation moves an existing stream to a new flow. A zero
// flow rate ends the stream.
func (s *Store) UpdateRecurringDonation(ctx context.Context, p UpdateRecurringDonationParams) (r *RecurringDonation, err error) {
	defer func(start time.Time) { s.observe("update", "recurring_donations", start, err) }(time.Now())

	if p.Status == "" {
		p.Status = RecurringStatusActive
		if p.FlowRate.IsZero() {
			p.Status = RecurringStatusEnded
		}
	}
	r, err = scanRecurring(s.pool.QueryRow(ctx, `
		UPDATE recurring_donations
		SET tx_hash = $2, flow_rate = $3::numeric, status = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING `+recurringColumns,
		p.ID, p.TxHash, p.FlowRate.String(), p.Status,
	))
	return r, notFound(err)
}

func (s *Store) FindRecurringDonationByTxHash(ctx context.Context, hash string, networkID int, projectID int64) (r *RecurringDonation, err error) {
	defer func(start time.Time) { s.observe("select", "recurring_donations", start, err) }(time.Now())

	r, err = scanRecurring(s.pool.QueryRow(ctx, `
		SELECT `+recurringColumns+`
		FROM recurring_donations
		WHERE addr_key(tx_hash) = addr_key($1) AND network_id = $2 AND project_id = $3`,
		hash, networkID, projectID,
	))
	return r, notFound(err)
}
