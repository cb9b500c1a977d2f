package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Donation statuses.
const (
	DonationStatusPending  = "pending"
	DonationStatusVerified = "verified"
	DonationStatusFailed   = "failed"
)

// Donation is a confirmed (or awaiting confirmation) one-shot donation.
type Donation struct {
	ID                 int64
	TransactionID      string
	NetworkID          int
	FromAddress        string
	ToAddress          string
	Amount             decimal.Decimal
	Currency           string
	TokenAddress       string
	Nonce              *int64
	Speedup            bool
	Status             string
	VerifyErrorMessage *string
	ProjectID          int64
	UserID             *int64
	Anonymous          bool
	DraftID            *int64
	TransactionTime    *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type CreateDonationParams struct {
	TransactionID      string
	NetworkID          int
	FromAddress        string
	ToAddress          string
	Amount             decimal.Decimal
	Currency           string
	TokenAddress       string
	Nonce              *int64
	Speedup            bool
	Status             string
	VerifyErrorMessage *string
	ProjectID          int64
	UserID             *int64
	Anonymous          bool
	DraftID            *int64
	TransactionTime    *time.Time
}

// UpdateDonationVerificationParams records the outcome of re-verifying a
// pending donation. TransactionID replaces the stored hash when a speed-up
// was found; leave it empty to keep the current one.
type UpdateDonationVerificationParams struct {
	ID                 int64
	Status             string
	TransactionID      string
	Speedup            bool
	VerifyErrorMessage *string
	TransactionTime    *time.Time
}

const donationColumns = `id, transaction_id, network_id, from_address, to_address, amount::text, currency,
	token_address, nonce, speedup, status, verify_error_message, project_id, user_id, anonymous, draft_id,
	transaction_time, created_at, updated_at`

func scanDonation(row pgx.Row) (*Donation, error) {
	var (
		d      Donation
		amount string
	)
	err := row.Scan(&d.ID, &d.TransactionID, &d.NetworkID, &d.FromAddress, &d.ToAddress, &amount, &d.Currency,
		&d.TokenAddress, &d.Nonce, &d.Speedup, &d.Status, &d.VerifyErrorMessage, &d.ProjectID, &d.UserID,
		&d.Anonymous, &d.DraftID, &d.TransactionTime, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if d.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDonation inserts a donation. A second row for the same transaction,
// recipient and currency fails with a duplicate key error.
func (s *Store) CreateDonation(ctx context.Context, p CreateDonationParams) (d *Donation, err error) {
	defer func(start time.Time) { s.observe("insert", "donations", start, err) }(time.Now())

	if p.Status == "" {
		p.Status = DonationStatusVerified
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO donations (transaction_id, network_id, from_address, to_address, amount, currency,
			token_address, nonce, speedup, status, verify_error_message, project_id, user_id, anonymous,
			draft_id, transaction_time)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+donationColumns,
		p.TransactionID, p.NetworkID, p.FromAddress, p.ToAddress, p.Amount.String(), p.Currency,
		p.TokenAddress, p.Nonce, p.Speedup, p.Status, p.VerifyErrorMessage, p.ProjectID, p.UserID, p.Anonymous,
		p.DraftID, p.TransactionTime,
	)
	return scanDonation(row)
}

func (s *Store) GetDonation(ctx context.Context, id int64) (d *Donation, err error) {
	defer func(start time.Time) { s.observe("select", "donations", start, err) }(time.Now())

	d, err = scanDonation(s.pool.QueryRow(ctx, `SELECT `+donationColumns+` FROM donations WHERE id = $1`, id))
	return d, notFound(err)
}

// FindDonationByTxHash returns the oldest donation recorded for hash on
// networkID, or ErrNotFound.
func (s *Store) FindDonationByTxHash(ctx context.Context, hash string, networkID int) (d *Donation, err error) {
	defer func(start time.Time) { s.observe("select", "donations", start, err) }(time.Now())

	d, err = scanDonation(s.pool.QueryRow(ctx, `
		SELECT `+donationColumns+`
		FROM donations
		WHERE addr_key(transaction_id) = addr_key($1) AND network_id = $2
		ORDER BY id
		LIMIT 1`,
		hash, networkID,
	))
	return d, notFound(err)
}

// ListDonationsByStatus returns donations oldest first. An empty status
// lists every donation.
func (s *Store) ListDonationsByStatus(ctx context.Context, status string, limit int32) (out []*Donation, err error) {
	defer func(start time.Time) { s.observe("select", "donations", start, err) }(time.Now())

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+donationColumns+`
		FROM donations
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at, id
		LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDonationVerification applies a re-verification verdict to a pending
// donation. It returns ErrNotFound when the donation is no longer pending.
func (s *Store) UpdateDonationVerification(ctx context.Context, p UpdateDonationVerificationParams) (d *Donation, err error) {
	defer func(start time.Time) { s.observe("update", "donations", start, err) }(time.Now())

	d, err = scanDonation(s.pool.QueryRow(ctx, `
		UPDATE donations
		SET status = $2,
			transaction_id = COALESCE(NULLIF($3, ''), transaction_id),
			speedup = speedup OR $4,
			verify_error_message = $5,
			transaction_time = COALESCE($6, transaction_time),
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+donationColumns,
		p.ID, p.Status, p.TransactionID, p.Speedup, p.VerifyErrorMessage, p.TransactionTime,
	))
	return d, notFound(err)
}
