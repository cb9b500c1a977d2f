package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Draft statuses.
const (
	DraftStatusPending = "pending"
	DraftStatusMatched = "matched"
	DraftStatusFailed  = "failed"
)

// DraftDonation is a declared, unconfirmed one-shot donation.
type DraftDonation struct {
	ID                int64
	NetworkID         int
	Currency          string
	TokenAddress      string // empty for the native coin
	FromAddress       string
	ToAddress         string
	Amount            decimal.Decimal
	Status            string
	ProjectID         int64
	UserID            *int64
	Anonymous         bool
	ExpectedCallData  *string
	MatchedDonationID *int64
	ErrorMessage      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsToken reports whether the draft declares a token transfer.
func (d *DraftDonation) IsToken() bool { return d.TokenAddress != "" }

type CreateDraftDonationParams struct {
	NetworkID    int
	Currency     string
	TokenAddress string
	FromAddress  string
	ToAddress    string
	Amount       decimal.Decimal
	ProjectID    int64
	UserID       *int64
	Anonymous    bool
}

type ListDraftsParams struct {
	Status string // empty lists every status
	Limit  int32
}

// UpdateDraftStatusParams moves a pending draft to Status.
type UpdateDraftStatusParams struct {
	ID                int64
	Status            string
	MatchedDonationID *int64
	ErrorMessage      *string
}

const draftColumns = `id, network_id, currency, token_address, from_address, to_address, amount::text,
	status, project_id, user_id, anonymous, expected_call_data, matched_donation_id, error_message,
	created_at, updated_at`

func scanDraft(row pgx.Row) (*DraftDonation, error) {
	var (
		d      DraftDonation
		amount string
	)
	err := row.Scan(&d.ID, &d.NetworkID, &d.Currency, &d.TokenAddress, &d.FromAddress, &d.ToAddress, &amount,
		&d.Status, &d.ProjectID, &d.UserID, &d.Anonymous, &d.ExpectedCallData, &d.MatchedDonationID, &d.ErrorMessage,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if d.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDrafts(rows pgx.Rows) ([]*DraftDonation, error) {
	defer rows.Close()
	var out []*DraftDonation
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateDraftDonation inserts a pending draft. A second pending draft for the
// same (from, to, network, token, currency, amount) fails with a duplicate
// key error; see IsDuplicateKey.
func (s *Store) CreateDraftDonation(ctx context.Context, p CreateDraftDonationParams) (d *DraftDonation, err error) {
	defer func(start time.Time) { s.observe("insert", "draft_donations", start, err) }(time.Now())

	row := s.pool.QueryRow(ctx, `
		INSERT INTO draft_donations (network_id, currency, token_address, from_address, to_address, amount,
			project_id, user_id, anonymous)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
		RETURNING `+draftColumns,
		p.NetworkID, p.Currency, p.TokenAddress, p.FromAddress, p.ToAddress, p.Amount.String(),
		p.ProjectID, p.UserID, p.Anonymous,
	)
	return scanDraft(row)
}

func (s *Store) GetDraftDonation(ctx context.Context, id int64) (d *DraftDonation, err error) {
	defer func(start time.Time) { s.observe("select", "draft_donations", start, err) }(time.Now())

	d, err = scanDraft(s.pool.QueryRow(ctx, `SELECT `+draftColumns+` FROM draft_donations WHERE id = $1`, id))
	return d, notFound(err)
}

// FindPendingDrafts returns pending drafts created at least olderThan ago,
// ordered by sender then age.
func (s *Store) FindPendingDrafts(ctx context.Context, olderThan time.Duration) (out []*DraftDonation, err error) {
	defer func(start time.Time) { s.observe("select", "draft_donations", start, err) }(time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT `+draftColumns+`
		FROM draft_donations
		WHERE status = 'pending' AND created_at <= $1
		ORDER BY addr_key(from_address), created_at, id`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return nil, err
	}
	return collectDrafts(rows)
}

// ListDrafts returns the newest drafts first.
func (s *Store) ListDrafts(ctx context.Context, p ListDraftsParams) (out []*DraftDonation, err error) {
	defer func(start time.Time) { s.observe("select", "draft_donations", start, err) }(time.Now())

	if p.Limit <= 0 {
		p.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+draftColumns+`
		FROM draft_donations
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		p.Status, p.Limit,
	)
	if err != nil {
		return nil, err
	}
	return collectDrafts(rows)
}

// SetDraftExpectedCallData memoizes the token transfer call for a draft. The
// first value written wins.
func (s *Store) SetDraftExpectedCallData(ctx context.Context, id int64, callData string) (err error) {
	defer func(start time.Time) { s.observe("update", "draft_donations", start, err) }(time.Now())

	_, err = s.pool.Exec(ctx, `
		UPDATE draft_donations
		SET expected_call_data = $2, updated_at = NOW()
		WHERE id = $1 AND expected_call_data IS NULL`,
		id, callData,
	)
	return err
}

// UpdateDraftStatus transitions a pending draft. It reports false when the
// draft was not pending, which makes concurrent transitions no-ops.
func (s *Store) UpdateDraftStatus(ctx context.Context, p UpdateDraftStatusParams) (updated bool, err error) {
	defer func(start time.Time) { s.observe("update", "draft_donations", start, err) }(time.Now())

	tag, err := s.pool.Exec(ctx, `
		UPDATE draft_donations
		SET status = $2, matched_donation_id = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		p.ID, p.Status, p.MatchedDonationID, p.ErrorMessage,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteDraftsOlderThan removes drafts of any status created before age ago.
func (s *Store) DeleteDraftsOlderThan(ctx context.Context, age time.Duration) (n int64, err error) {
	defer func(start time.Time) { s.observe("delete", "draft_donations", start, err) }(time.Now())

	tag, err := s.pool.Exec(ctx, `DELETE FROM draft_donations WHERE created_at < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
