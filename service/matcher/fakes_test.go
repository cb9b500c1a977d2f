package matcher

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/chain/evm"
	"github.com/brojonat/givewatch/service/db"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChain serves canned history. history[i] and tokens[i] answer cursor
// strconv.Itoa(i), with "" meaning page 0.
type fakeChain struct {
	network  chain.Network
	history  []chain.Page
	tokens   []chain.Page
	listErr  error
	tokenErr error

	mu          sync.Mutex
	historyHits int
	tokenHits   int
}

func (f *fakeChain) Network() chain.Network { return f.network }

func (f *fakeChain) TransactionCount(context.Context, string) (uint64, error) {
	return 0, chain.ErrNonceUnsupported
}

func (f *fakeChain) NativeTransfer(context.Context, string) (*chain.Transaction, error) {
	return nil, chain.ErrTransactionNotFound
}

func (f *fakeChain) TokenTransfer(context.Context, string, chain.Token) (*chain.Transaction, error) {
	return nil, chain.ErrTransactionNotFound
}

func pageAt(pages []chain.Page, cursor string) *chain.Page {
	idx := 0
	if cursor != "" {
		idx, _ = strconv.Atoi(cursor)
	}
	if idx >= len(pages) {
		return &chain.Page{}
	}
	p := pages[idx]
	p.Transactions = append([]chain.Transaction(nil), p.Transactions...)
	return &p
}

func (f *fakeChain) History(_ context.Context, _ string, req chain.PageRequest) (*chain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyHits++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return pageAt(f.history, req.Cursor), nil
}

func (f *fakeChain) TokenTransfers(_ context.Context, _ string, _ *chain.Token, req chain.PageRequest) (*chain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenHits++
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return pageAt(f.tokens, req.Cursor), nil
}

// evmChain adds the ERC-20 call encoder.
type evmChain struct {
	*fakeChain
}

func (e evmChain) TransferCallData(to string, amount decimal.Decimal, token chain.Token) (string, error) {
	value, err := chain.ToBaseUnits(amount, token.Decimals)
	if err != nil {
		return "", err
	}
	return evm.EncodeTransfer(to, value)
}

type fakeRegistry map[int]chain.Client

func (r fakeRegistry) Client(id int) (chain.Client, error) {
	c, ok := r[id]
	if !ok {
		return nil, chain.ErrUnknownNetwork
	}
	return c, nil
}

// fakeLedger is an in-memory db.Store stand-in with the same uniqueness
// rules as the schema.
type fakeLedger struct {
	mu              sync.Mutex
	nextID          int64
	drafts          map[int64]*db.DraftDonation
	donations       []*db.Donation
	callDataWrites  int
	recurringDrafts map[int64]*db.DraftRecurringDonation
	recurring       []*db.RecurringDonation
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		drafts:          make(map[int64]*db.DraftDonation),
		recurringDrafts: make(map[int64]*db.DraftRecurringDonation),
	}
}

func (l *fakeLedger) id() int64 {
	l.nextID++
	return l.nextID
}

func (l *fakeLedger) addDraft(d db.DraftDonation) *db.DraftDonation {
	l.mu.Lock()
	defer l.mu.Unlock()
	d.ID = l.id()
	if d.Status == "" {
		d.Status = db.DraftStatusPending
	}
	l.drafts[d.ID] = &d
	cp := d
	return &cp
}

func (l *fakeLedger) draft(id int64) db.DraftDonation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.drafts[id]
}

func (l *fakeLedger) allDonations() []db.Donation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]db.Donation, 0, len(l.donations))
	for _, d := range l.donations {
		out = append(out, *d)
	}
	return out
}

func (l *fakeLedger) FindPendingDrafts(_ context.Context, olderThan time.Duration) ([]*db.DraftDonation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*db.DraftDonation
	for _, d := range l.drafts {
		if d.Status == db.DraftStatusPending && !d.CreatedAt.After(cutoff) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *fakeLedger) SetDraftExpectedCallData(_ context.Context, id int64, data string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callDataWrites++
	if d, ok := l.drafts[id]; ok && d.ExpectedCallData == nil {
		d.ExpectedCallData = &data
	}
	return nil
}

func (l *fakeLedger) CreateDonation(_ context.Context, p db.CreateDonationParams) (*db.Donation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.donations {
		if chain.SameAddress(d.TransactionID, p.TransactionID) && chain.SameAddress(d.ToAddress, p.ToAddress) && d.Currency == p.Currency {
			return nil, &pgconn.PgError{Code: "23505"}
		}
	}
	d := &db.Donation{
		ID:              l.id(),
		TransactionID:   p.TransactionID,
		NetworkID:       p.NetworkID,
		FromAddress:     p.FromAddress,
		ToAddress:       p.ToAddress,
		Amount:          p.Amount,
		Currency:        p.Currency,
		TokenAddress:    p.TokenAddress,
		Nonce:           p.Nonce,
		Speedup:         p.Speedup,
		Status:          p.Status,
		ProjectID:       p.ProjectID,
		UserID:          p.UserID,
		Anonymous:       p.Anonymous,
		DraftID:         p.DraftID,
		TransactionTime: p.TransactionTime,
		CreatedAt:       time.Now(),
	}
	l.donations = append(l.donations, d)
	cp := *d
	return &cp, nil
}

func (l *fakeLedger) FindDonationByTxHash(_ context.Context, hash string, networkID int) (*db.Donation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.donations {
		if chain.SameAddress(d.TransactionID, hash) && d.NetworkID == networkID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (l *fakeLedger) UpdateDonationVerification(_ context.Context, p db.UpdateDonationVerificationParams) (*db.Donation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.donations {
		if d.ID == p.ID && d.Status == db.DonationStatusPending {
			d.Status = p.Status
			if p.TransactionID != "" {
				d.TransactionID = p.TransactionID
			}
			d.Speedup = d.Speedup || p.Speedup
			d.VerifyErrorMessage = p.VerifyErrorMessage
			cp := *d
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (l *fakeLedger) UpdateDraftStatus(_ context.Context, p db.UpdateDraftStatusParams) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.drafts[p.ID]
	if !ok || d.Status != db.DraftStatusPending {
		return false, nil
	}
	d.Status = p.Status
	d.MatchedDonationID = p.MatchedDonationID
	d.ErrorMessage = p.ErrorMessage
	return true, nil
}

func (l *fakeLedger) CreateRecurringDonation(_ context.Context, p db.CreateRecurringDonationParams) (*db.RecurringDonation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.recurring {
		if chain.SameAddress(r.TxHash, p.TxHash) && r.NetworkID == p.NetworkID && r.ProjectID == p.ProjectID {
			return nil, &pgconn.PgError{Code: "23505"}
		}
	}
	r := &db.RecurringDonation{
		ID:              l.id(),
		TxHash:          p.TxHash,
		NetworkID:       p.NetworkID,
		ProjectID:       p.ProjectID,
		DonorAddress:    p.DonorAddress,
		ReceiverAddress: p.ReceiverAddress,
		FlowRate:        p.FlowRate,
		Currency:        p.Currency,
		TokenAddress:    p.TokenAddress,
		Status:          db.RecurringStatusActive,
		Anonymous:       p.Anonymous,
	}
	l.recurring = append(l.recurring, r)
	cp := *r
	return &cp, nil
}

func (l *fakeLedger) UpdateRecurringDonation(_ context.Context, p db.UpdateRecurringDonationParams) (*db.RecurringDonation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.recurring {
		if r.ID == p.ID {
			r.TxHash = p.TxHash
			r.FlowRate = p.FlowRate
			cp := *r
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (l *fakeLedger) FindRecurringDonationByTxHash(_ context.Context, hash string, networkID int, projectID int64) (*db.RecurringDonation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.recurring {
		if chain.SameAddress(r.TxHash, hash) && r.NetworkID == networkID && r.ProjectID == projectID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (l *fakeLedger) UpdateRecurringDraftStatus(_ context.Context, p db.UpdateRecurringDraftStatusParams) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.recurringDrafts[p.ID]
	if !ok || d.Status != db.DraftStatusPending {
		return false, nil
	}
	d.Status = p.Status
	d.MatchedRecurringDonationID = p.MatchedRecurringDonationID
	return true, nil
}

func (l *fakeLedger) addRecurringDraft(d db.DraftRecurringDonation) *db.DraftRecurringDonation {
	l.mu.Lock()
	defer l.mu.Unlock()
	d.ID = l.id()
	if d.Status == "" {
		d.Status = db.DraftStatusPending
	}
	l.recurringDrafts[d.ID] = &d
	cp := d
	return &cp
}

func (l *fakeLedger) FindPendingRecurringDrafts(_ context.Context, olderThan time.Duration) ([]*db.DraftRecurringDonation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*db.DraftRecurringDonation
	for _, d := range l.recurringDrafts {
		if d.Status == db.DraftStatusPending && !d.CreatedAt.After(cutoff) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
