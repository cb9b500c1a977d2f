package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/db"
	"github.com/brojonat/givewatch/service/donation"
	"github.com/brojonat/givewatch/service/streams"
	"github.com/brojonat/givewatch/service/verifier"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlows struct {
	mu      sync.Mutex
	events  []streams.FlowEvent
	err     error
	queries []streams.Query
}

func (f *fakeFlows) FlowUpdatedEvents(_ context.Context, q streams.Query) ([]streams.FlowEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.events, f.err
}

func TestStreamMatcher(t *testing.T) {
	rate := decimal.RequireFromString("3858024691358")
	ctx := context.Background()

	t.Run("creates recurring donation from newest event", func(t *testing.T) {
		ledger := newFakeLedger()
		d := ledger.addRecurringDraft(db.DraftRecurringDonation{
			NetworkID: 10, Currency: "DAIx", DonorAddress: donor, ReceiverAddress: project,
			FlowRate: rate, ProjectID: 7, CreatedAt: draftTime,
		})
		flows := &fakeFlows{events: []streams.FlowEvent{
			{TxHash: "0xnewest", FlowRate: rate, Token: "0xdaix", Timestamp: draftTime.Add(2 * time.Minute)},
			{TxHash: "0xolder", FlowRate: rate, Token: "0xdaix", Timestamp: draftTime.Add(time.Minute)},
		}}
		svc := donation.NewService(ledger, nil, nil, testLogger())
		m := NewStreamMatcher(ledger, map[int]FlowSource{10: flows}, svc, StreamConfig{GracePeriod: time.Minute, Logger: testLogger()})

		summary, err := m.MatchPendingStreamDrafts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), summary.Matches)
		assert.Equal(t, PassStreamMatch, summary.Pass)

		require.Len(t, ledger.recurring, 1)
		assert.Equal(t, "0xnewest", ledger.recurring[0].TxHash)
		assert.Equal(t, "0xdaix", ledger.recurring[0].TokenAddress)
		assert.Equal(t, db.DraftStatusMatched, ledger.recurringDrafts[d.ID].Status)

		require.Len(t, flows.queries, 1)
		q := flows.queries[0]
		assert.Equal(t, donor, q.Sender)
		assert.Equal(t, project, q.Receiver)
		assert.True(t, q.FlowRate.Equal(rate))
		assert.Equal(t, draftTime, q.CreatedAfter)
	})

	t.Run("update draft changes the existing stream", func(t *testing.T) {
		ledger := newFakeLedger()
		existing, err := ledger.CreateRecurringDonation(ctx, db.CreateRecurringDonationParams{
			TxHash: "0xfirst", NetworkID: 10, ProjectID: 7, FlowRate: decimal.NewFromInt(1),
		})
		require.NoError(t, err)
		ledger.addRecurringDraft(db.DraftRecurringDonation{
			NetworkID: 10, DonorAddress: donor, ReceiverAddress: project, FlowRate: rate, ProjectID: 7,
			IsForUpdate: true, RecurringDonationID: &existing.ID, CreatedAt: draftTime,
		})
		flows := &fakeFlows{events: []streams.FlowEvent{{TxHash: "0xchange", FlowRate: rate}}}
		svc := donation.NewService(ledger, nil, nil, testLogger())
		m := NewStreamMatcher(ledger, map[int]FlowSource{10: flows}, svc, StreamConfig{Logger: testLogger()})

		_, err = m.MatchPendingStreamDrafts(ctx)
		require.NoError(t, err)
		require.Len(t, ledger.recurring, 1)
		assert.Equal(t, "0xchange", ledger.recurring[0].TxHash)
		assert.True(t, ledger.recurring[0].FlowRate.Equal(rate))
	})

	t.Run("no event leaves draft pending", func(t *testing.T) {
		ledger := newFakeLedger()
		d := ledger.addRecurringDraft(db.DraftRecurringDonation{NetworkID: 10, DonorAddress: donor, FlowRate: rate, CreatedAt: draftTime})
		m := NewStreamMatcher(ledger, map[int]FlowSource{10: &fakeFlows{}}, donation.NewService(ledger, nil, nil, testLogger()), StreamConfig{Logger: testLogger()})

		summary, err := m.MatchPendingStreamDrafts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), summary.Matches)
		assert.Equal(t, db.DraftStatusPending, ledger.recurringDrafts[d.ID].Status)
	})

	t.Run("missing index and query errors", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.addRecurringDraft(db.DraftRecurringDonation{NetworkID: 137, DonorAddress: donor, FlowRate: rate, CreatedAt: draftTime})
		ledger.addRecurringDraft(db.DraftRecurringDonation{NetworkID: 10, DonorAddress: other, FlowRate: rate, CreatedAt: draftTime})
		flows := &fakeFlows{err: errors.New("subgraph unavailable")}
		m := NewStreamMatcher(ledger, map[int]FlowSource{10: flows}, donation.NewService(ledger, nil, nil, testLogger()), StreamConfig{Logger: testLogger()})

		summary, err := m.MatchPendingStreamDrafts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), summary.SendersScanned)
		assert.Equal(t, int64(1), summary.Errors)
	})
}

func TestStreamMatcher_WarnsOncePerPassForUnindexedNetworks(t *testing.T) {
	rate := decimal.RequireFromString("3858024691358")
	ledger := newFakeLedger()
	ledger.addRecurringDraft(db.DraftRecurringDonation{NetworkID: 137, DonorAddress: donor, FlowRate: rate, CreatedAt: draftTime})
	ledger.addRecurringDraft(db.DraftRecurringDonation{NetworkID: 137, DonorAddress: other, FlowRate: rate, CreatedAt: draftTime})
	ledger.addRecurringDraft(db.DraftRecurringDonation{NetworkID: 10, DonorAddress: donor, FlowRate: rate, CreatedAt: draftTime})

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	m := NewStreamMatcher(ledger, map[int]FlowSource{10: &fakeFlows{}}, donation.NewService(ledger, nil, nil, testLogger()), StreamConfig{Logger: logger})

	_, err := m.MatchPendingStreamDrafts(context.Background())
	require.NoError(t, err)

	var warnings []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] == "recurring drafts on networks without a flow index stay pending" {
			warnings = append(warnings, entry)
		}
	}
	require.Len(t, warnings, 1)
	assert.Equal(t, "WARN", warnings[0]["level"])
	assert.Equal(t, []any{float64(137)}, warnings[0]["network_ids"])
	assert.Equal(t, float64(2), warnings[0]["drafts"])
}

type fakeVerifier struct {
	results map[string]verifyResult
}

type verifyResult struct {
	tx  *chain.Transaction
	err error
}

func (f *fakeVerifier) Verify(_ context.Context, in verifier.Intent) (*chain.Transaction, error) {
	r := f.results[in.TxHash]
	return r.tx, r.err
}

func TestDonationVerifier(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()

	add := func(hash string) *db.Donation {
		n := int64(12)
		d, err := ledger.CreateDonation(ctx, db.CreateDonationParams{
			TransactionID: hash, NetworkID: 1, FromAddress: donor, ToAddress: project,
			Amount: decimal.NewFromInt(1), Currency: "ETH", Nonce: &n, Status: db.DonationStatusPending,
		})
		require.NoError(t, err)
		return d
	}
	confirmed := add("0xsped")
	waiting := add("0xwaiting")
	rejected := add("0xwrong")
	broken := add("0xbroken")

	v := &fakeVerifier{results: map[string]verifyResult{
		"0xsped":    {tx: &chain.Transaction{Hash: "0xreplacement", Speedup: true}},
		"0xwaiting": {err: verifier.ErrNonceNotMined},
		"0xwrong":   {err: &verifier.Error{Kind: verifier.KindAmountMismatch, Message: "got 2"}},
		"0xbroken":  {err: errors.New("rpc timeout")},
	}}
	svc := donation.NewService(ledger, nil, nil, testLogger())
	m := NewDonationVerifier(ledger, v, svc, VerifyConfig{Logger: testLogger()})

	summary, err := m.VerifyPendingDonations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.SendersScanned)
	assert.Equal(t, int64(1), summary.Matches)
	assert.Equal(t, int64(1), summary.Rejected)
	assert.Equal(t, int64(1), summary.Errors)

	byID := map[int64]db.Donation{}
	for _, d := range ledger.allDonations() {
		byID[d.ID] = d
	}
	assert.Equal(t, db.DonationStatusVerified, byID[confirmed.ID].Status)
	assert.Equal(t, "0xreplacement", byID[confirmed.ID].TransactionID)
	assert.True(t, byID[confirmed.ID].Speedup)
	assert.Equal(t, db.DonationStatusPending, byID[waiting.ID].Status)
	assert.Equal(t, db.DonationStatusFailed, byID[rejected.ID].Status)
	require.NotNil(t, byID[rejected.ID].VerifyErrorMessage)
	assert.Contains(t, *byID[rejected.ID].VerifyErrorMessage, "AMOUNT_MISMATCH")
	assert.Equal(t, db.DonationStatusPending, byID[broken.ID].Status)
}

func (l *fakeLedger) ListDonationsByStatus(_ context.Context, status string, limit int32) ([]*db.Donation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*db.Donation
	for _, d := range l.donations {
		if status == "" || d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
		if int32(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func TestIntentFromDonation(t *testing.T) {
	n := int64(12)
	in := IntentFromDonation(&db.Donation{
		TransactionID: "0xh", NetworkID: 1, FromAddress: donor, ToAddress: project,
		Amount: decimal.RequireFromString("0.04"), Currency: "ETH", Nonce: &n, CreatedAt: time.Now(),
	})
	require.NotNil(t, in.Nonce)
	assert.Equal(t, uint64(12), *in.Nonce)
	assert.True(t, in.ClaimedAt.IsZero())
	assert.Equal(t, "0xh", in.TxHash)

	negative := int64(-1)
	assert.Nil(t, IntentFromDonation(&db.Donation{Nonce: &negative}).Nonce)
}

type fakeExpiry struct {
	drafts, recurring int64
	err               error
	ages              []time.Duration
}

func (f *fakeExpiry) DeleteDraftsOlderThan(_ context.Context, age time.Duration) (int64, error) {
	f.ages = append(f.ages, age)
	return f.drafts, f.err
}

func (f *fakeExpiry) DeleteRecurringDraftsOlderThan(_ context.Context, age time.Duration) (int64, error) {
	f.ages = append(f.ages, age)
	return f.recurring, nil
}

func TestSweeper(t *testing.T) {
	store := &fakeExpiry{drafts: 3, recurring: 2}
	s := NewSweeper(store, 0, nil, testLogger())

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), summary.DraftsExpired)
	assert.Equal(t, PassDraftExpiry, summary.Pass)
	assert.Equal(t, []time.Duration{48 * time.Hour, 48 * time.Hour}, store.ages)

	failing := &fakeExpiry{err: errors.New("db down")}
	_, err = NewSweeper(failing, time.Hour, nil, testLogger()).ExpireDrafts(context.Background())
	assert.Error(t, err)
}

func TestPassSummaryLogAttrs(t *testing.T) {
	s := &PassSummary{Pass: PassDraftMatch, ID: "abc", Matches: 2}
	attrs := s.LogAttrs()
	require.Len(t, attrs, 20)
	assert.Equal(t, "pass", attrs[0])
	assert.Equal(t, PassDraftMatch, attrs[1])
}

func TestSequentialPoolStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ran := 0
	SequentialPool{}.Run(ctx, []func(context.Context){
		func(context.Context) { ran++; cancel() },
		func(context.Context) { ran++ },
	})
	assert.Equal(t, 1, ran)
}
