package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/chain/evm"
	"github.com/brojonat/givewatch/service/db"
	"github.com/brojonat/givewatch/service/donation"
	"github.com/brojonat/givewatch/service/nats"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	donor   = "0xAbC0000000000000000000000000000000000001"
	project = "0xdef0000000000000000000000000000000000002"
	other   = "0x9990000000000000000000000000000000000009"
	daiAddr = "0x6b175474e89094c44da98b954eedeac495271d0f"
)

var draftTime = time.Now().Add(-10 * time.Minute).UTC().Truncate(time.Second)

func mainnet() chain.Network {
	return chain.Network{
		ID:             1,
		Name:           "mainnet",
		Family:         chain.FamilyEVM,
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		Tokens:         []chain.Token{{Symbol: "DAI", Address: daiAddr, Decimals: 18}},
	}
}

func u64(n uint64) *uint64 { return &n }

func nativeTx(hash, to, amount string, n uint64, at time.Time) chain.Transaction {
	return chain.Transaction{
		Hash:      hash,
		From:      donor,
		To:        to,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "ETH",
		Nonce:     u64(n),
		Timestamp: at,
	}
}

func ethDraft(amount string) db.DraftDonation {
	return db.DraftDonation{
		NetworkID:   1,
		Currency:    "ETH",
		FromAddress: donor,
		ToAddress:   project,
		Amount:      decimal.RequireFromString(amount),
		ProjectID:   7,
		CreatedAt:   draftTime,
	}
}

func daiDraft(amount string) db.DraftDonation {
	d := ethDraft(amount)
	d.Currency = "DAI"
	d.TokenAddress = daiAddr
	return d
}

func newDraftMatcher(ledger *fakeLedger, clients Clients, pub nats.Publisher) *DraftMatcher {
	svc := donation.NewService(ledger, pub, nil, testLogger())
	return NewDraftMatcher(ledger, clients, svc, DraftConfig{
		GracePeriod: time.Minute,
		PageSize:    2,
		Logger:      testLogger(),
	})
}

func TestDraftMatcher_NativeScenario(t *testing.T) {
	ledger := newFakeLedger()
	d := ledger.addDraft(ethDraft("0.04"))

	client := &fakeChain{network: mainnet(), history: []chain.Page{{
		Transactions: []chain.Transaction{
			nativeTx("0xunrelated", other, "0.04", 13, draftTime.Add(3*time.Minute)),
			nativeTx("0xh1", project, "0.04", 12, draftTime.Add(2*time.Minute)),
		},
	}}}
	pub := nats.NewMockPublisher()
	m := newDraftMatcher(ledger, fakeRegistry{1: client}, pub)

	summary, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.SendersScanned)
	assert.Equal(t, int64(1), summary.Matches)
	assert.Equal(t, int64(0), summary.Errors)
	assert.Equal(t, int64(1), summary.PagesFetched)

	donations := ledger.allDonations()
	require.Len(t, donations, 1)
	assert.Equal(t, "0xh1", donations[0].TransactionID)
	assert.True(t, donations[0].Amount.Equal(decimal.RequireFromString("0.04")))
	require.NotNil(t, donations[0].Nonce)
	assert.Equal(t, int64(12), *donations[0].Nonce)

	got := ledger.draft(d.ID)
	assert.Equal(t, db.DraftStatusMatched, got.Status)
	require.NotNil(t, got.MatchedDonationID)
	assert.Equal(t, donations[0].ID, *got.MatchedDonationID)
	assert.Len(t, pub.Events(), 1)
}

func TestDraftMatcher_Idempotent(t *testing.T) {
	ledger := newFakeLedger()
	d := ledger.addDraft(ethDraft("0.04"))

	client := &fakeChain{network: mainnet(), history: []chain.Page{{
		Transactions: []chain.Transaction{nativeTx("0xh1", project, "0.04", 12, draftTime.Add(time.Minute))},
	}}}
	m := newDraftMatcher(ledger, fakeRegistry{1: client}, nil)

	// Both runs see the draft as pending, as two overlapping workers would.
	first, err := m.MatchSender(context.Background(), donor, []*db.DraftDonation{d})
	require.NoError(t, err)
	dup := *d
	second, err := m.MatchSender(context.Background(), donor, []*db.DraftDonation{&dup})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Matches)
	assert.Equal(t, int64(0), second.Matches)
	assert.Equal(t, int64(1), second.Duplicates)
	assert.Len(t, ledger.allDonations(), 1)
}

func TestDraftMatcher_StopsAtOldestDraft(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addDraft(ethDraft("1"))

	client := &fakeChain{network: mainnet(), history: []chain.Page{
		{
			Transactions: []chain.Transaction{
				nativeTx("0xa", other, "5", 20, draftTime.Add(time.Minute)),
				nativeTx("0xb", other, "5", 19, draftTime.Add(-time.Hour)),
			},
			NextCursor: "1",
		},
		{
			Transactions: []chain.Transaction{nativeTx("0xc", project, "1", 18, draftTime.Add(-2*time.Hour))},
		},
	}}
	m := newDraftMatcher(ledger, fakeRegistry{1: client}, nil)

	summary, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, client.historyHits)
	assert.Equal(t, int64(1), summary.PagesFetched)
	assert.Equal(t, int64(0), summary.Matches)
	assert.Empty(t, ledger.allDonations())
}

func TestDraftMatcher_PagesUntilMatched(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addDraft(ethDraft("1"))

	client := &fakeChain{network: mainnet(), history: []chain.Page{
		{
			Transactions: []chain.Transaction{
				nativeTx("0xa", other, "1", 22, draftTime.Add(5*time.Minute)),
				nativeTx("0xb", project, "2", 21, draftTime.Add(4*time.Minute)),
			},
			NextCursor: "1",
		},
		{
			Transactions: []chain.Transaction{
				nativeTx("0xc", project, "1", 20, draftTime.Add(3*time.Minute)),
				nativeTx("0xd", project, "1", 19, draftTime.Add(2*time.Minute)),
			},
			NextCursor: "2",
		},
		{
			Transactions: []chain.Transaction{nativeTx("0xe", project, "1", 18, draftTime.Add(time.Minute))},
		},
	}}
	m := newDraftMatcher(ledger, fakeRegistry{1: client}, nil)

	summary, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, client.historyHits, "stops once every draft is matched")
	assert.Equal(t, int64(1), summary.Matches)

	donations := ledger.allDonations()
	require.Len(t, donations, 1)
	assert.Equal(t, "0xc", donations[0].TransactionID)
}

func TestDraftMatcher_EmptyPageWithCursorKeepsPaging(t *testing.T) {
	ledger := newFakeLedger()
	d := ledger.addDraft(ethDraft("1"))

	client := &fakeChain{network: mainnet(), history: []chain.Page{
		{NextCursor: "1"},
		{Transactions: []chain.Transaction{nativeTx("0xfound", project, "1", 20, draftTime.Add(time.Minute))}},
	}}
	m := newDraftMatcher(ledger, fakeRegistry{1: client}, nil)

	summary, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, client.historyHits)
	assert.Equal(t, int64(1), summary.Matches)
	assert.Equal(t, db.DraftStatusMatched, ledger.draft(d.ID).Status)

	donations := ledger.allDonations()
	require.Len(t, donations, 1)
	assert.Equal(t, "0xfound", donations[0].TransactionID)
}

func TestDraftMatcher_SkipsFailedAndForeignTransactions(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addDraft(ethDraft("1"))

	reverted := nativeTx("0xreverted", project, "1", 12, draftTime.Add(3*time.Minute))
	reverted.Failed = true
	incoming := nativeTx("0xincoming", project, "1", 3, draftTime.Add(2*time.Minute))
	incoming.From = other

	client := &fakeChain{network: mainnet(), history: []chain.Page{{
		Transactions: []chain.Transaction{reverted, incoming},
	}}}
	m := newDraftMatcher(ledger, fakeRegistry{1: client}, nil)

	summary, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Matches)
	assert.Empty(t, ledger.allDonations())
}

func TestDraftMatcher_OneTransactionBindsOneDraft(t *testing.T) {
	ledger := newFakeLedger()
	first := ledger.addDraft(ethDraft("1"))
	secondDraft := ethDraft("1")
	secondDraft.ProjectID = 8
	secondDraft.CreatedAt = draftTime.Add(time.Second)
	second := ledger.addDraft(secondDraft)

	client := &fakeChain{network: mainnet(), history: []chain.Page{{
		Transactions: []chain.Transaction{nativeTx("0xonly", project, "1", 12, draftTime.Add(time.Minute))},
	}}}
	m := newDraftMatcher(ledger, fakeRegistry{1: client}, nil)

	_, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)

	assert.Len(t, ledger.allDonations(), 1)
	assert.Equal(t, db.DraftStatusMatched, ledger.draft(first.ID).Status)
	assert.Equal(t, db.DraftStatusPending, ledger.draft(second.ID).Status, "partial match stays pending")
}

func TestDraftMatcher_TokenByCallData(t *testing.T) {
	ledger := newFakeLedger()
	d := ledger.addDraft(daiDraft("1760"))

	value, err := chain.ToBaseUnits(decimal.RequireFromString("1760"), 18)
	require.NoError(t, err)
	input, err := evm.EncodeTransfer(project, value)
	require.NoError(t, err)

	// The outer call goes to the DAI contract with zero ETH value.
	call := nativeTx("0xdai", daiAddr, "0", 30, draftTime.Add(time.Minute))
	call.Input = input

	client := evmChain{&fakeChain{network: mainnet(), history: []chain.Page{{
		Transactions: []chain.Transaction{call},
	}}}}
	m := newDraftMatcher(ledger, fakeRegistry{1: client}, nil)

	summary, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Matches)
	assert.Equal(t, 0, client.tokenHits, "fast path needs no token scan")

	got := ledger.draft(d.ID)
	assert.Equal(t, db.DraftStatusMatched, got.Status)
	require.NotNil(t, got.ExpectedCallData)
	assert.Equal(t, input, *got.ExpectedCallData)
	assert.Equal(t, 1, ledger.callDataWrites)

	donations := ledger.allDonations()
	require.Len(t, donations, 1)
	assert.Equal(t, "DAI", donations[0].Currency)
	assert.Equal(t, project, donations[0].ToAddress)
	assert.True(t, donations[0].Amount.Equal(decimal.NewFromInt(1760)))
}

func TestDraftMatcher_TokenByTransferList(t *testing.T) {
	ledger := newFakeLedger()
	d := ledger.addDraft(daiDraft("25.5"))

	routed := nativeTx("0xrouter", other, "0", 40, draftTime.Add(time.Minute))
	routed.Input = "0x12345678"
	transfer := chain.Transaction{
		Hash:         "0xrouter",
		From:         donor,
		To:           project,
		Amount:       decimal.RequireFromString("25.5"),
		Currency:     "DAI",
		TokenAddress: daiAddr,
		Nonce:        u64(40),
		Timestamp:    draftTime.Add(time.Minute),
	}

	client := evmChain{&fakeChain{
		network: mainnet(),
		history: []chain.Page{{Transactions: []chain.Transaction{routed}}},
		tokens:  []chain.Page{{Transactions: []chain.Transaction{transfer}}},
	}}
	m := newDraftMatcher(ledger, fakeRegistry{1: client}, nil)

	summary, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Matches)
	assert.Equal(t, 1, client.tokenHits)
	assert.Equal(t, db.DraftStatusMatched, ledger.draft(d.ID).Status)
}

func TestDraftMatcher_DecodedHistoryEntries(t *testing.T) {
	solNet := chain.Network{
		ID: 101, Family: chain.FamilySolana, NativeSymbol: "SOL", NativeDecimals: 9,
		Tokens: []chain.Token{{Symbol: "USDC", Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6}},
	}
	ledger := newFakeLedger()
	d := ledger.addDraft(db.DraftDonation{
		NetworkID:    101,
		Currency:     "USDC",
		TokenAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		FromAddress:  "DonorWallet",
		ToAddress:    "ProjectWallet",
		Amount:       decimal.RequireFromString("12.5"),
		ProjectID:    3,
		CreatedAt:    draftTime,
	})

	client := &fakeChain{
		network:  solNet,
		tokenErr: chain.ErrUnsupported,
		history: []chain.Page{{Transactions: []chain.Transaction{{
			Hash:         "5sig",
			From:         "DonorWallet",
			To:           "ProjectWallet",
			Amount:       decimal.RequireFromString("12.5"),
			Currency:     "USDC",
			TokenAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Timestamp:    draftTime.Add(time.Minute),
		}}}},
	}
	m := newDraftMatcher(ledger, fakeRegistry{101: client}, nil)

	summary, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Matches)
	assert.Equal(t, db.DraftStatusMatched, ledger.draft(d.ID).Status)
}

func TestDraftMatcher_SenderErrorsAreIsolated(t *testing.T) {
	ledger := newFakeLedger()
	broken := ledger.addDraft(ethDraft("1"))
	okDraft := ethDraft("2")
	okDraft.NetworkID = 10
	okDraft.FromAddress = other
	healthy := ledger.addDraft(okDraft)

	optimism := mainnet()
	optimism.ID = 10
	clients := fakeRegistry{
		1: &fakeChain{network: mainnet(), listErr: errors.New("explorer down")},
		10: &fakeChain{network: optimism, history: []chain.Page{{Transactions: []chain.Transaction{{
			Hash: "0xok", From: other, To: project, Amount: decimal.NewFromInt(2), Currency: "ETH",
			Timestamp: draftTime.Add(time.Minute),
		}}}}},
	}
	m := newDraftMatcher(ledger, clients, nil)

	summary, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.SendersScanned)
	assert.Equal(t, int64(1), summary.Errors)
	assert.Equal(t, int64(1), summary.Matches)
	assert.Equal(t, db.DraftStatusPending, ledger.draft(broken.ID).Status)
	assert.Equal(t, db.DraftStatusMatched, ledger.draft(healthy.ID).Status)
}

func TestDraftMatcher_GracePeriod(t *testing.T) {
	ledger := newFakeLedger()
	fresh := ethDraft("1")
	fresh.CreatedAt = time.Now()
	ledger.addDraft(fresh)

	client := &fakeChain{network: mainnet()}
	m := newDraftMatcher(ledger, fakeRegistry{1: client}, nil)

	summary, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.SendersScanned)
	assert.Equal(t, 0, client.historyHits)
}

func TestDraftMatcher_UnknownNetworkIsSkipped(t *testing.T) {
	ledger := newFakeLedger()
	d := ethDraft("1")
	d.NetworkID = 999
	ledger.addDraft(d)

	m := newDraftMatcher(ledger, fakeRegistry{}, nil)
	summary, err := m.MatchPendingDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Errors)
	assert.Equal(t, int64(1), summary.SendersScanned)
}

func TestGroupBySender(t *testing.T) {
	a := &db.DraftDonation{ID: 1, FromAddress: "0xAAA"}
	b := &db.DraftDonation{ID: 2, FromAddress: "0xbbb"}
	c := &db.DraftDonation{ID: 3, FromAddress: "0xaaa"}

	order, groups := groupBySender([]*db.DraftDonation{a, b, c})
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, order)
	assert.Len(t, groups["0xaaa"], 2)
}
