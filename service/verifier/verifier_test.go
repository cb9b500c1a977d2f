package verifier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sender    = "0xAbC0000000000000000000000000000000000001"
	recipient = "0xdef0000000000000000000000000000000000002"
	daiAddr   = "0x6B175474E89094C44Da98b954EedeAC495271d0F"
)

var claimTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func mainnet() chain.Network {
	return chain.Network{
		ID:             1,
		Family:         chain.FamilyEVM,
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		Tokens:         []chain.Token{{Symbol: "DAI", Address: daiAddr, Decimals: 18}},
	}
}

// fakeClient serves canned chain data. pages[i] answers cursor strconv.Itoa(i),
// with "" meaning page 0.
type fakeClient struct {
	network  chain.Network
	count    uint64
	countErr error
	native   map[string]*chain.Transaction
	token    map[string]*chain.Transaction
	tokenErr error
	pages    []chain.Page
	listErr  error

	countCalls  int
	lookupCalls int
	pageCalls   int
}

func (f *fakeClient) Network() chain.Network { return f.network }

func (f *fakeClient) TransactionCount(context.Context, string) (uint64, error) {
	f.countCalls++
	return f.count, f.countErr
}

func (f *fakeClient) NativeTransfer(_ context.Context, hash string) (*chain.Transaction, error) {
	f.lookupCalls++
	if tx, ok := f.native[hash]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, chain.ErrTransactionNotFound
}

func (f *fakeClient) TokenTransfer(_ context.Context, hash string, _ chain.Token) (*chain.Transaction, error) {
	f.lookupCalls++
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	if tx, ok := f.token[hash]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, chain.ErrTransactionNotFound
}

func (f *fakeClient) page(cursor string) (*chain.Page, error) {
	f.pageCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	idx := 0
	if cursor != "" {
		idx, _ = strconv.Atoi(cursor)
	}
	if idx >= len(f.pages) {
		return &chain.Page{}, nil
	}
	p := f.pages[idx]
	return &p, nil
}

func (f *fakeClient) History(_ context.Context, _ string, req chain.PageRequest) (*chain.Page, error) {
	return f.page(req.Cursor)
}

func (f *fakeClient) TokenTransfers(_ context.Context, _ string, _ *chain.Token, req chain.PageRequest) (*chain.Page, error) {
	return f.page(req.Cursor)
}

func nonce(n uint64) *uint64 { return &n }

func ethTx(hash string, n uint64, amount string) *chain.Transaction {
	return &chain.Transaction{
		Hash:      hash,
		From:      sender,
		To:        recipient,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "ETH",
		Nonce:     nonce(n),
		Timestamp: claimTime.Add(-10 * time.Minute),
	}
}

func daiTx(hash string, n uint64, amount string) chain.Transaction {
	return chain.Transaction{
		Hash:         hash,
		From:         sender,
		To:           recipient,
		Amount:       decimal.RequireFromString(amount),
		Currency:     "DAI",
		TokenAddress: daiAddr,
		Nonce:        nonce(n),
		Timestamp:    claimTime.Add(-time.Hour),
	}
}

func newVerifier(c *fakeClient) *Verifier {
	return New(chain.NewRegistry(c), Config{
		PageSize: 3,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func ethIntent(hash string) Intent {
	return Intent{
		NetworkID: 1,
		Currency:  "ETH",
		TxHash:    hash,
		From:      sender,
		To:        recipient,
		Amount:    decimal.RequireFromString("0.04"),
		ClaimedAt: claimTime,
	}
}

func TestVerify_NativeByHash(t *testing.T) {
	c := &fakeClient{
		network: mainnet(),
		count:   13,
		native:  map[string]*chain.Transaction{"0xaaa": ethTx("0xaaa", 12, "0.04")},
	}
	in := ethIntent("0xaaa")
	in.Nonce = nonce(12)
	// claim addresses in a different case still match
	in.From = "0xabc0000000000000000000000000000000000001"

	tx, err := newVerifier(c).Verify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "0xaaa", tx.Hash)
	assert.False(t, tx.Speedup)
	assert.True(t, decimal.RequireFromString("0.04").Equal(tx.Amount))
}

func TestVerify_NonceNotMined(t *testing.T) {
	for _, n := range []uint64{10, 11, 12, 13, 14, 15} {
		t.Run(strconv.FormatUint(n, 10), func(t *testing.T) {
			c := &fakeClient{
				network: mainnet(),
				count:   10,
				native:  map[string]*chain.Transaction{"0xaaa": ethTx("0xaaa", n, "0.04")},
			}
			in := ethIntent("0xaaa")
			in.Nonce = nonce(n)

			tx, err := newVerifier(c).Verify(context.Background(), in)
			require.Error(t, err)
			assert.Nil(t, tx)
			assert.ErrorIs(t, err, ErrNonceNotMined)
			assert.True(t, IsRetryable(err))
			assert.False(t, IsTerminal(err))
			assert.Zero(t, c.lookupCalls, "no lookup once the nonce is known unmined")
		})
	}
}

func TestVerify_NonceUnsupportedSkipsCheck(t *testing.T) {
	c := &fakeClient{
		network:  mainnet(),
		countErr: chain.ErrNonceUnsupported,
		native:   map[string]*chain.Transaction{"0xaaa": ethTx("0xaaa", 0, "0.04")},
	}
	in := ethIntent("0xaaa")
	in.Nonce = nonce(99)

	_, err := newVerifier(c).Verify(context.Background(), in)
	require.NoError(t, err)
}

func TestVerify_CountErrorIsInfrastructure(t *testing.T) {
	c := &fakeClient{network: mainnet(), countErr: errors.New("rpc down")}
	in := ethIntent("0xaaa")
	in.Nonce = nonce(1)

	_, err := newVerifier(c).Verify(context.Background(), in)
	require.Error(t, err)
	_, isKind := KindOf(err)
	assert.False(t, isKind)
}

func TestVerify_SpeedupDAI(t *testing.T) {
	// H1 was replaced by H2 with the same nonce, recipient and amount.
	c := &fakeClient{
		network: mainnet(),
		count:   40,
		pages: []chain.Page{
			{
				Transactions: []chain.Transaction{
					daiTx("0xh4", 15, "5"),
					daiTx("0xh3", 14, "5"),
					{Hash: "0xin", From: recipient, To: sender, Amount: decimal.NewFromInt(1), Nonce: nonce(3)},
				},
				NextCursor: "1",
			},
			{
				Transactions: []chain.Transaction{
					daiTx("0xh2b", 13, "1"),
					daiTx("0xh2", 12, "1760"),
					daiTx("0xh0", 11, "1"),
				},
				NextCursor: "2",
			},
		},
	}
	in := Intent{
		NetworkID: 1,
		Currency:  "DAI",
		TxHash:    "0xh1",
		From:      sender,
		To:        recipient,
		Amount:    decimal.NewFromInt(1760),
		Nonce:     nonce(12),
		ClaimedAt: claimTime,
	}

	tx, err := newVerifier(c).Verify(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "0xh2", tx.Hash)
	assert.True(t, tx.Speedup)
	assert.True(t, decimal.NewFromInt(1760).Equal(tx.Amount))
	assert.Equal(t, 2, c.pageCalls)
}

func TestVerify_SpeedupValidatesReplacement(t *testing.T) {
	c := &fakeClient{
		network: mainnet(),
		count:   40,
		pages: []chain.Page{{
			Transactions: []chain.Transaction{daiTx("0xh2", 12, "1759")},
		}},
	}
	in := Intent{
		NetworkID: 1, Currency: "DAI", TxHash: "0xh1",
		From: sender, To: recipient, Amount: decimal.NewFromInt(1760), Nonce: nonce(12),
	}

	_, err := newVerifier(c).Verify(context.Background(), in)
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func TestVerify_SpeedupTermination(t *testing.T) {
	tests := []struct {
		name      string
		pages     []chain.Page
		wantErr   error
		wantPages int
	}{
		{
			name:      "empty first page",
			pages:     nil,
			wantErr:   ErrTransactionNotFound,
			wantPages: 1,
		},
		{
			name: "nonce range passed on first page",
			pages: []chain.Page{{
				Transactions: []chain.Transaction{*ethTx("0x3", 13, "1"), *ethTx("0x1", 11, "1")},
				NextCursor:   "1",
			}, {
				Transactions: []chain.Transaction{*ethTx("0x0", 10, "1")},
			}},
			wantErr:   ErrNotFoundInHistory,
			wantPages: 1,
		},
		{
			name: "history exhausted above the nonce",
			pages: []chain.Page{{
				Transactions: []chain.Transaction{*ethTx("0x5", 15, "1"), *ethTx("0x4", 14, "1")},
			}},
			wantErr:   ErrNotFoundInHistory,
			wantPages: 1,
		},
		{
			name: "empty page after earlier pages",
			pages: []chain.Page{{
				Transactions: []chain.Transaction{*ethTx("0x5", 15, "1")},
				NextCursor:   "1",
			}},
			wantErr:   ErrTransactionNotFound,
			wantPages: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeClient{network: mainnet(), count: 40, pages: tt.pages}
			in := ethIntent("0xgone")
			in.Nonce = nonce(12)

			_, err := newVerifier(c).Verify(context.Background(), in)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsTerminal(err))
			assert.Equal(t, tt.wantPages, c.pageCalls)
		})
	}
}

func TestVerify_SpeedupPageError(t *testing.T) {
	c := &fakeClient{network: mainnet(), count: 40, listErr: errors.New("explorer 503")}
	in := ethIntent("0xgone")
	in.Nonce = nonce(12)

	_, err := newVerifier(c).Verify(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explorer 503")
}

func TestVerify_MismatchRejection(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(tx *chain.Transaction)
		wantErr error
	}{
		{
			name:    "to",
			mutate:  func(tx *chain.Transaction) { tx.To = "0x9990000000000000000000000000000000000009" },
			wantErr: ErrToAddressMismatch,
		},
		{
			name:    "from",
			mutate:  func(tx *chain.Transaction) { tx.From = "0x9990000000000000000000000000000000000009" },
			wantErr: ErrFromAddressMismatch,
		},
		{
			name:    "amount",
			mutate:  func(tx *chain.Transaction) { tx.Amount = decimal.RequireFromString("0.0400001") },
			wantErr: ErrAmountMismatch,
		},
		{
			name:    "timestamp after claim",
			mutate:  func(tx *chain.Transaction) { tx.Timestamp = claimTime.Add(time.Second) },
			wantErr: ErrTimestampInvalid,
		},
		{
			name:    "reverted",
			mutate:  func(tx *chain.Transaction) { tx.Failed = true },
			wantErr: ErrTransactionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := ethTx("0xaaa", 12, "0.04")
			tt.mutate(tx)
			c := &fakeClient{network: mainnet(), native: map[string]*chain.Transaction{"0xaaa": tx}}

			got, err := newVerifier(c).Verify(context.Background(), ethIntent("0xaaa"))
			require.Error(t, err)
			assert.Nil(t, got)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerify_AddressMismatchFamily(t *testing.T) {
	assert.ErrorIs(t, newError(KindToAddressMismatch, "x"), ErrAddressMismatch)
	assert.ErrorIs(t, newError(KindFromAddressMismatch, "x"), ErrAddressMismatch)
	assert.NotErrorIs(t, newError(KindAmountMismatch, "x"), ErrAddressMismatch)
}

func TestVerify_TimestampTolerance(t *testing.T) {
	tx := ethTx("0xaaa", 12, "0.04")
	tx.Timestamp = claimTime.Add(30 * time.Second)
	c := &fakeClient{network: mainnet(), native: map[string]*chain.Transaction{"0xaaa": tx}}

	v := New(chain.NewRegistry(c), Config{
		TimestampTolerance: time.Minute,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_, err := v.Verify(context.Background(), ethIntent("0xaaa"))
	require.NoError(t, err)

	// zero claim time disables the check
	in := ethIntent("0xaaa")
	in.ClaimedAt = time.Time{}
	tx.Timestamp = claimTime.Add(24 * time.Hour)
	_, err = newVerifier(c).Verify(context.Background(), in)
	require.NoError(t, err)
}

func TestVerify_TokenLookupErrors(t *testing.T) {
	tests := []struct {
		name     string
		tokenErr error
		wantErr  error
	}{
		{name: "wrong contract", tokenErr: chain.ErrContractMismatch, wantErr: ErrAssetContractMismatch},
		{name: "not a transfer", tokenErr: chain.ErrNotTransfer, wantErr: ErrInvalidTokenTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeClient{network: mainnet(), tokenErr: tt.tokenErr}
			in := ethIntent("0xaaa")
			in.Currency = "DAI"

			_, err := newVerifier(c).Verify(context.Background(), in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerify_ResolutionErrors(t *testing.T) {
	c := &fakeClient{network: mainnet()}

	in := ethIntent("0xaaa")
	in.NetworkID = 137
	_, err := newVerifier(c).Verify(context.Background(), in)
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)

	in = ethIntent("0xaaa")
	in.Currency = "USDT"
	_, err = newVerifier(c).Verify(context.Background(), in)
	assert.ErrorIs(t, err, ErrUnknownAsset)

	// unknown hash without a nonce has no fallback
	_, err = newVerifier(c).Verify(context.Background(), ethIntent("0xnope"))
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Zero(t, c.pageCalls)
}

func TestKindOf(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), newError(KindAmountMismatch, "x"))
	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindAmountMismatch, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}
