// Package evm adapts EVM networks (Ethereum, Gnosis, Polygon, ...) to
// chain.Client using a JSON-RPC node for point lookups and an
// Etherscan-compatible explorer for address history.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/shopspring/decimal"
)

// Config configures a Client.
type Config struct {
	Network        chain.Network
	RPCURL         string
	ExplorerURL    string
	ExplorerAPIKey string

	HTTPClient *http.Client     // defaults to a client with a 15s timeout
	Limiter    chain.Limiter    // optional explorer throttle
	Metrics    *metrics.Metrics // optional
	Logger     *slog.Logger

	// RetryBase is the first backoff step for rate-limited or failed calls.
	RetryBase time.Duration
}

// Client implements chain.Client and chain.CallEncoder for one EVM network.
type Client struct {
	network  chain.Network
	rpc      *rpcClient
	explorer *explorer
	logger   *slog.Logger
}

var (
	_ chain.Client      = (*Client)(nil)
	_ chain.CallEncoder = (*Client)(nil)
)

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("network %d: rpc url is required", cfg.Network.ID)
	}
	if cfg.ExplorerURL == "" {
		return nil, fmt.Errorf("network %d: explorer url is required", cfg.Network.ID)
	}
	if _, err := url.Parse(cfg.ExplorerURL); err != nil {
		return nil, fmt.Errorf("network %d: invalid explorer url: %w", cfg.Network.ID, err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}

	name := strconv.Itoa(cfg.Network.ID)
	logger := cfg.Logger.With("network_id", cfg.Network.ID)

	return &Client{
		network: cfg.Network,
		rpc: &rpcClient{
			url:        cfg.RPCURL,
			network:    name,
			httpClient: cfg.HTTPClient,
			retryBase:  cfg.RetryBase,
			metrics:    cfg.Metrics,
			logger:     logger,
		},
		explorer: &explorer{
			baseURL:    cfg.ExplorerURL,
			apiKey:     cfg.ExplorerAPIKey,
			network:    name,
			httpClient: cfg.HTTPClient,
			limiter:    cfg.Limiter,
			retryBase:  cfg.RetryBase,
			metrics:    cfg.Metrics,
			logger:     logger,
		},
		logger: logger,
	}, nil
}

func (c *Client) Network() chain.Network { return c.network }

func (c *Client) TransactionCount(ctx context.Context, address string) (uint64, error) {
	return c.rpc.transactionCount(ctx, address)
}

// NativeTransfer returns the transaction's native value. Contract calls are
// returned too, with their call data in Input.
func (c *Client) NativeTransfer(ctx context.Context, hash string) (*chain.Transaction, error) {
	raw, ts, failed, err := c.fetchMined(ctx, hash)
	if err != nil {
		return nil, err
	}
	value, err := parseHexBig(raw.Value)
	if err != nil {
		return nil, fmt.Errorf("transaction %s value: %w", hash, err)
	}

	tx := &chain.Transaction{
		Hash:      raw.Hash,
		From:      raw.From,
		Amount:    chain.FromBaseUnits(value, c.network.NativeDecimals),
		Currency:  c.network.NativeSymbol,
		Timestamp: ts,
		Input:     raw.Input,
		Failed:    failed,
	}
	if raw.To != nil {
		tx.To = *raw.To
	}
	if n, err := parseHexUint(raw.Nonce); err == nil {
		tx.Nonce = &n
	}
	return tx, nil
}

// TokenTransfer decodes the transaction as token.transfer(to, value).
func (c *Client) TokenTransfer(ctx context.Context, hash string, token chain.Token) (*chain.Transaction, error) {
	raw, ts, failed, err := c.fetchMined(ctx, hash)
	if err != nil {
		return nil, err
	}
	if raw.To == nil || !chain.SameAddress(*raw.To, token.Address) {
		to := ""
		if raw.To != nil {
			to = *raw.To
		}
		return nil, fmt.Errorf("%w: %s called %s, expected %s", chain.ErrContractMismatch, hash, to, token.Address)
	}

	to, value, err := DecodeTransfer(raw.Input)
	if err != nil {
		return nil, err
	}

	tx := &chain.Transaction{
		Hash:         raw.Hash,
		From:         raw.From,
		To:           to,
		Amount:       chain.FromBaseUnits(value, token.Decimals),
		Currency:     token.Symbol,
		TokenAddress: token.Address,
		Timestamp:    ts,
		Input:        raw.Input,
		Failed:       failed,
	}
	if n, err := parseHexUint(raw.Nonce); err == nil {
		tx.Nonce = &n
	}
	return tx, nil
}

// fetchMined loads a transaction with its block time and receipt status.
// Pending transactions are reported as not found.
func (c *Client) fetchMined(ctx context.Context, hash string) (*rpcTransaction, time.Time, bool, error) {
	raw, err := c.rpc.transactionByHash(ctx, hash)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if raw == nil || raw.BlockNumber == nil {
		return nil, time.Time{}, false, fmt.Errorf("%w: %s", chain.ErrTransactionNotFound, hash)
	}

	ts, err := c.rpc.blockTimestamp(ctx, *raw.BlockNumber)
	if err != nil {
		return nil, time.Time{}, false, err
	}

	receipt, err := c.rpc.receipt(ctx, hash)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	failed := receipt != nil && receipt.Status == "0x0"
	return raw, ts, failed, nil
}

// History lists normal transactions sent from or to address. The cursor is
// the explorer page number.
func (c *Client) History(ctx context.Context, address string, page chain.PageRequest) (*chain.Page, error) {
	num, err := pageNumber(page.Cursor)
	if err != nil {
		return nil, err
	}
	size := pageSize(page.Size)
	rows, err := c.explorer.list(ctx, "txlist", address, num, size, nil)
	if err != nil {
		return nil, err
	}

	out := make([]chain.Transaction, 0, len(rows))
	for _, r := range rows {
		tx, err := c.fromRow(r, c.network.Native())
		if err != nil {
			c.logger.Warn("skipping malformed explorer row", "hash", r.Hash, "error", err)
			continue
		}
		tx.Failed = r.IsError == "1" || r.TxReceiptStatus == "0"
		out = append(out, tx)
	}
	return &chain.Page{Transactions: out, NextCursor: nextCursor(num, size, len(rows))}, nil
}

// TokenTransfers lists ERC-20 Transfer events involving address. Rows for
// tokens missing from the network config are dropped.
func (c *Client) TokenTransfers(ctx context.Context, address string, token *chain.Token, page chain.PageRequest) (*chain.Page, error) {
	num, err := pageNumber(page.Cursor)
	if err != nil {
		return nil, err
	}
	var extra url.Values
	if token != nil {
		extra = url.Values{"contractaddress": {token.Address}}
	}
	size := pageSize(page.Size)
	rows, err := c.explorer.list(ctx, "tokentx", address, num, size, extra)
	if err != nil {
		return nil, err
	}

	out := make([]chain.Transaction, 0, len(rows))
	for _, r := range rows {
		t, ok := c.network.TokenByAddress(r.ContractAddress)
		if !ok || t.IsNative() {
			continue
		}
		tx, err := c.fromRow(r, t)
		if err != nil {
			c.logger.Warn("skipping malformed token transfer row", "hash", r.Hash, "error", err)
			continue
		}
		tx.TokenAddress = t.Address
		out = append(out, tx)
	}
	return &chain.Page{Transactions: out, NextCursor: nextCursor(num, size, len(rows))}, nil
}

// TransferCallData precomputes the call data a wallet sends for a token
// donation, so history rows can be matched on Input.
func (c *Client) TransferCallData(to string, amount decimal.Decimal, token chain.Token) (string, error) {
	value, err := chain.ToBaseUnits(amount, token.Decimals)
	if err != nil {
		return "", err
	}
	return EncodeTransfer(to, value)
}

func (c *Client) fromRow(r explorerTx, asset chain.Token) (chain.Transaction, error) {
	amount, err := chain.ParseBaseUnits(r.Value, asset.Decimals)
	if err != nil {
		return chain.Transaction{}, err
	}
	secs, err := strconv.ParseInt(r.TimeStamp, 10, 64)
	if err != nil {
		return chain.Transaction{}, fmt.Errorf("timestamp %q: %w", r.TimeStamp, err)
	}
	tx := chain.Transaction{
		Hash:      r.Hash,
		From:      r.From,
		To:        r.To,
		Amount:    amount,
		Currency:  asset.Symbol,
		Timestamp: time.Unix(secs, 0).UTC(),
		Input:     r.Input,
	}
	if n, err := strconv.ParseUint(r.Nonce, 10, 64); err == nil {
		tx.Nonce = &n
	}
	return tx, nil
}

func pageNumber(cursor string) (int, error) {
	if cursor == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(cursor))
	if err != nil || n < 1 {
		return 0, errors.New("invalid history cursor " + strconv.Quote(cursor))
	}
	return n, nil
}

func pageSize(n int) int {
	if n <= 0 {
		return 1000
	}
	return min(n, explorerWindow)
}

func nextCursor(page, size, got int) string {
	if got < size || (page+1)*size > explorerWindow {
		return ""
	}
	return strconv.Itoa(page + 1)
}
