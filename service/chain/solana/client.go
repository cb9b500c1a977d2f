// Package solana adapts Solana mainnet to chain.Client. Solana has no account
// nonces, so TransactionCount always reports chain.ErrNonceUnsupported and
// speed-up detection does not apply.
package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Config configures a Client.
type Config struct {
	Network chain.Network
	RPC     RPCClient
	Limiter chain.Limiter    // optional, consulted before every RPC call
	Metrics *metrics.Metrics // optional
	Logger  *slog.Logger

	// RetryBase is the first backoff step; rate limiting doubles it.
	RetryBase time.Duration
}

// Client implements chain.Client for one Solana cluster.
type Client struct {
	network   chain.Network
	rpc       RPCClient
	limiter   chain.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	retryBase time.Duration
	label     string
}

var _ chain.Client = (*Client)(nil)

// NewClient returns a Client. cfg.RPC is required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPC == nil {
		return nil, fmt.Errorf("network %d: rpc client is required", cfg.Network.ID)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Client{
		network:   cfg.Network,
		rpc:       cfg.RPC,
		limiter:   cfg.Limiter,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("network_id", cfg.Network.ID),
		retryBase: cfg.RetryBase,
		label:     strconv.Itoa(cfg.Network.ID),
	}, nil
}

func (c *Client) Network() chain.Network { return c.network }

func (c *Client) TransactionCount(context.Context, string) (uint64, error) {
	return 0, chain.ErrNonceUnsupported
}

// NativeTransfer returns the first System Program transfer in the transaction.
func (c *Client) NativeTransfer(ctx context.Context, hash string) (*chain.Transaction, error) {
	result, err := c.fetch(ctx, hash)
	if err != nil {
		return nil, err
	}
	transfers, err := parseTransfers(result)
	if err != nil {
		return nil, err
	}
	for _, t := range transfers {
		if t.native() {
			tx := c.normalize(hash, result, t, c.network.Native())
			return &tx, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no SOL transfer", chain.ErrNotTransfer, hash)
}

// TokenTransfer returns the first SPL transfer of token's mint.
func (c *Client) TokenTransfer(ctx context.Context, hash string, token chain.Token) (*chain.Transaction, error) {
	result, err := c.fetch(ctx, hash)
	if err != nil {
		return nil, err
	}
	transfers, err := parseTransfers(result)
	if err != nil {
		return nil, err
	}

	sawToken := false
	for _, t := range transfers {
		if t.native() {
			continue
		}
		sawToken = true
		if t.Mint.String() == token.Address {
			tx := c.normalize(hash, result, t, token)
			return &tx, nil
		}
	}
	if sawToken {
		return nil, fmt.Errorf("%w: %s moves a different mint than %s", chain.ErrContractMismatch, hash, token.Address)
	}
	return nil, fmt.Errorf("%w: %s has no SPL transfer", chain.ErrNotTransfer, hash)
}

// History lists transfers in transactions signed by or sent to address. The
// cursor is the oldest signature of the previous page.
func (c *Client) History(ctx context.Context, address string, page chain.PageRequest) (*chain.Page, error) {
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid solana address %q: %w", address, err)
	}

	limit := page.Size
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	opts := &rpc.GetSignaturesForAddressOpts{Limit: &limit}
	if page.Cursor != "" {
		before, err := solana.SignatureFromBase58(page.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid history cursor %q: %w", page.Cursor, err)
		}
		opts.Before = before
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	sigs, err := c.rpc.GetSignaturesForAddress(ctx, key, opts)
	c.record("getSignaturesForAddress", err, start)
	if err != nil {
		return nil, fmt.Errorf("get signatures for %s: %w", address, err)
	}
	if c.metrics != nil {
		c.metrics.RecordHistoryPage(c.label, "signatures")
	}

	// A listed signature that cannot be loaded fails the whole page so the
	// caller retries it instead of scanning past a possible match.
	out := make([]chain.Transaction, 0, len(sigs))
	for _, sig := range sigs {
		result, err := c.fetch(ctx, sig.Signature.String())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("history %s: %w", address, err)
		}
		if result.BlockTime == nil && sig.BlockTime != nil {
			result.BlockTime = sig.BlockTime
		}

		transfers, err := parseTransfers(result)
		if err != nil {
			return nil, fmt.Errorf("history %s: signature %s: %w", address, sig.Signature, err)
		}
		for _, t := range transfers {
			asset := c.network.Native()
			if !t.native() {
				tok, ok := c.network.TokenByAddress(t.Mint.String())
				if !ok {
					continue
				}
				asset = tok
			}
			tx := c.normalize(sig.Signature.String(), result, t, asset)
			if sig.Err != nil {
				tx.Failed = true
			}
			out = append(out, tx)
		}
	}

	next := ""
	if len(sigs) == limit {
		next = sigs[len(sigs)-1].Signature.String()
	}
	return &chain.Page{Transactions: out, NextCursor: next}, nil
}

// TokenTransfers is not served separately; SPL transfers appear in History.
func (c *Client) TokenTransfers(context.Context, string, *chain.Token, chain.PageRequest) (*chain.Page, error) {
	return nil, chain.ErrUnsupported
}

func (c *Client) normalize(hash string, result *rpc.GetTransactionResult, t transfer, asset chain.Token) chain.Transaction {
	tx := chain.Transaction{
		Hash:     hash,
		From:     t.From.String(),
		To:       t.To.String(),
		Amount:   chain.FromBaseUnits(new(big.Int).SetUint64(t.Amount), asset.Decimals),
		Currency: asset.Symbol,
	}
	if !asset.IsNative() {
		tx.TokenAddress = asset.Address
	}
	if result.BlockTime != nil {
		tx.Timestamp = result.BlockTime.Time().UTC()
	}
	if result.Meta != nil && result.Meta.Err != nil {
		tx.Failed = true
	}
	return tx
}

const maxAttempts = 3

// fetch loads a full transaction, retrying rate limits and transient errors
// with backoff and falling back to legacy decoding when the node rejects the
// versioned request.
func (c *Client) fetch(ctx context.Context, hash string) (*rpc.GetTransactionResult, error) {
	sig, err := solana.SignatureFromBase58(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature %q", chain.ErrTransactionNotFound, hash)
	}

	version := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		MaxSupportedTransactionVersion: &version,
	}

	for attempt := range maxAttempts {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		start := time.Now()
		var result *rpc.GetTransactionResult
		result, err = c.rpc.GetTransaction(ctx, sig, opts)
		c.record("getTransaction", err, start)

		if err == nil {
			if result == nil {
				return nil, fmt.Errorf("%w: %s", chain.ErrTransactionNotFound, hash)
			}
			return result, nil
		}
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", chain.ErrTransactionNotFound, hash)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		msg := err.Error()
		backoff := c.retryBase << uint(attempt)
		reason := "transport"
		switch {
		case strings.Contains(msg, "429"):
			reason = "rate_limit"
			backoff *= 2
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.label)
			}
		case strings.Contains(msg, "expects '\"' or 'n', but found '{'"):
			reason = "parse_error"
			opts = &rpc.GetTransactionOpts{Encoding: solana.EncodingBase64}
			backoff = 0
		}
		if c.metrics != nil {
			c.metrics.RecordChainRetry(c.label, "getTransaction", reason)
		}
		if attempt == maxAttempts-1 {
			break
		}
		c.logger.WarnContext(ctx, "getTransaction failed, retrying",
			"signature", hash,
			"attempt", attempt+1,
			"reason", reason,
			"backoff", backoff,
			"error", err,
		)
		if backoff > 0 {
			if err := sleepContext(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("get transaction %s: %w", hash, err)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, "rpc:"+c.label); err != nil {
		return fmt.Errorf("rpc rate limiter: %w", err)
	}
	return nil
}

func (c *Client) record(method string, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordChainCall(c.label, method, status, time.Since(start).Seconds())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
