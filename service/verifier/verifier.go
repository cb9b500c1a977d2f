// Package verifier establishes that a claimed donation transfer happened on
// chain, including transfers whose hash changed through a gas-price speed-up.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/brojonat/givewatch/service/telemetry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Clients resolves a network id to its chain adapter.
type Clients interface {
	Client(networkID int) (chain.Client, error)
}

// Intent is a claimed transfer.
type Intent struct {
	NetworkID int
	Currency  string
	TxHash    string
	From      string
	To        string
	Amount    decimal.Decimal
	Nonce     *uint64

	// ClaimedAt is when the user made the claim. Zero skips the check.
	ClaimedAt time.Time
}

// Config tunes a Verifier.
type Config struct {
	PageSize           int           // speed-up search page size, default 1000
	TimestampTolerance time.Duration // allowed clock skew for ClaimedAt
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

type Verifier struct {
	clients   Clients
	pageSize  int
	tolerance time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(clients Clients, cfg Config) *Verifier {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Verifier{
		clients:   clients,
		pageSize:  cfg.PageSize,
		tolerance: cfg.TimestampTolerance,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "verifier"),
		tracer:    telemetry.Tracer("verifier"),
	}
}

// Verify checks the claim against the network and returns the normalized
// transaction. Failures of the claim itself are *Error; anything else is an
// infrastructure error and says nothing about the claim.
func (v *Verifier) Verify(ctx context.Context, in Intent) (*chain.Transaction, error) {
	ctx, span := v.tracer.Start(ctx, "verifier.Verify", trace.WithAttributes(
		attribute.Int("network_id", in.NetworkID),
		attribute.String("currency", in.Currency),
		attribute.String("tx_hash", in.TxHash),
	))
	defer span.End()

	tx, err := v.verify(ctx, in)

	outcome := "verified"
	switch {
	case err != nil:
		outcome = "error"
		if kind, ok := KindOf(err); ok {
			outcome = strings.ToLower(string(kind))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	case tx.Speedup:
		outcome = "speedup"
	}
	if v.metrics != nil {
		v.metrics.RecordVerification(strconv.Itoa(in.NetworkID), outcome)
	}

	if err != nil {
		v.logger.DebugContext(ctx, "verification failed",
			"network_id", in.NetworkID,
			"tx_hash", in.TxHash,
			"from", in.From,
			"outcome", outcome,
			"error", err,
		)
		return nil, err
	}

	v.logger.InfoContext(ctx, "transaction verified",
		"network_id", in.NetworkID,
		"tx_hash", tx.Hash,
		"claimed_hash", in.TxHash,
		"speedup", tx.Speedup,
	)
	return tx, nil
}

func (v *Verifier) verify(ctx context.Context, in Intent) (*chain.Transaction, error) {
	client, err := v.clients.Client(in.NetworkID)
	if err != nil {
		if errors.Is(err, chain.ErrUnknownNetwork) {
			return nil, newError(KindUnsupportedNetwork, "network %d is not configured", in.NetworkID)
		}
		return nil, err
	}
	asset, ok := client.Network().Asset(in.Currency)
	if !ok {
		return nil, newError(KindUnknownAsset, "%s is not configured on network %d", in.Currency, in.NetworkID)
	}

	if in.Nonce != nil {
		count, err := client.TransactionCount(ctx, in.From)
		switch {
		case errors.Is(err, chain.ErrNonceUnsupported):
		case err != nil:
			return nil, fmt.Errorf("transaction count for %s: %w", in.From, err)
		case *in.Nonce >= count:
			return nil, newError(KindNonceNotMined, "nonce %d not mined, sender has %d transactions", *in.Nonce, count)
		}
	}

	var tx *chain.Transaction
	if in.TxHash != "" {
		tx, err = v.lookup(ctx, client, asset, in.TxHash)
		if err != nil {
			return nil, err
		}
	}

	if tx == nil {
		if in.Nonce == nil {
			return nil, newError(KindTransactionNotFound, "transaction %s not found on network %d", in.TxHash, in.NetworkID)
		}
		tx, err = v.searchSpeedup(ctx, client, asset, in)
		if err != nil {
			return nil, err
		}
	}

	if tx.Failed {
		return nil, newError(KindTransactionFailed, "transaction %s reverted", tx.Hash)
	}
	if err := v.validate(tx, in); err != nil {
		return nil, err
	}
	return tx, nil
}

// lookup returns nil without error when the hash is unknown.
func (v *Verifier) lookup(ctx context.Context, client chain.Client, asset chain.Token, hash string) (*chain.Transaction, error) {
	var (
		tx  *chain.Transaction
		err error
	)
	if asset.IsNative() {
		tx, err = client.NativeTransfer(ctx, hash)
	} else {
		tx, err = client.TokenTransfer(ctx, hash, asset)
	}

	switch {
	case err == nil:
		return tx, nil
	case errors.Is(err, chain.ErrTransactionNotFound):
		return nil, nil
	case errors.Is(err, chain.ErrContractMismatch):
		return nil, newError(KindAssetContractMismatch, "transaction %s does not call %s contract %s", hash, asset.Symbol, asset.Address)
	case errors.Is(err, chain.ErrNotTransfer):
		return nil, newError(KindInvalidTokenTransfer, "transaction %s is not a %s transfer", hash, asset.Symbol)
	default:
		return nil, fmt.Errorf("lookup %s: %w", hash, err)
	}
}

// searchSpeedup pages through the sender's history, newest first, for the
// transaction carrying the claimed nonce. Nonces from one sender decrease
// down the listing, so the search ends once a page dips below the claim.
func (v *Verifier) searchSpeedup(ctx context.Context, client chain.Client, asset chain.Token, in Intent) (*chain.Transaction, error) {
	want := *in.Nonce
	cursor := ""
	pages := 0

	for {
		req := chain.PageRequest{Cursor: cursor, Size: v.pageSize}
		var (
			page *chain.Page
			err  error
		)
		if asset.IsNative() {
			page, err = client.History(ctx, in.From, req)
		} else {
			tok := asset
			page, err = client.TokenTransfers(ctx, in.From, &tok, req)
		}
		if errors.Is(err, chain.ErrUnsupported) {
			return nil, newError(KindTransactionNotFound, "transaction %s not found and network %d cannot search history", in.TxHash, in.NetworkID)
		}
		if err != nil {
			return nil, fmt.Errorf("speed-up search page %d: %w", pages+1, err)
		}
		pages++

		if len(page.Transactions) == 0 {
			return nil, newError(KindTransactionNotFound, "no transaction with nonce %d from %s", want, in.From)
		}

		var (
			minNonce uint64
			sawNonce bool
		)
		for i := range page.Transactions {
			tx := page.Transactions[i]
			if !chain.SameAddress(tx.From, in.From) || tx.Nonce == nil {
				continue
			}
			if *tx.Nonce == want {
				tx.Speedup = !chain.SameAddress(tx.Hash, in.TxHash)
				v.logger.InfoContext(ctx, "found replacement transaction",
					"network_id", in.NetworkID,
					"claimed_hash", in.TxHash,
					"hash", tx.Hash,
					"nonce", want,
					"pages", pages,
				)
				return &tx, nil
			}
			if !sawNonce || *tx.Nonce < minNonce {
				minNonce = *tx.Nonce
				sawNonce = true
			}
		}

		if sawNonce && minNonce < want {
			return nil, newError(KindNotFoundInHistory, "nonce %d from %s not in history (reached nonce %d)", want, in.From, minNonce)
		}
		if page.NextCursor == "" {
			return nil, newError(KindNotFoundInHistory, "history of %s exhausted without nonce %d", in.From, want)
		}
		cursor = page.NextCursor
	}
}

func (v *Verifier) validate(tx *chain.Transaction, in Intent) error {
	if !chain.SameAddress(tx.To, in.To) {
		return newError(KindToAddressMismatch, "transaction %s pays %s, claim names %s", tx.Hash, tx.To, in.To)
	}
	if !chain.SameAddress(tx.From, in.From) {
		return newError(KindFromAddressMismatch, "transaction %s is from %s, claim names %s", tx.Hash, tx.From, in.From)
	}
	if !tx.Amount.Equal(in.Amount) {
		return newError(KindAmountMismatch, "transaction %s moves %s %s, claim is %s", tx.Hash, tx.Amount, tx.Currency, in.Amount)
	}
	if !in.ClaimedAt.IsZero() && tx.Timestamp.After(in.ClaimedAt.Add(v.tolerance)) {
		return newError(KindTimestampInvalid, "transaction %s mined at %s, after the claim at %s",
			tx.Hash, tx.Timestamp.Format(time.RFC3339), in.ClaimedAt.Format(time.RFC3339))
	}
	return nil
}
