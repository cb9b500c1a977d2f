package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/db"
	"github.com/brojonat/givewatch/service/donation"
	"github.com/brojonat/givewatch/service/matcher"
	"github.com/brojonat/givewatch/service/scheduler"
	"github.com/brojonat/givewatch/service/verifier"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100
)

type Verifier interface {
	Verify(ctx context.Context, in verifier.Intent) (*chain.Transaction, error)
}

type DonationCreator interface {
	CreateDonation(ctx context.Context, in donation.Input) (*donation.Result, error)
	FailDraft(ctx context.Context, draftID int64, reason string) error
}

// Chains resolves network ids for pending submissions.
type Chains interface {
	Client(networkID int) (chain.Client, error)
}

type PassRunner interface {
	TryRun(ctx context.Context, kind string) (*matcher.PassSummary, error)
	Start(ctx context.Context, kind string) (string, error)
	Kinds() []string
	Busy(kind string) bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// claimRequest is the transfer a donor says they made.
type claimRequest struct {
	NetworkID int        `json:"network_id"`
	TxHash    string     `json:"tx_hash"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Amount    string     `json:"amount"`
	Currency  string     `json:"currency"`
	Nonce     *uint64    `json:"nonce,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

type donationRequest struct {
	claimRequest
	ProjectID int64  `json:"project_id"`
	UserID    *int64 `json:"user_id,omitempty"`
	Anonymous bool   `json:"anonymous"`
	DraftID   *int64 `json:"draft_id,omitempty"`
}

type verifyResponse struct {
	Verified    bool               `json:"verified"`
	Retryable   bool               `json:"retryable,omitempty"`
	Error       string             `json:"error,omitempty"`
	Message     string             `json:"message,omitempty"`
	Transaction *chain.Transaction `json:"transaction,omitempty"`
}

type donationResponse struct {
	ID            int64      `json:"id"`
	TransactionID string     `json:"transaction_id"`
	NetworkID     int        `json:"network_id"`
	FromAddress   string     `json:"from_address"`
	ToAddress     string     `json:"to_address"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	TokenAddress  string     `json:"token_address,omitempty"`
	Status        string     `json:"status"`
	Speedup       bool       `json:"speedup"`
	ProjectID     int64      `json:"project_id"`
	DraftID       *int64     `json:"draft_id,omitempty"`
	Duplicate     bool       `json:"duplicate"`
	Retryable     bool       `json:"retryable,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	TxTime        *time.Time `json:"transaction_time,omitempty"`
}

func donationToResponse(d *db.Donation, duplicate bool) donationResponse {
	return donationResponse{
		ID:            d.ID,
		TransactionID: d.TransactionID,
		NetworkID:     d.NetworkID,
		FromAddress:   d.FromAddress,
		ToAddress:     d.ToAddress,
		Amount:        d.Amount.String(),
		Currency:      d.Currency,
		TokenAddress:  d.TokenAddress,
		Status:        d.Status,
		Speedup:       d.Speedup,
		ProjectID:     d.ProjectID,
		DraftID:       d.DraftID,
		Duplicate:     duplicate,
		CreatedAt:     d.CreatedAt,
		TxTime:        d.TransactionTime,
	}
}

// decodeJSON reads a size-limited JSON body, writing the 400 itself.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Debug("failed to decode request", "path", r.URL.Path, "error", err)
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// intent validates a claim and converts it for the verifier.
func (c claimRequest) intent() (verifier.Intent, error) {
	if c.NetworkID <= 0 {
		return verifier.Intent{}, errorf("network_id is required")
	}
	if err := validateAddress("tx_hash", c.TxHash); err != nil {
		return verifier.Intent{}, err
	}
	if err := validateAddress("from", c.From); err != nil {
		return verifier.Intent{}, err
	}
	if err := validateAddress("to", c.To); err != nil {
		return verifier.Intent{}, err
	}
	if c.Currency == "" {
		return verifier.Intent{}, errorf("currency is required")
	}
	amount, err := decimal.NewFromString(c.Amount)
	if err != nil {
		return verifier.Intent{}, errorf("invalid amount: must be a decimal string")
	}
	if !amount.IsPositive() {
		return verifier.Intent{}, errorf("amount must be positive")
	}

	in := verifier.Intent{
		NetworkID: c.NetworkID,
		Currency:  c.Currency,
		TxHash:    c.TxHash,
		From:      c.From,
		To:        c.To,
		Amount:    amount,
		Nonce:     c.Nonce,
	}
	if c.ClaimedAt != nil {
		in.ClaimedAt = *c.ClaimedAt
	}
	return in, nil
}

// writeVerifyError maps a verification failure to a response. Unmined
// nonces are 202 so the caller retries; other typed failures are the
// caller's problem; anything else is an upstream failure.
func writeVerifyError(w http.ResponseWriter, err error) {
	var verr *verifier.Error
	switch {
	case verifier.IsRetryable(err):
		writeJSON(w, verifyResponse{Retryable: true, Error: string(verifier.KindNonceNotMined), Message: err.Error()}, http.StatusAccepted)
	case errors.As(err, &verr):
		writeJSON(w, verifyResponse{Error: string(verr.Kind), Message: verr.Message}, http.StatusUnprocessableEntity)
	default:
		writeError(w, "chain lookup failed", http.StatusBadGateway)
	}
}

// handleVerify checks a claimed transfer without recording it.
// POST /api/v1/verify
func handleVerify(v Verifier, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req claimRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}
		in, err := req.intent()
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		tx, err := v.Verify(r.Context(), in)
		if err != nil {
			logger.InfoContext(r.Context(), "verification failed",
				"network_id", in.NetworkID,
				"tx_hash", in.TxHash,
				"error", err,
			)
			writeVerifyError(w, err)
			return
		}
		writeJSON(w, verifyResponse{Verified: true, Transaction: tx}, http.StatusOK)
	})
}

// handleSubmitDonation verifies a claim and records the donation. A claim
// whose nonce is not mined yet is stored pending for the re-verification
// pass.
// POST /api/v1/donations
func handleSubmitDonation(v Verifier, donations DonationCreator, chains Chains, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req donationRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}
		in, err := req.intent()
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ProjectID <= 0 {
			writeError(w, "project_id is required", http.StatusBadRequest)
			return
		}

		input := donation.Input{
			NetworkID: in.NetworkID,
			ProjectID: req.ProjectID,
			UserID:    req.UserID,
			Anonymous: req.Anonymous,
			DraftID:   req.DraftID,
		}

		tx, err := v.Verify(ctx, in)
		switch {
		case err == nil:
			input.Transaction = *tx
		case verifier.IsRetryable(err):
			claimed, cerr := claimedTransaction(chains, in)
			if cerr != nil {
				writeVerifyError(w, cerr)
				return
			}
			input.Transaction = claimed
			input.Pending = true
		default:
			if req.DraftID != nil && verifier.IsTerminal(err) {
				if ferr := donations.FailDraft(ctx, *req.DraftID, err.Error()); ferr != nil {
					logger.WarnContext(ctx, "failed to mark draft failed", "draft_id", *req.DraftID, "error", ferr)
				}
			}
			logger.InfoContext(ctx, "donation rejected", "network_id", in.NetworkID, "tx_hash", in.TxHash, "error", err)
			writeVerifyError(w, err)
			return
		}

		result, err := donations.CreateDonation(ctx, input)
		if err != nil {
			logger.ErrorContext(ctx, "failed to create donation", "tx_hash", in.TxHash, "error", err)
			writeError(w, "failed to record donation", http.StatusInternalServerError)
			return
		}

		resp := donationToResponse(result.Donation, result.Duplicate)
		status := http.StatusCreated
		switch {
		case result.Duplicate:
			status = http.StatusOK
		case input.Pending:
			resp.Retryable = true
			status = http.StatusAccepted
		}
		writeJSON(w, resp, status)
	})
}

// claimedTransaction builds the unconfirmed transfer stored for a pending
// donation from the claim itself.
func claimedTransaction(chains Chains, in verifier.Intent) (chain.Transaction, error) {
	c, err := chains.Client(in.NetworkID)
	if err != nil {
		return chain.Transaction{}, &verifier.Error{Kind: verifier.KindUnsupportedNetwork, Message: err.Error()}
	}
	token, ok := c.Network().Asset(in.Currency)
	if !ok {
		return chain.Transaction{}, &verifier.Error{Kind: verifier.KindUnknownAsset, Message: in.Currency}
	}
	return chain.Transaction{
		Hash:         in.TxHash,
		From:         chain.AddressKey(in.From),
		To:           chain.AddressKey(in.To),
		Amount:       in.Amount,
		Currency:     token.Symbol,
		TokenAddress: token.Address,
		Nonce:        in.Nonce,
	}, nil
}

// handleRunPass runs a reconciliation pass now. By default it returns once
// the pass has started; ?wait=true blocks and returns the summary.
// POST /api/v1/passes/{kind}
func handleRunPass(runner PassRunner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := r.PathValue("kind")

		if r.URL.Query().Get("wait") == "true" {
			summary, err := runner.TryRun(r.Context(), kind)
			if err != nil {
				writePassError(w, kind, err, logger)
				return
			}
			writeJSON(w, summary, http.StatusOK)
			return
		}

		id, err := runner.Start(r.Context(), kind)
		if err != nil {
			writePassError(w, kind, err, logger)
			return
		}
		logger.InfoContext(r.Context(), "pass started from api", "pass", kind, "pass_id", id)
		writeJSON(w, map[string]string{"pass": kind, "pass_id": id}, http.StatusAccepted)
	})
}

func writePassError(w http.ResponseWriter, kind string, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, scheduler.ErrUnknownPass):
		writeError(w, fmt.Sprintf("unknown pass %q", kind), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrPassInProgress):
		writeError(w, fmt.Sprintf("pass %s already in progress", kind), http.StatusConflict)
	default:
		logger.Error("pass failed", "pass", kind, "error", err)
		writeError(w, "pass failed", http.StatusInternalServerError)
	}
}

// handleListPasses reports each pass kind and whether it is running.
// GET /api/v1/passes
func handleListPasses(runner PassRunner) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		type passStatus struct {
			Pass string `json:"pass"`
			Busy bool   `json:"busy"`
		}
		kinds := runner.Kinds()
		out := make([]passStatus, len(kinds))
		for i, k := range kinds {
			out[i] = passStatus{Pass: k, Busy: runner.Busy(k)}
		}
		writeJSON(w, map[string]interface{}{"passes": out}, http.StatusOK)
	})
}

// GET /health
func handleHealth(store Pinger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				logger.Warn("health check failed", "error", err)
				writeError(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}

// validateAddress rejects empty, oversized or control-character values.
// Format checks are left to the chain adapters, which know their encoding.
func validateAddress(field, value string) error {
	if value == "" {
		return errorf("%s is required", field)
	}
	if len(value) > maxAddressLength {
		return errorf("%s too long: maximum length is %d characters", field, maxAddressLength)
	}
	for _, r := range value {
		if r == 0 || unicode.IsControl(r) || unicode.IsSpace(r) {
			return errorf("invalid characters in %s", field)
		}
	}
	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
