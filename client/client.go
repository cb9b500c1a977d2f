// Package client is the Go client for the givewatch HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPassInProgress is returned by RunPass when the server answers 409.
var ErrPassInProgress = errors.New("pass already in progress")

// Claim is a transfer a donor says they made.
type Claim struct {
	NetworkID int             `json:"network_id"`
	TxHash    string          `json:"tx_hash"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Nonce     *uint64         `json:"nonce,omitempty"`
	ClaimedAt *time.Time      `json:"claimed_at,omitempty"`
}

// DonationRequest is a claim plus the donation metadata recorded with it.
type DonationRequest struct {
	Claim
	ProjectID int64  `json:"project_id"`
	UserID    *int64 `json:"user_id,omitempty"`
	Anonymous bool   `json:"anonymous"`
	DraftID   *int64 `json:"draft_id,omitempty"`
}

// Transaction is the normalized on-chain transfer returned by Verify.
type Transaction struct {
	Hash         string          `json:"hash"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	TokenAddress string          `json:"token_address,omitempty"`
	Nonce        *uint64         `json:"nonce,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Speedup      bool            `json:"speedup,omitempty"`
}

// VerifyResult is the verdict on a claim. Retryable means the nonce is not
// mined yet and the same claim may verify later.
type VerifyResult struct {
	Verified    bool         `json:"verified"`
	Retryable   bool         `json:"retryable"`
	Error       string       `json:"error,omitempty"`
	Message     string       `json:"message,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// Donation is a recorded donation.
type Donation struct {
	ID              int64           `json:"id"`
	TransactionID   string          `json:"transaction_id"`
	NetworkID       int             `json:"network_id"`
	FromAddress     string          `json:"from_address"`
	ToAddress       string          `json:"to_address"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	TokenAddress    string          `json:"token_address,omitempty"`
	Status          string          `json:"status"` // pending, verified, failed
	Speedup         bool            `json:"speedup"`
	ProjectID       int64           `json:"project_id"`
	DraftID         *int64          `json:"draft_id,omitempty"`
	Duplicate       bool            `json:"duplicate"`
	Retryable       bool            `json:"retryable"`
	CreatedAt       time.Time       `json:"created_at"`
	TransactionTime *time.Time      `json:"transaction_time,omitempty"`
}

// VerificationError is a typed rejection of a claim (HTTP 422).
type VerificationError struct {
	Kind    string
	Message string
}

func (e *VerificationError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// PassRun describes a pass started or completed through the API. Summary
// fields are only set when the caller waited.
type PassRun struct {
	Pass           string        `json:"pass"`
	PassID         string        `json:"pass_id"`
	SendersScanned int64         `json:"senders_scanned"`
	PagesFetched   int64         `json:"pages_fetched"`
	Matches        int64         `json:"matches"`
	Duplicates     int64         `json:"duplicates"`
	Rejected       int64         `json:"rejected"`
	Errors         int64         `json:"errors"`
	DraftsExpired  int64         `json:"drafts_expired"`
	Duration       time.Duration `json:"duration"`
}

// Client is the HTTP client for the givewatch service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, in interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// Verify checks a claim against the chain without recording anything. A
// rejected or not-yet-mined claim is a result, not an error.
func (c *Client) Verify(ctx context.Context, claim Claim) (*VerifyResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/verify", claim)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusUnprocessableEntity:
	default:
		return nil, c.parseErrorResponse(resp)
	}

	var result VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	c.logger.Debug("claim verified", "tx_hash", claim.TxHash, "verified", result.Verified, "error", result.Error)
	return &result, nil
}

// SubmitDonation verifies and records a donation. A claim whose nonce is
// not mined yet comes back with Status "pending" and Retryable set. A
// rejected claim returns *VerificationError.
func (c *Client) SubmitDonation(ctx context.Context, req DonationRequest) (*Donation, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/donations", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	case http.StatusUnprocessableEntity:
		var v VerifyResult
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return nil, &VerificationError{Kind: v.Error, Message: v.Message}
	default:
		return nil, c.parseErrorResponse(resp)
	}

	var d Donation
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	c.logger.Debug("donation submitted", "donation_id", d.ID, "status", d.Status, "duplicate", d.Duplicate)
	return &d, nil
}

// RunPass asks the server to run a reconciliation pass now. With wait the
// call blocks until the pass finishes and the summary is filled in.
func (c *Client) RunPass(ctx context.Context, kind string, wait bool) (*PassRun, error) {
	path := "/api/v1/passes/" + url.PathEscape(kind)
	if wait {
		path += "?wait=true"
	}
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrPassInProgress, kind)
	default:
		return nil, c.parseErrorResponse(resp)
	}

	var run PassRun
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &run, nil
}

// PassStatus reports whether a pass kind is currently running.
type PassStatus struct {
	Pass string `json:"pass"`
	Busy bool   `json:"busy"`
}

// ListPasses returns every pass kind the server can run.
func (c *Client) ListPasses(ctx context.Context) ([]PassStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/passes", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var out struct {
		Passes []PassStatus `json:"passes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Passes, nil
}

// Health returns nil when the server and its database are up.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
