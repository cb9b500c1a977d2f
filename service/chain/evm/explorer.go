package evm

import (
	"context"
	"encoding/json"
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
)

// explorerWindow is the largest page*offset Etherscan-compatible explorers serve.
const explorerWindow = 10000

const maxExplorerAttempts = 4

// explorer lists account history from an Etherscan-compatible API.
type explorer struct {
	baseURL    string
	apiKey     string
	network    string
	httpClient *http.Client
	limiter    chain.Limiter
	retryBase  time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// explorerTx covers both txlist and tokentx rows.
type explorerTx struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	Nonce           string `json:"nonce"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	Input           string `json:"input"`
	IsError         string `json:"isError"`
	TxReceiptStatus string `json:"txreceipt_status"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
}

// list fetches one page of action ("txlist" or "tokentx") for address.
// Exhausted history yields an empty slice, not an error.
func (e *explorer) list(ctx context.Context, action, address string, page, size int, extra url.Values) ([]explorerTx, error) {
	if page*size > explorerWindow {
		return nil, nil
	}

	u, err := url.Parse(e.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid explorer url: %w", err)
	}
	q := u.Query()
	q.Set("module", "account")
	q.Set("action", action)
	q.Set("address", address)
	q.Set("page", strconv.Itoa(page))
	q.Set("offset", strconv.Itoa(size))
	q.Set("sort", "desc")
	if e.apiKey != "" {
		q.Set("apikey", e.apiKey)
	}
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := range maxExplorerAttempts {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, "explorer:"+e.network); err != nil {
				return nil, fmt.Errorf("explorer rate limiter: %w", err)
			}
		}

		start := time.Now()
		rows, err := e.fetch(ctx, u.String())
		status := "success"
		if err != nil {
			status = "error"
		}
		if e.metrics != nil {
			e.metrics.RecordChainCall(e.network, action, status, time.Since(start).Seconds())
		}
		if err == nil {
			if e.metrics != nil {
				e.metrics.RecordHistoryPage(e.network, action)
			}
			return rows, nil
		}

		lastErr = err
		if !errors.Is(err, errRateLimited) || ctx.Err() != nil {
			break
		}
		if e.metrics != nil {
			e.metrics.RecordRateLimitHit(e.network)
			e.metrics.RecordChainRetry(e.network, action, "rate_limit")
		}
		backoff := e.retryBase << uint(attempt)
		e.logger.WarnContext(ctx, "explorer rate limited, backing off",
			"network", e.network,
			"action", action,
			"page", page,
			"attempt", attempt+1,
			"backoff", backoff,
		)
		if err := sleepContext(ctx, backoff); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("explorer %s page %d: %w", action, page, lastErr)
}

func (e *explorer) fetch(ctx context.Context, rawURL string) ([]explorerTx, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("explorer status %d", resp.StatusCode)
	}

	var decoded explorerResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode explorer response: %w", err)
	}

	if decoded.Status == "1" {
		var rows []explorerTx
		if err := json.Unmarshal(decoded.Result, &rows); err != nil {
			return nil, fmt.Errorf("decode explorer result: %w", err)
		}
		return rows, nil
	}

	// status "0": either an empty listing or an error string in result.
	var detail string
	_ = json.Unmarshal(decoded.Result, &detail)
	msg := strings.ToLower(decoded.Message + " " + detail)
	switch {
	case strings.Contains(msg, "no transactions found"),
		strings.Contains(msg, "result window is too large"):
		return nil, nil
	case strings.Contains(msg, "rate limit"):
		return nil, errRateLimited
	}
	if detail == "" {
		detail = decoded.Message
	}
	return nil, fmt.Errorf("explorer error: %s", detail)
}
