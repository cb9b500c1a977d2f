package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brojonat/givewatch/service/metrics"
)

var errRateLimited = errors.New("rate limited")

// rpcClient speaks Ethereum JSON-RPC over HTTP.
type rpcClient struct {
	url        string
	network    string
	httpClient *http.Client
	idCounter  uint64
	retryBase  time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcTransaction struct {
	Hash        string  `json:"hash"`
	From        string  `json:"from"`
	To          *string `json:"to"`
	Value       string  `json:"value"`
	Nonce       string  `json:"nonce"`
	Input       string  `json:"input"`
	BlockNumber *string `json:"blockNumber"`
}

type rpcReceipt struct {
	Status string `json:"status"`
}

type rpcBlock struct {
	Timestamp string `json:"timestamp"`
}

const maxRPCAttempts = 3

// call performs one JSON-RPC request, retrying transport failures and
// rate limiting with exponential backoff. JSON-RPC errors are not retried.
func (c *rpcClient) call(ctx context.Context, method string, params []any, result any) error {
	var err error
	for attempt := range maxRPCAttempts {
		start := time.Now()
		err = c.do(ctx, method, params, result)

		status := "success"
		if err != nil {
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.RecordChainCall(c.network, method, status, time.Since(start).Seconds())
		}

		if err == nil {
			return nil
		}

		var rpcErr *rpcError
		if errors.As(err, &rpcErr) || ctx.Err() != nil || attempt == maxRPCAttempts-1 {
			break
		}

		reason := "transport"
		backoff := c.retryBase << uint(attempt)
		if errors.Is(err, errRateLimited) {
			reason = "rate_limit"
			backoff *= 2
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.network)
			}
		}
		if c.metrics != nil {
			c.metrics.RecordChainRetry(c.network, method, reason)
		}
		c.logger.WarnContext(ctx, "rpc call failed, retrying",
			"network", c.network,
			"method", method,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		if err := sleepContext(ctx, backoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: %w", method, err)
}

func (c *rpcClient) do(ctx context.Context, method string, params []any, result any) error {
	id := atomic.AddUint64(&c.idCounter, 1)
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return errRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if result == nil {
		return nil
	}
	if len(decoded.Result) == 0 {
		return errors.New("rpc result is empty")
	}
	return json.Unmarshal(decoded.Result, result)
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *rpcClient) transactionCount(ctx context.Context, address string) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_getTransactionCount", []any{address, "latest"}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

// transactionByHash returns nil when the node does not know the hash.
func (c *rpcClient) transactionByHash(ctx context.Context, hash string) (*rpcTransaction, error) {
	var tx *rpcTransaction
	if err := c.call(ctx, "eth_getTransactionByHash", []any{hash}, &tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (c *rpcClient) receipt(ctx context.Context, hash string) (*rpcReceipt, error) {
	var r *rpcReceipt
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{hash}, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *rpcClient) blockTimestamp(ctx context.Context, blockNumber string) (time.Time, error) {
	var block *rpcBlock
	if err := c.call(ctx, "eth_getBlockByNumber", []any{blockNumber, false}, &block); err != nil {
		return time.Time{}, err
	}
	if block == nil {
		return time.Time{}, fmt.Errorf("block %s not found", blockNumber)
	}
	ts, err := parseHexUint(block.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("block %s timestamp: %w", blockNumber, err)
	}
	return time.Unix(int64(ts), 0).UTC(), nil
}

func parseHexUint(value string) (uint64, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	if trimmed == "" {
		return 0, errors.New("empty hex value")
	}
	return strconv.ParseUint(trimmed, 16, 64)
}

func parseHexBig(value string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	if trimmed == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", value)
	}
	return v, nil
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
