// Package streams reads flow events from a Superfluid-style subgraph.
package streams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/givewatch/service/metrics"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
)

// FlowEvent is one flow creation or update observed on chain.
type FlowEvent struct {
	Sender    string
	Receiver  string
	FlowRate  decimal.Decimal // base units per second
	Token     string
	TxHash    string
	Timestamp time.Time
}

// Query selects flow events. Token and CreatedAfter are optional.
type Query struct {
	Sender       string
	Receiver     string
	FlowRate     decimal.Decimal
	Token        string
	CreatedAfter time.Time
	Limit        int
}

const flowUpdatedEventsQuery = `query FlowUpdatedEvents($where: FlowUpdatedEvent_filter!, $first: Int!) {
  flowUpdatedEvents(where: $where, first: $first, orderBy: timestamp, orderDirection: desc) {
    transactionHash
    timestamp
    sender
    receiver
    flowRate
    token
  }
}`

// eventsFilter turns a GraphQL response into flat event objects, raising the
// first GraphQL error if there is one.
const eventsFilter = `
if ((.errors // []) | length) > 0 then error(.errors[0].message)
else (.data.flowUpdatedEvents // [])[]
  | {sender, receiver, flowRate, token, txHash: .transactionHash, timestamp}
end`

type Config struct {
	Network    string
	URL        string
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Client queries one network's subgraph. Safe for concurrent use.
type Client struct {
	network    string
	url        string
	httpClient *http.Client
	filter     *gojq.Code
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("subgraph url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	query, err := gojq.Parse(eventsFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse events filter: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile events filter: %w", err)
	}

	return &Client{
		network:    cfg.Network,
		url:        cfg.URL,
		httpClient: cfg.HTTPClient,
		filter:     code,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "subgraph", "network", cfg.Network),
	}, nil
}

// FlowUpdatedEvents returns events matching q, newest first.
func (c *Client) FlowUpdatedEvents(ctx context.Context, q Query) ([]FlowEvent, error) {
	start := time.Now()
	events, err := c.flowUpdatedEvents(ctx, q)

	status := "success"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordChainCall(c.network, "flowUpdatedEvents", status, time.Since(start).Seconds())
	}
	return events, err
}

func (c *Client) flowUpdatedEvents(ctx context.Context, q Query) ([]FlowEvent, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	where := map[string]string{
		"sender":   strings.ToLower(q.Sender),
		"receiver": strings.ToLower(q.Receiver),
		"flowRate": q.FlowRate.String(),
	}
	if q.Token != "" {
		where["token"] = strings.ToLower(q.Token)
	}
	if !q.CreatedAfter.IsZero() {
		where["timestamp_gt"] = strconv.FormatInt(q.CreatedAfter.Unix(), 10)
	}

	body, err := json.Marshal(map[string]any{
		"query":     flowUpdatedEventsQuery,
		"variables": map[string]any{"where": where, "first": q.Limit},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subgraph query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build subgraph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subgraph request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read subgraph response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subgraph returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode subgraph response: %w", err)
	}

	events, err := c.project(ctx, doc)
	if err != nil {
		return nil, err
	}
	c.logger.DebugContext(ctx, "queried flow events", "sender", q.Sender, "receiver", q.Receiver, "count", len(events))
	return events, nil
}

func (c *Client) project(ctx context.Context, doc any) ([]FlowEvent, error) {
	var events []FlowEvent
	iter := c.filter.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("subgraph error: %w", err)
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected flow event %T", v)
		}
		event, err := toFlowEvent(obj)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func toFlowEvent(obj map[string]any) (FlowEvent, error) {
	str := func(key string) string {
		s, _ := obj[key].(string)
		return s
	}

	rate, err := decimal.NewFromString(str("flowRate"))
	if err != nil {
		return FlowEvent{}, fmt.Errorf("invalid flow rate %q: %w", str("flowRate"), err)
	}
	secs, err := strconv.ParseInt(str("timestamp"), 10, 64)
	if err != nil {
		return FlowEvent{}, fmt.Errorf("invalid timestamp %q: %w", str("timestamp"), err)
	}
	return FlowEvent{
		Sender:    str("sender"),
		Receiver:  str("receiver"),
		FlowRate:  rate,
		Token:     str("token"),
		TxHash:    str("txHash"),
		Timestamp: time.Unix(secs, 0).UTC(),
	}, nil
}
