package streams

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type graphQLRequest struct {
	Query     string `json:"query"`
	Variables struct {
		Where map[string]string `json:"where"`
		First int               `json:"first"`
	} `json:"variables"`
}

func subgraphStub(t *testing.T, response string, seen *graphQLRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Network: "optimism",
		URL:     url,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return c
}

func TestFlowUpdatedEvents(t *testing.T) {
	response := `{"data":{"flowUpdatedEvents":[
		{"transactionHash":"0xnew","timestamp":"1714564800","sender":"0xdonor","receiver":"0xreceiver","flowRate":"3858024691358","token":"0xdaix"},
		{"transactionHash":"0xold","timestamp":"1714478400","sender":"0xdonor","receiver":"0xreceiver","flowRate":"3858024691358","token":"0xdaix"}
	]}}`

	var seen graphQLRequest
	srv := subgraphStub(t, response, &seen)
	c := newTestClient(t, srv.URL)

	after := time.Unix(1714400000, 0)
	events, err := c.FlowUpdatedEvents(context.Background(), Query{
		Sender:       "0xDONOR",
		Receiver:     "0xReceiver",
		FlowRate:     decimal.RequireFromString("3858024691358"),
		Token:        "0xDAIx",
		CreatedAfter: after,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "0xnew", events[0].TxHash)
	assert.True(t, events[0].FlowRate.Equal(decimal.RequireFromString("3858024691358")))
	assert.Equal(t, time.Unix(1714564800, 0).UTC(), events[0].Timestamp)
	assert.Equal(t, "0xdaix", events[0].Token)

	assert.Contains(t, seen.Query, "flowUpdatedEvents")
	assert.Equal(t, 10, seen.Variables.First)
	assert.Equal(t, map[string]string{
		"sender":       "0xdonor",
		"receiver":     "0xreceiver",
		"flowRate":     "3858024691358",
		"token":        "0xdaix",
		"timestamp_gt": "1714400000",
	}, seen.Variables.Where)
}

func TestFlowUpdatedEventsOptionalFilters(t *testing.T) {
	var seen graphQLRequest
	srv := subgraphStub(t, `{"data":{"flowUpdatedEvents":[]}}`, &seen)
	c := newTestClient(t, srv.URL)

	events, err := c.FlowUpdatedEvents(context.Background(), Query{Sender: "0xa", Receiver: "0xb", FlowRate: decimal.NewFromInt(1), Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NotContains(t, seen.Variables.Where, "token")
	assert.NotContains(t, seen.Variables.Where, "timestamp_gt")
	assert.Equal(t, 1, seen.Variables.First)
}

func TestFlowUpdatedEventsErrors(t *testing.T) {
	tests := []struct {
		name     string
		response string
		status   int
		wantErr  string
	}{
		{
			name:     "graphql error",
			response: `{"errors":[{"message":"indexing_error"}]}`,
			wantErr:  "indexing_error",
		},
		{
			name:     "bad flow rate",
			response: `{"data":{"flowUpdatedEvents":[{"transactionHash":"0x1","timestamp":"1","flowRate":"fast"}]}}`,
			wantErr:  "invalid flow rate",
		},
		{
			name:     "bad timestamp",
			response: `{"data":{"flowUpdatedEvents":[{"transactionHash":"0x1","timestamp":"yesterday","flowRate":"1"}]}}`,
			wantErr:  "invalid timestamp",
		},
		{
			name:     "http failure",
			response: `bad gateway`,
			status:   http.StatusBadGateway,
			wantErr:  "status 502",
		},
		{
			name:     "not json",
			response: `<html>`,
			wantErr:  "decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = w.Write([]byte(tt.response))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).FlowUpdatedEvents(context.Background(), Query{FlowRate: decimal.NewFromInt(1)})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
