package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransactionNotFound means the hash is unknown to the network or not yet mined.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrNonceUnsupported is returned by networks without account nonces.
	ErrNonceUnsupported = errors.New("network does not track account nonces")

	// ErrUnsupported is returned for listings a network adapter cannot serve.
	ErrUnsupported = errors.New("operation not supported by network")

	// ErrContractMismatch means a token lookup hit a transaction sent to a
	// different contract than the token's.
	ErrContractMismatch = errors.New("transaction targets a different contract")

	// ErrNotTransfer means the call data is not a token transfer.
	ErrNotTransfer = errors.New("transaction is not a token transfer")

	// ErrUnknownNetwork is returned by Registry for unconfigured network ids.
	ErrUnknownNetwork = errors.New("unknown network")
)

// Client is the per-network adapter used by the verifier and matchers.
// Implementations must be safe for concurrent use.
type Client interface {
	Network() Network

	// TransactionCount returns the number of transactions the address has
	// mined, which is also its next unused nonce.
	TransactionCount(ctx context.Context, address string) (uint64, error)

	// NativeTransfer fetches a transaction by hash and normalizes its value
	// in the native coin.
	NativeTransfer(ctx context.Context, hash string) (*Transaction, error)

	// TokenTransfer fetches a transaction by hash and decodes it as a
	// transfer of token. To and Amount are the decoded recipient and value.
	TokenTransfer(ctx context.Context, hash string, token Token) (*Transaction, error)

	// History lists transactions involving address, newest first.
	History(ctx context.Context, address string, page PageRequest) (*Page, error)

	// TokenTransfers lists token transfer events involving address, newest
	// first. A nil token lists every token.
	TokenTransfers(ctx context.Context, address string, token *Token, page PageRequest) (*Page, error)
}

// CallEncoder is implemented by clients whose history exposes raw call data,
// letting matchers compare a precomputed transfer call instead of decoding.
type CallEncoder interface {
	TransferCallData(to string, amount decimal.Decimal, token Token) (string, error)
}

// Limiter throttles outbound requests to a rate-limited upstream. key names
// the quota bucket.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Registry selects a Client by network id.
type Registry struct {
	clients map[int]Client
}

// NewRegistry builds a registry keyed by each client's network id.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[int]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Network().ID] = c
	}
	return r
}

// Client returns the adapter for networkID.
func (r *Registry) Client(networkID int) (Client, error) {
	c, ok := r.clients[networkID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNetwork, networkID)
	}
	return c, nil
}

// Networks lists the configured networks ordered by id.
func (r *Registry) Networks() []Network {
	out := make([]Network, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.Network())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
