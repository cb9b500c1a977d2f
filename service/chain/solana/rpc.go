package solana

import (
	"context"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// RPCClient is the subset of the Solana JSON-RPC API the adapter needs.
// Tests substitute an in-memory implementation.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)
}

type realRPCClient struct {
	client *rpc.Client
}

// NewRPCClient wraps the solana-go client. Premium endpoints carry their API
// key in the URL, e.g. https://mainnet.helius-rpc.com/?api-key=KEY. Requests
// go through httpClient, so its Timeout bounds every call.
func NewRPCClient(rpcURL string, httpClient *http.Client) RPCClient {
	jsonClient := jsonrpc.NewClientWithOpts(rpcURL, &jsonrpc.RPCClientOpts{HTTPClient: httpClient})
	return &realRPCClient{client: rpc.NewWithCustomRPCClient(jsonClient)}
}

func (r *realRPCClient) GetSignaturesForAddress(
	ctx context.Context,
	address solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts,
) ([]*rpc.TransactionSignature, error) {
	return r.client.GetSignaturesForAddressWithOpts(ctx, address, opts)
}

func (r *realRPCClient) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	return r.client.GetTransaction(ctx, signature, opts)
}
