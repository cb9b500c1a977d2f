package solana

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known program ids.
var (
	SystemProgramID    = solana.MustPublicKeyFromBase58("11111111111111111111111111111111")
	TokenProgramID     = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

const (
	systemTransferInstruction       = uint32(2)
	tokenTransferInstruction        = uint8(3)
	tokenTransferCheckedInstruction = uint8(12)
)

// transfer is one value movement decoded from a transaction's top-level
// instructions. Mint is zero for native SOL.
type transfer struct {
	From   solana.PublicKey
	To     solana.PublicKey
	Mint   solana.PublicKey
	Amount uint64
}

func (t transfer) native() bool { return t.Mint.IsZero() }

// parseTransfers decodes System and SPL Token transfers. SPL destinations are
// token accounts; they are resolved to the owning wallet through the post
// token balances, and transfers whose owner cannot be resolved are dropped.
func parseTransfers(result *rpc.GetTransactionResult) ([]transfer, error) {
	if result == nil || result.Transaction == nil {
		return nil, fmt.Errorf("transaction body missing")
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	keys := append(solana.PublicKeySlice{}, tx.Message.AccountKeys...)
	var balances []rpc.TokenBalance
	if result.Meta != nil {
		keys = append(keys, result.Meta.LoadedAddresses.Writable...)
		keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)
		balances = result.Meta.PostTokenBalances
	}

	var out []transfer
	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			continue
		}
		program := keys[ix.ProgramIDIndex]

		switch {
		case program.Equals(SystemProgramID):
			if t, ok := parseSystemTransfer(ix, keys); ok {
				out = append(out, t)
			}
		case program.Equals(TokenProgramID), program.Equals(Token2022ProgramID):
			if t, ok := parseTokenTransfer(ix, keys, balances); ok {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// System transfer: data [u32 type=2][u64 lamports], accounts [from, to].
func parseSystemTransfer(ix solana.CompiledInstruction, keys solana.PublicKeySlice) (transfer, bool) {
	if len(ix.Data) < 12 || len(ix.Accounts) < 2 {
		return transfer{}, false
	}
	if binary.LittleEndian.Uint32(ix.Data[0:4]) != systemTransferInstruction {
		return transfer{}, false
	}
	from, ok1 := accountAt(ix, 0, keys)
	to, ok2 := accountAt(ix, 1, keys)
	if !ok1 || !ok2 {
		return transfer{}, false
	}
	return transfer{
		From:   from,
		To:     to,
		Amount: binary.LittleEndian.Uint64(ix.Data[4:12]),
	}, true
}

// Transfer:        data [u8 3][u64],        accounts [source, destination, authority]
// TransferChecked: data [u8 12][u64][u8 d], accounts [source, mint, destination, authority]
func parseTokenTransfer(ix solana.CompiledInstruction, keys solana.PublicKeySlice, balances []rpc.TokenBalance) (transfer, bool) {
	if len(ix.Data) < 9 {
		return transfer{}, false
	}

	var destPos, authPos int
	var mint solana.PublicKey
	switch ix.Data[0] {
	case tokenTransferInstruction:
		if len(ix.Accounts) < 3 {
			return transfer{}, false
		}
		destPos, authPos = 1, 2
	case tokenTransferCheckedInstruction:
		if len(ix.Data) < 10 || len(ix.Accounts) < 4 {
			return transfer{}, false
		}
		m, ok := accountAt(ix, 1, keys)
		if !ok {
			return transfer{}, false
		}
		mint = m
		destPos, authPos = 2, 3
	default:
		return transfer{}, false
	}

	authority, ok := accountAt(ix, authPos, keys)
	if !ok {
		return transfer{}, false
	}

	destIndex := ix.Accounts[destPos]
	owner, balanceMint, ok := tokenAccountOwner(balances, destIndex)
	if !ok {
		return transfer{}, false
	}
	if mint.IsZero() {
		mint = balanceMint
	}

	return transfer{
		From:   authority,
		To:     owner,
		Mint:   mint,
		Amount: binary.LittleEndian.Uint64(ix.Data[1:9]),
	}, true
}

func tokenAccountOwner(balances []rpc.TokenBalance, accountIndex uint16) (solana.PublicKey, solana.PublicKey, bool) {
	for _, b := range balances {
		if b.AccountIndex == accountIndex && b.Owner != nil {
			return *b.Owner, b.Mint, true
		}
	}
	return solana.PublicKey{}, solana.PublicKey{}, false
}

func accountAt(ix solana.CompiledInstruction, pos int, keys solana.PublicKeySlice) (solana.PublicKey, bool) {
	if pos >= len(ix.Accounts) {
		return solana.PublicKey{}, false
	}
	idx := int(ix.Accounts[pos])
	if idx >= len(keys) {
		return solana.PublicKey{}, false
	}
	return keys[idx], true
}
