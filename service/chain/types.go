package chain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Family groups networks that share an access protocol.
type Family string

const (
	FamilyEVM    Family = "evm"
	FamilySolana Family = "solana"
)

// Token is a transferable asset on a network. The native coin is a Token
// with an empty Address.
type Token struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address,omitempty"`
	Decimals int32  `json:"decimals"`
}

// IsNative reports whether t is the network's native coin.
func (t Token) IsNative() bool {
	return t.Address == ""
}

// Network is the runtime description of a chain the engine reconciles against.
type Network struct {
	ID             int
	Name           string
	Family         Family
	NativeSymbol   string
	NativeDecimals int32
	Tokens         []Token
}

// Native returns the network's native coin as a Token.
func (n Network) Native() Token {
	return Token{Symbol: n.NativeSymbol, Decimals: n.NativeDecimals}
}

// Asset resolves a currency symbol, case-insensitively, to a token.
func (n Network) Asset(symbol string) (Token, bool) {
	if strings.EqualFold(symbol, n.NativeSymbol) {
		return n.Native(), true
	}
	for _, t := range n.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return Token{}, false
}

// TokenByAddress resolves a contract address (or mint) to a configured token.
// An empty address resolves to the native coin.
func (n Network) TokenByAddress(address string) (Token, bool) {
	if address == "" {
		return n.Native(), true
	}
	for _, t := range n.Tokens {
		if SameAddress(t.Address, address) {
			return t, true
		}
	}
	return Token{}, false
}

// Transaction is the normalized result of a chain query. It is never
// persisted directly.
type Transaction struct {
	Hash         string          `json:"hash"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	TokenAddress string          `json:"token_address,omitempty"` // set when the entry is a decoded token transfer
	Nonce        *uint64         `json:"nonce,omitempty"`         // nil on networks without account nonces
	Timestamp    time.Time       `json:"timestamp"`
	Input        string          `json:"input,omitempty"` // raw call data for EVM contract calls
	Failed       bool            `json:"failed,omitempty"`
	Speedup      bool            `json:"speedup,omitempty"`
}

// PageRequest asks for one page of address history. An empty Cursor means the
// newest page.
type PageRequest struct {
	Cursor string
	Size   int
}

// Page is one page of address history ordered newest first. An empty
// NextCursor means the history is exhausted.
type Page struct {
	Transactions []Transaction
	NextCursor   string
}

// SameAddress compares two addresses or hashes. 0x-prefixed hex compares
// case-insensitively; anything else (Solana base58) must match exactly.
func SameAddress(a, b string) bool {
	return AddressKey(a) == AddressKey(b)
}

// AddressKey is the canonical form of an address or hash: hex is lowercased,
// base58 is kept as is.
func AddressKey(a string) string {
	a = strings.TrimSpace(a)
	if isHex(a) {
		return strings.ToLower(a)
	}
	return a
}

// Base58 has no '0', so a 0x prefix always means hex.
func isHex(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
