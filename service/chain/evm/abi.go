package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/brojonat/givewatch/service/chain"
)

// TransferSelector is the 4-byte selector of ERC-20 transfer(address,uint256).
const TransferSelector = "a9059cbb"

const wordHexLen = 64

// EncodeTransfer returns the 0x-prefixed call data for transfer(to, value).
func EncodeTransfer(to string, value *big.Int) (string, error) {
	addr, err := normalizeAddress(to)
	if err != nil {
		return "", err
	}
	if value == nil || value.Sign() < 0 {
		return "", fmt.Errorf("invalid transfer value %v", value)
	}
	valueHex := value.Text(16)
	if len(valueHex) > wordHexLen {
		return "", fmt.Errorf("transfer value %s overflows uint256", value)
	}

	var b strings.Builder
	b.Grow(2 + len(TransferSelector) + 2*wordHexLen)
	b.WriteString("0x")
	b.WriteString(TransferSelector)
	b.WriteString(strings.Repeat("0", wordHexLen-len(addr)))
	b.WriteString(addr)
	b.WriteString(strings.Repeat("0", wordHexLen-len(valueHex)))
	b.WriteString(valueHex)
	return b.String(), nil
}

// DecodeTransfer parses transfer(to, value) call data. The returned address is
// lower-case and 0x-prefixed.
func DecodeTransfer(input string) (string, *big.Int, error) {
	data := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(input), "0x"))
	if len(data) < len(TransferSelector)+2*wordHexLen {
		return "", nil, fmt.Errorf("%w: call data too short (%d hex chars)", chain.ErrNotTransfer, len(data))
	}
	if data[:len(TransferSelector)] != TransferSelector {
		return "", nil, fmt.Errorf("%w: selector 0x%s", chain.ErrNotTransfer, data[:len(TransferSelector)])
	}
	if _, err := hex.DecodeString(data); err != nil {
		return "", nil, fmt.Errorf("%w: %v", chain.ErrNotTransfer, err)
	}

	toWord := data[len(TransferSelector) : len(TransferSelector)+wordHexLen]
	valueWord := data[len(TransferSelector)+wordHexLen : len(TransferSelector)+2*wordHexLen]

	if strings.TrimLeft(toWord[:wordHexLen-40], "0") != "" {
		return "", nil, fmt.Errorf("%w: address word has dirty high bits", chain.ErrNotTransfer)
	}

	value, ok := new(big.Int).SetString(valueWord, 16)
	if !ok {
		return "", nil, fmt.Errorf("%w: bad value word", chain.ErrNotTransfer)
	}

	return "0x" + toWord[wordHexLen-40:], value, nil
}

func normalizeAddress(addr string) (string, error) {
	a := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(addr), "0x"))
	if len(a) != 40 {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	if _, err := hex.DecodeString(a); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return a, nil
}
