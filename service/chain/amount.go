package chain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FromBaseUnits converts an integer amount in the token's smallest unit
// (wei, lamports, ...) to a decimal amount.
func FromBaseUnits(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}

// ParseBaseUnits parses a base-10 integer string in base units.
func ParseBaseUnits(value string, decimals int32) (decimal.Decimal, error) {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid integer amount %q", value)
	}
	return FromBaseUnits(v, decimals), nil
}

// ToBaseUnits converts a decimal amount to base units. Amounts with more
// fractional digits than the token supports are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}
