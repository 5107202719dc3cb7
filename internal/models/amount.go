package models

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToSmallestUnit converts a decimal amount into the asset's integer base unit
// (wei, satoshi). Amounts more precise than the asset allows are rejected.
func ToSmallestUnit(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromSmallestUnit is the inverse of ToSmallestUnit.
func FromSmallestUnit(v *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v, -decimals)
}

// WithinTolerance reports whether received lies inside the symmetric band
// expected*(1 ± bps/10000), inclusive at both ends.
func WithinTolerance(expected, received *big.Int, bps int64) bool {
	if expected == nil || received == nil || received.Sign() < 0 {
		return false
	}
	const scale = 10000
	lo := new(big.Int).Mul(expected, big.NewInt(scale-bps))
	hi := new(big.Int).Mul(expected, big.NewInt(scale+bps))
	r := new(big.Int).Mul(received, big.NewInt(scale))
	return r.Cmp(lo) >= 0 && r.Cmp(hi) <= 0
}
