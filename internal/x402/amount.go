package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// DefaultDecimals is the precision of USDC.
const DefaultDecimals = 6

// ParseAmount converts a decimal amount in currency units (e.g. "0.30") into
// atomic units. Fractions finer than the asset precision are truncated.
func ParseAmount(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", value)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(rat.Num(), rat.Denom()), nil
}

// FormatAmount renders atomic units as a decimal currency amount without
// trailing zeros, e.g. 10000 with 6 decimals becomes "0.01".
func FormatAmount(atomic *big.Int, decimals int) string {
	if atomic == nil {
		return "0"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	text := new(big.Rat).SetFrac(atomic, scale).FloatString(decimals)
	if strings.Contains(text, ".") {
		text = strings.TrimRight(text, "0")
		text = strings.TrimSuffix(text, ".")
	}
	return text
}
