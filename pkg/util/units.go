package util

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// UnitDecimals is the fixed-point precision of prices and token amounts (1e18).
const UnitDecimals = 18

// ParseUnits converts a human decimal like "0.001" into base units.
// More than 18 fractional digits, negative values and values above 2^256-1 are rejected.
func ParseUnits(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	scaled := d.Shift(UnitDecimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", s, UnitDecimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("invalid amount %q: overflows 256 bits", s)
	}
	return v, nil
}

// FormatUnits renders base units as a human decimal ("1000000000000000" -> "0.001").
func FormatUnits(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -UnitDecimals).String()
}

// ParseBaseUnits parses an integer string in base units (decimal or 0x hex).
func ParseBaseUnits(s string) (*uint256.Int, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err := uint256.FromHex(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex amount %q: %w", s, err)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}
