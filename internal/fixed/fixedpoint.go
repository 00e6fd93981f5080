package fixed

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision for one family of values.
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	PriceConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 USD
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// Pooled big.Int for intermediate products; int64 × int64 overflows, the
// wide intermediate never escapes this package.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// Mul128 performs a * b in a wide intermediate to prevent overflow.
func Mul128(a, b int64) *big.Int {
	result := getInt()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Div128 performs numerator / denominator with the given rounding mode and
// releases the numerator back to the pool.
func Div128(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt()
	remainder := getInt()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	switch mode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			// Exactly half: round to even
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	case RoundDown:
		// Truncation is the DivMod default
	}

	putInt(quotient)
	putInt(remainder)
	putInt(numerator)

	return result
}

// RealizedPnL computes the gross realized PnL for closing closeQty of a
// position, in quote scale:
//
//	sideSign * (exitPrice - entryPrice) * closeQty
//
// sideSign is +1 for long-opened positions, -1 for short-opened ones.
// The fee is NOT subtracted here; the settlement layer charges it per close.
func RealizedPnL(sideSign, exitPrice, entryPrice, closeQty int64) int64 {
	priceDiff := exitPrice - entryPrice

	raw := Mul128(sideSign*priceDiff, closeQty)

	// Convert price*qty scale to quote scale.
	raw.Mul(raw, big.NewInt(QuoteConfig.Scale))
	denominator := PriceConfig.Scale * QuantityConfig.Scale

	return Div128(raw, denominator, RoundHalfEven)
}

// Notional computes size * price in quote scale. Used for reporting only;
// the ledger never values open size (no mark-to-market).
func Notional(size, price int64) int64 {
	raw := Mul128(size, price)
	raw.Mul(raw, big.NewInt(QuoteConfig.Scale))
	denominator := PriceConfig.Scale * QuantityConfig.Scale
	return Div128(raw, denominator, RoundHalfEven)
}
