// Package fixedpoint converts decimal stock prices to exact scaled integers
// and back. Every stored reference price, and every comparison between a
// stored price and a freshly observed quote, goes through this package so
// that two independently sourced quotes always compare deterministically.
//
// Rounding is half away from zero. Historical reference prices were encoded
// with it, so it must not change for the life of a deployment.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places preserved: a price p is stored as
// round(p * 10^Scale).
const Scale int32 = 15

var (
	// ErrOutOfRange is returned when the scaled price does not fit in an
	// int64 (prices above ~9223.37).
	ErrOutOfRange = errors.New("fixedpoint: price exceeds representable range")

	// ErrNegative is returned for prices below zero.
	ErrNegative = errors.New("fixedpoint: price must not be negative")

	maxScaled = decimal.NewFromInt(math.MaxInt64)
)

// Price is a decimal price scaled by 10^Scale.
type Price int64

// ToFixedPoint computes round(p * 10^15), rounding half away from zero.
func ToFixedPoint(p decimal.Decimal) (Price, error) {
	if p.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrNegative, p)
	}
	scaled := p.Shift(Scale).Round(0)
	if scaled.GreaterThan(maxScaled) {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, p)
	}
	return Price(scaled.IntPart()), nil
}

// FromFixedPoint computes n / 10^15. The conversion is exact.
func FromFixedPoint(n Price) decimal.Decimal {
	return decimal.New(int64(n), -Scale)
}

// FromFloat encodes a float quote as delivered by JSON price feeds. The
// float is first converted to its shortest decimal representation so that
// 152.1 encodes as 152.1 and not 152.09999999999999.
func FromFloat(f float64) (Price, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, f)
	}
	return ToFixedPoint(decimal.NewFromFloat(f))
}

// MustParse encodes a decimal string and panics on failure. Intended for
// constants and tests.
func MustParse(s string) Price {
	p, err := ToFixedPoint(decimal.RequireFromString(s))
	if err != nil {
		panic(err)
	}
	return p
}

// Decimal returns the decimal value of p.
func (p Price) Decimal() decimal.Decimal {
	return FromFixedPoint(p)
}

// Cmp returns -1, 0 or +1 as p is below, equal to or above q.
func (p Price) Cmp(q Price) int {
	switch {
	case p < q:
		return -1
	case p > q:
		return 1
	default:
		return 0
	}
}

func (p Price) String() string {
	return p.Decimal().String()
}
