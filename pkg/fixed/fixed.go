// Package fixed converts token amounts between their native precision and
// the canonical 18-decimal fixed point used by the ledger.
package fixed

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the canonical precision.
const Decimals = 18

// maxScale is the largest power of ten that fits in 256 bits.
const maxScale = 77

var (
	ErrUnsupportedDecimals = errors.New("unsupported decimals")
	ErrOverflow            = errors.New("arithmetic overflow")
	ErrInvalidNumber       = errors.New("invalid number")
)

var pow10 [maxScale + 1]uint256.Int

func init() {
	pow10[0].SetOne()
	ten := uint256.NewInt(10)
	for i := 1; i <= maxScale; i++ {
		pow10[i].Mul(&pow10[i-1], ten)
	}
}

// Pow10 returns a fresh copy of 10^n.
func Pow10(n uint) (*uint256.Int, error) {
	if n > maxScale {
		return nil, fmt.Errorf("%w: 10^%d", ErrOverflow, n)
	}
	return new(uint256.Int).Set(&pow10[n]), nil
}

// One returns 1.0 in canonical precision.
func One() *uint256.Int {
	return new(uint256.Int).Set(&pow10[Decimals])
}

// ValidateDecimals reports whether amounts with the given native precision can
// be converted to canonical form.
func ValidateDecimals(decimals uint8) error {
	if scaleOf(decimals) > maxScale {
		return fmt.Errorf("%w: %d", ErrUnsupportedDecimals, decimals)
	}
	return nil
}

func scaleOf(decimals uint8) uint {
	if decimals <= Decimals {
		return uint(Decimals - decimals)
	}
	return uint(decimals - Decimals)
}

// ToCanonical scales amount from its native precision to 18 decimals.
// Precisions above 18 truncate.
func ToCanonical(amount *uint256.Int, decimals uint8) (*uint256.Int, error) {
	if err := ValidateDecimals(decimals); err != nil {
		return nil, err
	}
	factor := &pow10[scaleOf(decimals)]
	if decimals > Decimals {
		return new(uint256.Int).Div(amount, factor), nil
	}
	out, overflow := new(uint256.Int).MulOverflow(amount, factor)
	if overflow {
		return nil, fmt.Errorf("%w: %s at %d decimals", ErrOverflow, amount.Dec(), decimals)
	}
	return out, nil
}

// FromCanonical scales a canonical amount back to native precision.
// Precisions below 18 truncate.
func FromCanonical(canonical *uint256.Int, decimals uint8) (*uint256.Int, error) {
	if err := ValidateDecimals(decimals); err != nil {
		return nil, err
	}
	factor := &pow10[scaleOf(decimals)]
	if decimals >= Decimals {
		out, overflow := new(uint256.Int).MulOverflow(canonical, factor)
		if overflow {
			return nil, fmt.Errorf("%w: %s at %d decimals", ErrOverflow, canonical.Dec(), decimals)
		}
		return out, nil
	}
	return new(uint256.Int).Div(canonical, factor), nil
}

// MulDiv returns x*y/d with a 512-bit intermediate, truncating.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("%w: division by zero", ErrOverflow)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Mul multiplies two canonical numbers.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, &pow10[Decimals])
}

// Bps returns x*bps/10000.
func Bps(x *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(bps), uint256.NewInt(10_000))
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// SubFloor returns x-y, or zero when y > x.
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if y.Gt(x) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Parse reads a human decimal string such as "1500.25" into an integer with
// the given number of fractional digits. Excess fractional digits are an error.
func Parse(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative %q", ErrInvalidNumber, s)
	}
	if d.Exponent()+int32(decimals) > maxScale {
		return nil, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidNumber, s, decimals)
	}
	out, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return out, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string, decimals uint8) *uint256.Int {
	out, err := Parse(s, decimals)
	if err != nil {
		panic(err)
	}
	return out
}

// Format renders x with the given number of fractional digits, trimming
// trailing zeros.
func Format(x *uint256.Int, decimals uint8) string {
	return decimal.NewFromBigInt(x.ToBig(), -int32(decimals)).String()
}

// FromString parses a base-10 integer string.
func FromString(s string) (*uint256.Int, error) {
	out, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return out, nil
}
