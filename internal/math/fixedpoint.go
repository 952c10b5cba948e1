package math

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DecimalPrecision is the number of fractional digits carried by every amount,
// price and ratio in the engine.
const DecimalPrecision = 18

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrUnderflow      = errors.New("fixed-point underflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
	ErrNegative       = errors.New("fixed-point value is negative")
	ErrTooPrecise     = errors.New("fixed-point value exceeds 18 fractional digits")
)

// scale is 10^18, the raw representation of 1.0
var scale = uint256.NewInt(1_000_000_000_000_000_000)

// Decimal is an unsigned fixed-point number with 18 fractional digits.
// The zero value is 0. Values are immutable: every operation returns a new one.
type Decimal struct {
	raw uint256.Int
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // floor, the default for every payout
	RoundUp
)

var (
	Zero = Decimal{}
	One  = Decimal{raw: *scale}
)

// FromRaw wraps an already scaled integer.
func FromRaw(raw *uint256.Int) Decimal {
	var d Decimal
	d.raw.Set(raw)
	return d
}

// FromUnits returns n whole units (n * 10^18 raw).
func FromUnits(n uint64) Decimal {
	var d Decimal
	d.raw.Mul(uint256.NewInt(n), scale)
	return d
}

// FromBig converts a scaled big.Int.
func FromBig(raw *big.Int) (Decimal, error) {
	if raw.Sign() < 0 {
		return Zero, ErrNegative
	}
	v, overflow := uint256.FromBig(raw)
	if overflow {
		return Zero, ErrOverflow
	}
	return FromRaw(v), nil
}

// NewFromString parses a human decimal such as "1000", "0.1" or "1e3".
func NewFromString(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return FromShopspring(d)
}

// MustFromString is NewFromString for constants and tests.
func MustFromString(s string) Decimal {
	d, err := NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromShopspring converts an arbitrary-precision decimal. Values carrying more
// than 18 fractional digits are rejected rather than silently truncated.
func FromShopspring(d decimal.Decimal) (Decimal, error) {
	if d.IsNegative() {
		return Zero, ErrNegative
	}
	shifted := d.Shift(DecimalPrecision)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Zero, ErrTooPrecise
	}
	return FromBig(shifted.BigInt())
}

// Shopspring returns the value as an arbitrary-precision decimal.
func (d Decimal) Shopspring() decimal.Decimal {
	return decimal.NewFromBigInt(d.raw.ToBig(), -DecimalPrecision)
}

// Raw returns a copy of the scaled integer.
func (d Decimal) Raw() *uint256.Int {
	return d.raw.Clone()
}

func (d Decimal) String() string {
	return d.Shopspring().String()
}

func (d Decimal) IsZero() bool { return d.raw.IsZero() }

func (d Decimal) Cmp(o Decimal) int { return d.raw.Cmp(&o.raw) }

func (d Decimal) Equal(o Decimal) bool { return d.raw.Eq(&o.raw) }

func (d Decimal) LessThan(o Decimal) bool { return d.raw.Lt(&o.raw) }

func (d Decimal) GreaterThan(o Decimal) bool { return d.raw.Gt(&o.raw) }

func (d Decimal) GreaterOrEqual(o Decimal) bool { return !d.raw.Lt(&o.raw) }

func (d Decimal) LessOrEqual(o Decimal) bool { return !d.raw.Gt(&o.raw) }

func Min(a, b Decimal) Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func Max(a, b Decimal) Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Add returns d + o.
func (d Decimal) Add(o Decimal) (Decimal, error) {
	var r Decimal
	if _, overflow := r.raw.AddOverflow(&d.raw, &o.raw); overflow {
		return Zero, ErrOverflow
	}
	return r, nil
}

// Sub returns d - o, failing instead of wrapping below zero.
func (d Decimal) Sub(o Decimal) (Decimal, error) {
	if d.raw.Lt(&o.raw) {
		return Zero, ErrUnderflow
	}
	var r Decimal
	r.raw.Sub(&d.raw, &o.raw)
	return r, nil
}

// SaturatingSub returns d - o, or zero when o > d.
func (d Decimal) SaturatingSub(o Decimal) Decimal {
	r, err := d.Sub(o)
	if err != nil {
		return Zero
	}
	return r
}

// Mul returns d * o (fixed-point), rounded down.
func (d Decimal) Mul(o Decimal) (Decimal, error) {
	return MulDiv(d, o, One, RoundDown)
}

// Div returns d / o (fixed-point), rounded down.
func (d Decimal) Div(o Decimal) (Decimal, error) {
	return MulDiv(d, One, o, RoundDown)
}

// MulDiv computes a * b / c with a 512-bit intermediate product.
// All three operands are fixed-point values; the scales cancel out.
func MulDiv(a, b, c Decimal, mode RoundingMode) (Decimal, error) {
	if c.raw.IsZero() {
		return Zero, ErrDivisionByZero
	}
	if mode == RoundDown {
		var r Decimal
		if _, overflow := r.raw.MulDivOverflow(&a.raw, &b.raw, &c.raw); overflow {
			return Zero, ErrOverflow
		}
		return r, nil
	}

	// RoundUp is rare; go through big.Int to get the remainder.
	num := new(big.Int).Mul(a.raw.ToBig(), b.raw.ToBig())
	quo, rem := new(big.Int).QuoRem(num, c.raw.ToBig(), new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return FromBig(quo)
}

// Sum adds every value, failing on overflow.
func Sum(values ...Decimal) (Decimal, error) {
	total := Zero
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return Zero, err
		}
	}
	return total, nil
}

// MarshalText renders the human decimal form, so JSON carries strings.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Decimal) UnmarshalText(text []byte) error {
	v, err := NewFromString(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// AppendBytes appends the 32-byte big-endian raw value (for state hashing).
func (d Decimal) AppendBytes(buf []byte) []byte {
	b := d.raw.Bytes32()
	return append(buf, b[:]...)
}
