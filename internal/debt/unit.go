package debt

import (
	"fmt"
	"math"
	"math/big"
)

// Unit is a non-negative quantity of debt quanta. The zero value is a
// valid Unit meaning "no debt".
type Unit int64

// New validates v as a Unit.
func New(v int64) (Unit, error) {
	if v < 0 {
		return 0, fmt.Errorf("debt unit must be non-negative, got %d", v)
	}
	return Unit(v), nil
}

// MustNew is New for compile-time-known values. Panics on negatives.
func MustNew(v int64) Unit {
	u, err := New(v)
	if err != nil {
		panic(err)
	}
	return u
}

// Int64 returns the raw quantum count.
func (u Unit) Int64() int64 { return int64(u) }

// Rat returns the unit as an exact rational at quantum granularity.
func (u Unit) Rat() *big.Rat {
	return new(big.Rat).SetInt64(int64(u))
}

// Add returns u+v, rejecting int64 overflow.
func (u Unit) Add(v Unit) (Unit, error) {
	if int64(u) > math.MaxInt64-int64(v) {
		return 0, fmt.Errorf("debt unit overflow: %d + %d", u, v)
	}
	return u + v, nil
}

// Sub returns u−v and errors when the result would be negative.
func (u Unit) Sub(v Unit) (Unit, error) {
	if v > u {
		return 0, fmt.Errorf("debt unit underflow: %d - %d", u, v)
	}
	return u - v, nil
}

// Mul returns u·v, rejecting int64 overflow.
func (u Unit) Mul(v Unit) (Unit, error) {
	if u == 0 || v == 0 {
		return 0, nil
	}
	if int64(u) > math.MaxInt64/int64(v) {
		return 0, fmt.Errorf("debt unit overflow: %d * %d", u, v)
	}
	return u * v, nil
}

// Min returns the smaller of u and v.
func Min(u, v Unit) Unit {
	if u < v {
		return u
	}
	return v
}

// FromRat converts an exact rational into a Unit at the given scale.
// This is the single rounding site in the engine: r is multiplied by
// scale and rounded half-even to an integer quantum count. Negative
// results clamp to zero (a violation measure is never negative; any
// negative input is a residual artifact of exact cancellation).
func FromRat(r *big.Rat, scale int64) (Unit, error) {
	if r == nil {
		return 0, fmt.Errorf("nil rational")
	}
	if scale <= 0 {
		return 0, fmt.Errorf("debt scale must be positive, got %d", scale)
	}

	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt64(scale))
	if scaled.Sign() < 0 {
		return 0, nil
	}

	q := roundHalfEven(scaled)
	if !q.IsInt64() {
		return 0, fmt.Errorf("scaled debt %s exceeds int64 range", q.String())
	}
	return Unit(q.Int64()), nil
}

// roundHalfEven rounds a non-negative rational to the nearest integer,
// ties to even.
func roundHalfEven(r *big.Rat) *big.Int {
	num := r.Num()
	den := r.Denom()

	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() == 0 {
		return quo
	}

	// Compare 2·rem against den to locate the tie point.
	twice := new(big.Int).Lsh(rem, 1)
	switch twice.Cmp(den) {
	case -1:
		return quo
	case 1:
		return quo.Add(quo, big.NewInt(1))
	default:
		// Exact tie: round to even.
		if quo.Bit(0) == 0 {
			return quo
		}
		return quo.Add(quo, big.NewInt(1))
	}
}
