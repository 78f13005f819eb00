package canon

import (
	"fmt"
	"math/big"
)

// Rat is a canonical exact rational. The underlying big.Rat is always
// stored reduced with a positive denominator (big.Rat guarantees this),
// which is exactly the reduced-rational invariant receipts are checked
// against.
type Rat struct {
	r *big.Rat
}

func (Rat) canonValue() {}

// NewRat constructs a reduced rational n/d. The denominator must be
// non-zero.
func NewRat(n, d int64) (Rat, error) {
	if d == 0 {
		return Rat{}, fmt.Errorf("rational denominator cannot be zero")
	}
	return Rat{r: big.NewRat(n, d)}, nil
}

// MustRat is like NewRat but panics on a zero denominator.
// Use only in tests or for literals known to be valid.
func MustRat(n, d int64) Rat {
	q, err := NewRat(n, d)
	if err != nil {
		panic(err)
	}
	return q
}

// RatFromBig wraps an existing big.Rat, copying it so the canonical
// value cannot be mutated through the original.
func RatFromBig(r *big.Rat) Rat {
	return Rat{r: new(big.Rat).Set(r)}
}

// RatZero returns the canonical zero rational.
func RatZero() Rat {
	return Rat{r: new(big.Rat)}
}

// Big returns a copy of the underlying big.Rat for computation.
func (q Rat) Big() *big.Rat {
	if q.r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(q.r)
}

// IsZero reports whether the rational equals zero.
func (q Rat) IsZero() bool {
	return q.r == nil || q.r.Sign() == 0
}

// Cmp compares q and other exactly.
func (q Rat) Cmp(other Rat) int {
	return q.Big().Cmp(other.Big())
}

// String renders the rational as "n/d" in lowest terms.
func (q Rat) String() string {
	return q.Big().RatString()
}

// canonicalPair returns the numerator and denominator as int64 values.
// Values outside int64 range cannot be canonically encoded and are a
// hard rejection, never a truncation.
func (q Rat) canonicalPair() (int64, int64, error) {
	r := q.Big()
	num := r.Num()
	den := r.Denom()
	if !num.IsInt64() || !den.IsInt64() {
		return 0, 0, fmt.Errorf("rational %s exceeds canonical int64 range", r.RatString())
	}
	return num.Int64(), den.Int64(), nil
}

// ParseRatObject decodes a canonical {"d":…,"n":…} object into a Rat,
// rejecting non-reduced or non-positive-denominator encodings. Used by
// the verifier to prove producers used canonical arithmetic.
func ParseRatObject(obj Object) (Rat, error) {
	nv, ok := obj["n"]
	if !ok {
		return Rat{}, fmt.Errorf("rational object missing numerator key %q", "n")
	}
	dv, ok := obj["d"]
	if !ok {
		return Rat{}, fmt.Errorf("rational object missing denominator key %q", "d")
	}
	n, ok := nv.(Int)
	if !ok {
		return Rat{}, fmt.Errorf("rational numerator must be an integer, got %T", nv)
	}
	d, ok := dv.(Int)
	if !ok {
		return Rat{}, fmt.Errorf("rational denominator must be an integer, got %T", dv)
	}
	if d <= 0 {
		return Rat{}, fmt.Errorf("rational denominator must be positive, got %d", d)
	}
	if len(obj) != 2 {
		return Rat{}, fmt.Errorf("rational object has %d keys, want exactly 2", len(obj))
	}
	q := big.NewRat(int64(n), int64(d))
	// A canonical encoding is already reduced; anything else is a
	// producer defect, not something to silently fix.
	if q.Num().Int64() != int64(n) || q.Denom().Int64() != int64(d) {
		return Rat{}, fmt.Errorf("rational %d/%d is not in lowest terms", n, d)
	}
	return Rat{r: q}, nil
}
