// Package testutil holds shared fixtures for deterministic tests:
// padded field identifiers and a minimal policy epoch whose violation
// measure is the square of one tracked field.
package testutil

import (
	"strings"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/policy"
	"github.com/covenant-engine/covenant/internal/state"
)

// FieldID pads a hex suffix to a full field identifier, so tests can
// write FieldID("0a") instead of the 34-character literal.
func FieldID(suffix string) state.FieldID {
	return state.FieldID("f:" + strings.Repeat("0", 32-len(suffix)) + suffix)
}

// Tracked is the field the fixture bundle's contract follows.
func Tracked() state.FieldID { return FieldID("01") }

// TrackingBundle builds a policy epoch with V(x) = tracked², a zero
// curvature matrix over two blocks, the default service law, no
// admitted disturbance, and unit debt scale. Panics on construction
// errors; the fixture is static and a failure is a programming error.
func TrackingBundle(epsilon canon.Rat, limits policy.Limits) *policy.Bundle {
	m, err := policy.NewMatrix(2, nil)
	if err != nil {
		panic(err)
	}
	cs, err := policy.NewContractSet([]policy.Contract{{
		ID:     "c.track",
		Weight: canon.MustRat(1, 1),
		Terms:  []policy.Term{{Field: Tracked(), Coeff: canon.MustRat(1, 1)}},
		Target: canon.MustRat(0, 1),
		Sigma:  canon.MustRat(1, 1),
	}})
	if err != nil {
		panic(err)
	}
	b, err := policy.NewBundle(policy.Bundle{
		Matrix:      m,
		Contracts:   cs,
		Law:         policy.DefaultLaw(),
		Disturbance: policy.DP0(),
		Limits:      limits,
		DebtScale:   1,
		EpsilonHat:  epsilon,
	})
	if err != nil {
		panic(err)
	}
	return b
}
