package policy

import (
	"fmt"
	"sort"

	"github.com/covenant-engine/covenant/internal/canon"
)

// RoundingHalfEven names the only rounding rule this engine knows. The
// ID appears on every receipt; a verifier rejects receipts claiming a
// rule it cannot reproduce.
const RoundingHalfEven = "round.half_even.v1"

// Limits caps resource consumption per run. Zero means the dimension
// is uncapped.
type Limits struct {
	MaxBatchWidth  int
	MaxEncodeBytes int
	MaxOps         int
}

func (l Limits) validate() error {
	if l.MaxBatchWidth < 0 || l.MaxEncodeBytes < 0 || l.MaxOps < 0 {
		return fmt.Errorf("limits must be non-negative: %+v", l)
	}
	return nil
}

// Bundle is the complete immutable policy epoch. Build once with
// NewBundle (or CompileBundle from CUE); every receipt binds Digest().
type Bundle struct {
	Matrix      *Matrix
	Contracts   *ContractSet
	Law         ServiceLaw
	Disturbance DisturbancePolicy
	Invariants  []Invariant
	Limits      Limits

	// DebtScale converts the rational violation measure into debt
	// quanta: quanta = round_half_even(V · DebtScale).
	DebtScale int64

	// EpsilonHat is the admissibility bound on a batch's total
	// curvature cost.
	EpsilonHat canon.Rat

	RoundingID string
}

// NewBundle validates the pieces and freezes the epoch.
func NewBundle(b Bundle) (*Bundle, error) {
	if b.Matrix == nil {
		return nil, fmt.Errorf("bundle needs a curvature matrix")
	}
	if b.Contracts == nil {
		return nil, fmt.Errorf("bundle needs a contract set")
	}
	if b.DebtScale <= 0 {
		return nil, fmt.Errorf("debt scale must be positive, got %d", b.DebtScale)
	}
	if b.EpsilonHat.Big() == nil || b.EpsilonHat.Big().Sign() < 0 {
		return nil, fmt.Errorf("epsilon-hat must be a non-negative rational")
	}
	if b.RoundingID == "" {
		b.RoundingID = RoundingHalfEven
	}
	if b.RoundingID != RoundingHalfEven {
		return nil, fmt.Errorf("unknown rounding rule %q", b.RoundingID)
	}
	if err := b.Limits.validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(b.Invariants))
	invs := make([]Invariant, len(b.Invariants))
	copy(invs, b.Invariants)
	for _, inv := range invs {
		if err := inv.validate(); err != nil {
			return nil, err
		}
		if seen[inv.ID] {
			return nil, fmt.Errorf("duplicate invariant id %q", inv.ID)
		}
		seen[inv.ID] = true
	}
	sort.Slice(invs, func(i, j int) bool { return invs[i].ID < invs[j].ID })
	b.Invariants = invs

	return &b, nil
}

// Digest returns the bundle content hash. It covers every policy
// surface: matrix, contracts, law, disturbance, invariants, limits,
// scale, epsilon-hat, rounding rule.
func (b *Bundle) Digest() (string, error) {
	invs := make(canon.Array, 0, len(b.Invariants))
	for _, inv := range b.Invariants {
		invs = append(invs, inv.canonValue())
	}
	return canon.HashValue(canon.DomainPolicy, canon.Object{
		"matrix":      b.Matrix.canonValue(),
		"contracts":   b.Contracts.canonValue(),
		"law":         canon.String(b.Law.ID()),
		"disturbance": b.Disturbance.canonValue(),
		"invariants":  invs,
		"limits": canon.Object{
			"max_batch_width":  canon.Int(int64(b.Limits.MaxBatchWidth)),
			"max_encode_bytes": canon.Int(int64(b.Limits.MaxEncodeBytes)),
			"max_ops":          canon.Int(int64(b.Limits.MaxOps)),
		},
		"debt_scale":  canon.Int(b.DebtScale),
		"epsilon_hat": b.EpsilonHat,
		"rounding":    canon.String(b.RoundingID),
	})
}

// MatrixDigest is a convenience passthrough for receipt binding.
func (b *Bundle) MatrixDigest() (string, error) {
	return b.Matrix.Digest()
}

// ContractsDigest is a convenience passthrough for receipt binding.
func (b *Bundle) ContractsDigest() (string, error) {
	return b.Contracts.Digest()
}
