// Package sched assembles execution batches from the ready frontier.
// Selection is greedy and exact: candidates are filtered for pairwise
// independence, ranked by marginal curvature cost in rational
// arithmetic, and tie-broken byte-lexicographically on operation ID.
// The append order is part of the canonical record. Nothing here
// consults wall clocks, thread counts, or map iteration order, so any
// two evaluators converge on the identical batch from the same inputs.
package sched

import (
	"fmt"
	"math/big"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/op"
	"github.com/covenant-engine/covenant/internal/policy"
)

// Mode tells whether a batch contains any dynamically-footprinted
// member.
type Mode string

const (
	ModeStatic  Mode = "static"
	ModeDynamic Mode = "dynamic"
)

// Batch is an ordered selection of operations plus its realized cost.
// TotalCost is the conservative bound handed to the gate:
// Σ bound² over members plus the full symmetric interaction
// Σ over ordered pairs of curvature·boundᵢ·boundⱼ.
type Batch struct {
	members []op.Operation
	mode    Mode
	// modeFlipped records that a dynamic member entered a batch that
	// already held static members.
	modeFlipped bool
	cost        *big.Rat
}

// IDs returns the member IDs in append order.
func (b *Batch) IDs() []string {
	out := make([]string, len(b.members))
	for i, m := range b.members {
		out[i] = m.ID
	}
	return out
}

// Members returns the operations in append order.
func (b *Batch) Members() []op.Operation {
	out := make([]op.Operation, len(b.members))
	copy(out, b.members)
	return out
}

// Len returns the member count.
func (b *Batch) Len() int { return len(b.members) }

// Mode returns the batch mode: dynamic iff any member is dynamic.
func (b *Batch) Mode() Mode { return b.mode }

// ModeFlipped reports whether the batch switched from static to
// dynamic while being assembled.
func (b *Batch) ModeFlipped() bool { return b.modeFlipped }

// TotalCost returns a copy of the realized aggregate cost.
func (b *Batch) TotalCost() *big.Rat {
	return new(big.Rat).Set(b.cost)
}

// Digest returns the batch content hash: ordered IDs, mode, cost.
func (b *Batch) Digest() (string, error) {
	return canon.HashValue(canon.DomainBatch, canon.Object{
		"ids":  canon.StringsToArray(b.IDs()),
		"mode": canon.String(string(b.mode)),
		"flip": canon.Bool(b.modeFlipped),
		"cost": canon.RatFromBig(b.cost),
	})
}

// PlanStep assembles one batch from the ready frontier. Vetoed IDs are
// never considered. maxWidth ≤ 0 means unbounded width.
func PlanStep(ready []op.Operation, m *policy.Matrix, maxWidth int, vetoes map[string]bool) (*Batch, error) {
	b := &Batch{mode: ModeStatic, cost: new(big.Rat)}
	return fill(b, ready, m, maxWidth, vetoes)
}

// ShrinkRetry handles a commit-time independence violation or policy
// veto: the most recently appended member is removed and vetoed, the
// earlier selections stay untouched in order, and the remaining slots
// are refilled greedily. Returns the removed ID alongside the new
// batch. An empty batch cannot shrink.
func ShrinkRetry(b *Batch, ready []op.Operation, m *policy.Matrix, maxWidth int, vetoes map[string]bool) (*Batch, string, error) {
	if b.Len() == 0 {
		return nil, "", fmt.Errorf("cannot shrink an empty batch")
	}

	removed := b.members[len(b.members)-1].ID

	nextVetoes := make(map[string]bool, len(vetoes)+1)
	for id := range vetoes {
		nextVetoes[id] = true
	}
	nextVetoes[removed] = true

	// Rebuild the kept prefix so cost and mode are recomputed from
	// scratch rather than patched.
	prefix := &Batch{mode: ModeStatic, cost: new(big.Rat)}
	for _, member := range b.members[:len(b.members)-1] {
		prefix.append(member, m)
	}

	refilled, err := fill(prefix, ready, m, maxWidth, nextVetoes)
	if err != nil {
		return nil, "", err
	}
	return refilled, removed, nil
}

// fill runs the greedy loop until width is exhausted or no feasible
// candidate remains.
func fill(b *Batch, ready []op.Operation, m *policy.Matrix, maxWidth int, vetoes map[string]bool) (*Batch, error) {
	selected := make(map[string]bool, b.Len())
	for _, member := range b.members {
		selected[member.ID] = true
	}

	for maxWidth <= 0 || b.Len() < maxWidth {
		best, ok := pickCandidate(b, ready, m, selected, vetoes)
		if !ok {
			break
		}
		b.append(best, m)
		selected[best.ID] = true
	}

	if b.cost.Sign() < 0 {
		return nil, fmt.Errorf("negative batch cost %s: curvature matrix is not a valid bound", b.cost.RatString())
	}
	return b, nil
}

// pickCandidate scans the frontier for the feasible candidate with the
// minimum marginal interaction cost, tie-broken byte-lex on ID.
func pickCandidate(b *Batch, ready []op.Operation, m *policy.Matrix, selected, vetoes map[string]bool) (op.Operation, bool) {
	var (
		best     op.Operation
		bestCost *big.Rat
		found    bool
	)

	for _, cand := range ready {
		if selected[cand.ID] || vetoes[cand.ID] {
			continue
		}
		if !independentOfAll(b, cand) {
			continue
		}

		mc := marginalInteraction(b, cand, m)
		if !found || mc.Cmp(bestCost) < 0 || (mc.Cmp(bestCost) == 0 && cand.ID < best.ID) {
			best, bestCost, found = cand, mc, true
		}
	}
	return best, found
}

func independentOfAll(b *Batch, cand op.Operation) bool {
	for _, member := range b.members {
		if !op.Independent(member, cand) {
			return false
		}
	}
	return true
}

// marginalInteraction is Σ over current members of
// curvature[member.block, cand.block]·member.bound·cand.bound.
func marginalInteraction(b *Batch, cand op.Operation, m *policy.Matrix) *big.Rat {
	sum := new(big.Rat)
	if cand.Bound == 0 {
		return sum
	}
	candBound := new(big.Rat).SetInt64(cand.Bound)
	for _, member := range b.members {
		if member.Bound == 0 {
			continue
		}
		k := m.Entry(member.Block, cand.Block)
		if k.IsZero() {
			continue
		}
		term := new(big.Rat).Mul(k.Big(), new(big.Rat).SetInt64(member.Bound))
		term.Mul(term, candBound)
		sum.Add(sum, term)
	}
	return sum
}

// append adds the member and folds its realized cost into the total:
// the bound² self term plus both ordered interaction pairs with every
// existing member.
func (b *Batch) append(member op.Operation, m *policy.Matrix) {
	interaction := marginalInteraction(b, member, m)

	bound := new(big.Rat).SetInt64(member.Bound)
	self := new(big.Rat).Mul(bound, bound)

	b.cost.Add(b.cost, self)
	b.cost.Add(b.cost, interaction.Mul(interaction, big.NewRat(2, 1)))

	if member.Dynamic {
		if b.mode == ModeStatic && len(b.members) > 0 {
			b.modeFlipped = true
		}
		b.mode = ModeDynamic
	}
	b.members = append(b.members, member)
}

// TotalCostOf recomputes the canonical cost of an ordered member list
// from scratch. The verifier uses this to reproduce a recorded batch
// cost without trusting the scheduler.
func TotalCostOf(members []op.Operation, m *policy.Matrix) *big.Rat {
	b := &Batch{mode: ModeStatic, cost: new(big.Rat)}
	for _, member := range members {
		b.append(member, m)
	}
	return b.TotalCost()
}
