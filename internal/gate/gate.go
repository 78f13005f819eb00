// Package gate decides whether a candidate batch commits. The flow is
// predict (admissibility pre-check on the batch's conservative cost
// bound), verify (exact violation measure and invariant evaluation on
// the candidate state), decide (the debt recursion, checked in exact
// integer arithmetic). The gate never mutates state; it only
// classifies.
package gate

import (
	"fmt"
	"math/big"

	"github.com/covenant-engine/covenant/internal/debt"
	"github.com/covenant-engine/covenant/internal/policy"
	"github.com/covenant-engine/covenant/internal/state"
)

// Decision is the closed classification of a gate outcome.
type Decision string

const (
	// DecisionAccept commits the batch and emits a receipt.
	DecisionAccept Decision = "accept"
	// DecisionReject discards the candidate state; the caller retries
	// at reduced width.
	DecisionReject Decision = "reject"
	// DecisionRepair triggers the deterministic repair step.
	DecisionRepair Decision = "repair"
	// DecisionTerminal halts the run.
	DecisionTerminal Decision = "terminal"
)

// InvariantResult records one invariant evaluation on the candidate
// state.
type InvariantResult struct {
	ID       string
	Severity policy.Severity
	Holds    bool
}

// Outcome carries everything a receipt needs from the decision.
type Outcome struct {
	Decision   Decision
	Reason     string
	DebtBefore debt.Unit
	DebtAfter  debt.Unit
	Service    debt.Unit
	Budget     debt.Unit
	// Disturbance is the declared disturbance actually admitted.
	Disturbance debt.Unit
	// Violation is the exact post-state violation measure before
	// scaling to quanta.
	Violation  *big.Rat
	Invariants []InvariantResult
	Warnings   []string
}

// Gate evaluates candidates against one policy epoch.
type Gate struct {
	bundle *policy.Bundle
}

// New returns a gate bound to the bundle.
func New(bundle *policy.Bundle) *Gate {
	return &Gate{bundle: bundle}
}

// Violation computes V(x) = Σ w_k·(r_k(x)/σ_k(x))² over the active
// contract set, exactly.
func (g *Gate) Violation(st state.State) *big.Rat {
	return MeasureViolation(g.bundle.Contracts, st)
}

// MeasureViolation is the shared exact violation functional. The
// verifier calls it directly so its arithmetic is the gate's, not a
// reimplementation.
func MeasureViolation(contracts *policy.ContractSet, st state.State) *big.Rat {
	total := new(big.Rat)
	for _, c := range contracts.All() {
		r := c.Residual(st)
		if r.Sign() == 0 {
			continue
		}
		sigma := c.SigmaAt(st)
		norm := new(big.Rat).Quo(r, sigma)
		sq := new(big.Rat).Mul(norm, norm)
		total.Add(total, sq.Mul(sq, c.Weight.Big()))
	}
	return total
}

// Measure converts the exact violation of st into debt quanta under
// the bundle's scale. The rational is returned alongside so callers
// can record and re-verify the pre-rounding value.
func (g *Gate) Measure(st state.State) (debt.Unit, *big.Rat, error) {
	v := g.Violation(st)
	u, err := debt.FromRat(v, g.bundle.DebtScale)
	if err != nil {
		return 0, nil, fmt.Errorf("scaling violation measure: %w", err)
	}
	return u, v, nil
}

// Decide runs predict → verify → decide for one candidate batch.
// batchCost is the scheduler's realized total cost bound. pre supplies
// debt_before; post is the candidate state after applying the batch.
func (g *Gate) Decide(pre state.State, batchCost *big.Rat, post state.State, budget, disturbance debt.Unit, eventType string) (Outcome, error) {
	out := Outcome{
		DebtBefore:  pre.Debt,
		Budget:      budget,
		Disturbance: disturbance,
	}

	// Predict: the conservative cost bound must be admissible before
	// anything else is inspected.
	if batchCost.Cmp(g.bundle.EpsilonHat.Big()) > 0 {
		out.Decision = DecisionReject
		out.Reason = fmt.Sprintf("batch cost %s exceeds admissibility bound %s",
			batchCost.RatString(), g.bundle.EpsilonHat.String())
		out.DebtAfter = pre.Debt
		out.Violation = new(big.Rat)
		return out, nil
	}

	if err := g.bundle.Disturbance.Validate(disturbance, eventType); err != nil {
		out.Decision = DecisionReject
		out.Reason = err.Error()
		out.DebtAfter = pre.Debt
		out.Violation = new(big.Rat)
		return out, nil
	}

	// Verify: exact measure and invariants on the candidate state.
	debtAfter, violation, err := g.Measure(post)
	if err != nil {
		return Outcome{}, err
	}
	out.DebtAfter = debtAfter
	out.Violation = violation

	terminal, repairable := false, false
	for _, inv := range g.bundle.Invariants {
		holds := inv.Holds(post)
		out.Invariants = append(out.Invariants, InvariantResult{
			ID: inv.ID, Severity: inv.Severity, Holds: holds,
		})
		if holds {
			continue
		}
		switch inv.Severity {
		case policy.SeverityTerminal:
			terminal = true
		case policy.SeverityRepairable:
			repairable = true
		case policy.SeverityWarning:
			out.Warnings = append(out.Warnings, inv.ID)
		}
	}

	switch {
	case terminal:
		out.Decision = DecisionTerminal
		out.Reason = "terminal invariant failed on candidate state"
		return out, nil
	case repairable:
		out.Decision = DecisionRepair
		out.Reason = "repairable invariant failed on candidate state"
		return out, nil
	}

	// Decide: the exact debt recursion.
	service, err := g.bundle.Law.Service(pre.Debt, budget)
	if err != nil {
		return Outcome{}, err
	}
	out.Service = service

	ok, err := LawHolds(pre.Debt, debtAfter, service, disturbance)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		out.Decision = DecisionReject
		out.Reason = fmt.Sprintf("debt law violated: %d > %d - %d + %d",
			debtAfter, pre.Debt, service, disturbance)
		return out, nil
	}

	out.Decision = DecisionAccept
	return out, nil
}

// LawHolds checks debt_after ≤ debt_before − service + disturbance in
// exact integer arithmetic. The service never exceeds debt_before, so
// the subtraction cannot underflow.
func LawHolds(before, after, service, disturbance debt.Unit) (bool, error) {
	serviced, err := before.Sub(service)
	if err != nil {
		return false, fmt.Errorf("service exceeds outstanding debt: %w", err)
	}
	allowed, err := serviced.Add(disturbance)
	if err != nil {
		return false, fmt.Errorf("debt bound overflow: %w", err)
	}
	return after <= allowed, nil
}
