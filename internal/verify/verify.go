// Package verify replays a receipt chain without trusting any of it.
// Every hash is recomputed, every linkage re-walked, every debt
// transition re-derived in exact arithmetic against the declared
// policy. The verifier shares the engine's arithmetic code paths, so
// a passing chain means the ledger could have been produced by this
// policy and nothing in it was rewritten.
package verify

import (
	"bytes"
	"context"
	"fmt"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/debt"
	"github.com/covenant-engine/covenant/internal/gate"
	"github.com/covenant-engine/covenant/internal/ledger"
	"github.com/covenant-engine/covenant/internal/policy"
)

// FindingCode categorizes verification failures.
type FindingCode string

const (
	CodeBrokenChain          FindingCode = "BROKEN_CHAIN"
	CodeHashMismatch         FindingCode = "HASH_MISMATCH"
	CodeLawViolated          FindingCode = "LAW_VIOLATED"
	CodeInvariantMismatch    FindingCode = "INVARIANT_MISMATCH"
	CodeViolationMismatch    FindingCode = "VIOLATION_MEASURE_MISMATCH"
	CodeNonCanonicalEncoding FindingCode = "NON_CANONICAL_ENCODING"
	CodePolicyMismatch       FindingCode = "POLICY_MISMATCH"
)

// Finding is one verification failure. A chain can accumulate many;
// the verifier never stops at the first.
type Finding struct {
	Code      FindingCode `json:"code"`
	StepIndex int64       `json:"step_index"`
	Message   string      `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("step %d: %s: %s", f.StepIndex, f.Code, f.Message)
}

// Report is the verifier's verdict over a whole chain.
type Report struct {
	Pass     bool
	Steps    int
	Findings []Finding
}

// Verifier replays chains against one declared policy epoch.
type Verifier struct {
	bundle       *policy.Bundle
	policyDigest string
	matrixDigest string
	contractsID  string
}

// New builds a verifier for the declared bundle. The bundle digests
// are computed once; receipts claiming different digests are policy
// mismatches, not alternative epochs.
func New(bundle *policy.Bundle) (*Verifier, error) {
	pd, err := bundle.Digest()
	if err != nil {
		return nil, fmt.Errorf("digesting bundle: %w", err)
	}
	md, err := bundle.MatrixDigest()
	if err != nil {
		return nil, fmt.Errorf("digesting matrix: %w", err)
	}
	cid, err := bundle.ContractsDigest()
	if err != nil {
		return nil, fmt.Errorf("digesting contracts: %w", err)
	}
	return &Verifier{
		bundle:       bundle,
		policyDigest: pd,
		matrixDigest: md,
		contractsID:  cid,
	}, nil
}

// Verify replays the stored receipts in order. The error return is
// for infrastructure failures only; chain defects come back as
// findings in the report.
func (v *Verifier) Verify(ctx context.Context, stored []ledger.StoredReceipt) (Report, error) {
	report := Report{Steps: len(stored)}
	prevHash := canon.ZeroHash
	prevIndex := int64(-1)

	for _, row := range stored {
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		r, ok := v.checkEncoding(row, &report)
		if !ok {
			// Without a decodable body nothing else about this row can
			// be checked; linkage continues from the stored hash so
			// one bad row does not cascade into chain findings.
			prevHash = row.Hash
			prevIndex = row.StepIndex
			continue
		}

		v.checkChain(row, r, prevHash, prevIndex, &report)
		v.checkPolicy(r, &report)
		v.checkLaw(r, &report)
		v.checkViolation(r, &report)
		v.checkInvariants(r, &report)

		prevHash = row.Hash
		prevIndex = row.StepIndex
	}

	report.Pass = len(report.Findings) == 0
	return report, nil
}

// checkEncoding decodes the stored body, confirms the bytes are in
// canonical form, and recomputes the receipt hash from scratch.
func (v *Verifier) checkEncoding(row ledger.StoredReceipt, report *Report) (ledger.Receipt, bool) {
	r, err := ledger.DecodeBody(row.Body, row.Hash)
	if err != nil {
		report.add(CodeNonCanonicalEncoding, row.StepIndex, err.Error())
		return ledger.Receipt{}, false
	}

	remarshaled, err := r.MarshalBody()
	if err != nil {
		report.add(CodeNonCanonicalEncoding, row.StepIndex, err.Error())
		return ledger.Receipt{}, false
	}
	if !bytes.Equal(remarshaled, row.Body) {
		report.add(CodeNonCanonicalEncoding, row.StepIndex,
			"stored body is not the canonical encoding of its content")
	}

	computed, err := r.ComputeHash()
	if err != nil {
		report.add(CodeHashMismatch, row.StepIndex, err.Error())
		return r, true
	}
	if computed != row.Hash {
		report.add(CodeHashMismatch, row.StepIndex,
			fmt.Sprintf("stored hash %s, recomputed %s", row.Hash, computed))
	}
	return r, true
}

// checkChain validates linkage and step numbering against the
// previous row.
func (v *Verifier) checkChain(row ledger.StoredReceipt, r ledger.Receipt, prevHash string, prevIndex int64, report *Report) {
	if r.StepIndex != row.StepIndex {
		report.add(CodeBrokenChain, row.StepIndex,
			fmt.Sprintf("body claims step %d, stored under step %d", r.StepIndex, row.StepIndex))
	}
	if row.StepIndex != prevIndex+1 {
		report.add(CodeBrokenChain, row.StepIndex,
			fmt.Sprintf("step %d does not follow step %d", row.StepIndex, prevIndex))
	}
	if r.PrevHash != prevHash {
		report.add(CodeBrokenChain, row.StepIndex,
			fmt.Sprintf("prev link %s, expected %s", r.PrevHash, prevHash))
	}
}

// checkPolicy confirms the receipt's epoch bindings name the declared
// bundle exactly.
func (v *Verifier) checkPolicy(r ledger.Receipt, report *Report) {
	if r.PolicyDigest != v.policyDigest {
		report.add(CodePolicyMismatch, r.StepIndex,
			fmt.Sprintf("policy digest %s, declared bundle is %s", r.PolicyDigest, v.policyDigest))
	}
	if r.MatrixDigest != v.matrixDigest {
		report.add(CodePolicyMismatch, r.StepIndex,
			fmt.Sprintf("matrix digest %s, declared bundle is %s", r.MatrixDigest, v.matrixDigest))
	}
	if r.ContractsID != v.contractsID {
		report.add(CodePolicyMismatch, r.StepIndex,
			fmt.Sprintf("contracts id %s, declared bundle is %s", r.ContractsID, v.contractsID))
	}
	if r.LawID != v.bundle.Law.ID() {
		report.add(CodePolicyMismatch, r.StepIndex,
			fmt.Sprintf("service law %q, declared bundle uses %q", r.LawID, v.bundle.Law.ID()))
	}
	if r.RoundingID != v.bundle.RoundingID {
		report.add(CodePolicyMismatch, r.StepIndex,
			fmt.Sprintf("rounding rule %q, declared bundle uses %q", r.RoundingID, v.bundle.RoundingID))
	}
}

// checkLaw re-derives the service term from the receipt's own law ID
// and re-checks the debt inequality in exact integer arithmetic. The
// law is parsed from the receipt rather than taken from the bundle:
// even with a policy mismatch finding already recorded, the chain's
// internal arithmetic should be judged by what the chain claims.
func (v *Verifier) checkLaw(r ledger.Receipt, report *Report) {
	law, err := policy.ParseLawID(r.LawID)
	if err != nil {
		report.add(CodeLawViolated, r.StepIndex,
			fmt.Sprintf("unparseable service law %q: %v", r.LawID, err))
		return
	}
	service, err := law.Service(r.DebtBefore, r.Budget)
	if err != nil {
		report.add(CodeLawViolated, r.StepIndex, err.Error())
		return
	}
	if service != r.Service {
		report.add(CodeLawViolated, r.StepIndex,
			fmt.Sprintf("recorded service %d, recomputed %d", r.Service, service))
		return
	}
	ok, err := gate.LawHolds(r.DebtBefore, r.DebtAfter, service, r.Disturbance)
	if err != nil {
		report.add(CodeLawViolated, r.StepIndex, err.Error())
		return
	}
	if !ok {
		report.add(CodeLawViolated, r.StepIndex,
			fmt.Sprintf("debt law fails: %d > %d - %d + %d",
				r.DebtAfter, r.DebtBefore, service, r.Disturbance))
	}
}

// checkViolation re-scales the recorded exact violation measure and
// compares it with the recorded post-debt.
func (v *Verifier) checkViolation(r ledger.Receipt, report *Report) {
	exact := r.Violation.Big()
	if exact == nil {
		report.add(CodeViolationMismatch, r.StepIndex, "receipt carries no violation measure")
		return
	}
	scaled, err := debt.FromRat(exact, v.bundle.DebtScale)
	if err != nil {
		report.add(CodeViolationMismatch, r.StepIndex, err.Error())
		return
	}
	if scaled != r.DebtAfter {
		report.add(CodeViolationMismatch, r.StepIndex,
			fmt.Sprintf("violation %s scales to %d quanta, receipt records debt %d",
				exact.RatString(), scaled, r.DebtAfter))
	}
}

// checkInvariants confirms the receipt reports the bundle's invariant
// set exactly and that no terminal or repairable invariant failed on
// a committed state.
func (v *Verifier) checkInvariants(r ledger.Receipt, report *Report) {
	declared := make(map[string]policy.Severity, len(v.bundle.Invariants))
	for _, inv := range v.bundle.Invariants {
		declared[inv.ID] = inv.Severity
	}

	seen := make(map[string]bool, len(r.Invariants))
	for _, st := range r.Invariants {
		sev, ok := declared[st.ID]
		if !ok {
			report.add(CodeInvariantMismatch, r.StepIndex,
				fmt.Sprintf("receipt reports unknown invariant %q", st.ID))
			continue
		}
		if seen[st.ID] {
			report.add(CodeInvariantMismatch, r.StepIndex,
				fmt.Sprintf("invariant %q reported twice", st.ID))
			continue
		}
		seen[st.ID] = true
		if string(sev) != st.Severity {
			report.add(CodeInvariantMismatch, r.StepIndex,
				fmt.Sprintf("invariant %q reported with severity %q, declared %q", st.ID, st.Severity, sev))
		}
		if !st.Holds && st.Severity != string(policy.SeverityWarning) {
			report.add(CodeInvariantMismatch, r.StepIndex,
				fmt.Sprintf("committed state fails %s invariant %q", st.Severity, st.ID))
		}
	}
	for id := range declared {
		if !seen[id] {
			report.add(CodeInvariantMismatch, r.StepIndex,
				fmt.Sprintf("receipt omits declared invariant %q", id))
		}
	}
}

func (r *Report) add(code FindingCode, step int64, msg string) {
	r.Findings = append(r.Findings, Finding{Code: code, StepIndex: step, Message: msg})
}
