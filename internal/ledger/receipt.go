// Package ledger models the hash-linked receipt chain. Every accepted
// step emits exactly one receipt; rejected steps emit nothing. The
// receipt body is canonical JSON, its hash is domain-separated, and
// each receipt binds its predecessor's hash, so any mutation anywhere
// in the chain is detectable from the chain alone.
package ledger

import (
	"fmt"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/debt"
	"github.com/covenant-engine/covenant/internal/gate"
)

// InvariantStatus records one invariant evaluation on the committed
// state.
type InvariantStatus struct {
	ID       string
	Severity string
	Holds    bool
}

// Receipt is one committed step. Hash covers every field except Hash
// itself. PrevHash of the first receipt is the all-zero sentinel.
type Receipt struct {
	StepIndex int64
	Hash      string
	PrevHash  string
	RunToken  string

	StateBefore string
	StateAfter  string

	DebtBefore  debt.Unit
	DebtAfter   debt.Unit
	Budget      debt.Unit
	Disturbance debt.Unit
	Service     debt.Unit

	Decision string
	// Violation is the exact pre-rounding violation measure of the
	// committed state.
	Violation  canon.Rat
	Invariants []InvariantStatus
	Warnings   []string

	// FailureHashes carries the canonical hashes of every non-fatal
	// failure observed since the previous successful receipt.
	FailureHashes []string

	BatchDigest string
	// BatchOps is the append-log order of the committed batch.
	BatchOps []string

	ContractsID  string
	MatrixDigest string
	PolicyDigest string
	LawID        string
	RoundingID   string
}

// FromOutcome assembles the receipt core from a gate outcome.
func FromOutcome(out gate.Outcome) Receipt {
	r := Receipt{
		DebtBefore:  out.DebtBefore,
		DebtAfter:   out.DebtAfter,
		Budget:      out.Budget,
		Disturbance: out.Disturbance,
		Service:     out.Service,
		Decision:    string(out.Decision),
		Violation:   canon.RatFromBig(out.Violation),
		Warnings:    out.Warnings,
	}
	for _, inv := range out.Invariants {
		r.Invariants = append(r.Invariants, InvariantStatus{
			ID: inv.ID, Severity: string(inv.Severity), Holds: inv.Holds,
		})
	}
	return r
}

// canonPayload lays the receipt out for hashing and storage. The Hash
// field is deliberately absent.
func (r Receipt) canonPayload() canon.Object {
	invs := make(canon.Array, 0, len(r.Invariants))
	for _, inv := range r.Invariants {
		invs = append(invs, canon.Object{
			"id":       canon.String(inv.ID),
			"severity": canon.String(inv.Severity),
			"holds":    canon.Bool(inv.Holds),
		})
	}
	return canon.Object{
		"step_index":     canon.Int(r.StepIndex),
		"prev_hash":      canon.String(r.PrevHash),
		"run_token":      canon.String(r.RunToken),
		"state_before":   canon.String(r.StateBefore),
		"state_after":    canon.String(r.StateAfter),
		"debt_before":    canon.Int(r.DebtBefore.Int64()),
		"debt_after":     canon.Int(r.DebtAfter.Int64()),
		"budget":         canon.Int(r.Budget.Int64()),
		"disturbance":    canon.Int(r.Disturbance.Int64()),
		"service":        canon.Int(r.Service.Int64()),
		"decision":       canon.String(r.Decision),
		"violation":      r.Violation,
		"invariants":     invs,
		"warnings":       canon.StringsToArray(r.Warnings),
		"failure_hashes": canon.StringsToArray(r.FailureHashes),
		"batch_digest":   canon.String(r.BatchDigest),
		"batch_ops":      canon.StringsToArray(r.BatchOps),
		"contracts_id":   canon.String(r.ContractsID),
		"matrix_digest":  canon.String(r.MatrixDigest),
		"policy_digest":  canon.String(r.PolicyDigest),
		"law_id":         canon.String(r.LawID),
		"rounding_id":    canon.String(r.RoundingID),
	}
}

// MarshalBody returns the canonical receipt bytes (hash excluded).
func (r Receipt) MarshalBody() ([]byte, error) {
	return canon.MarshalCanonical(r.canonPayload())
}

// ComputeHash hashes the canonical body under the receipt domain.
func (r Receipt) ComputeHash() (string, error) {
	body, err := r.MarshalBody()
	if err != nil {
		return "", fmt.Errorf("encoding receipt %d: %w", r.StepIndex, err)
	}
	return canon.HashWithDomain(canon.DomainReceipt, body), nil
}

// Seal computes and stores the receipt hash.
func (r *Receipt) Seal() error {
	h, err := r.ComputeHash()
	if err != nil {
		return err
	}
	r.Hash = h
	return nil
}

// DecodeBody parses stored canonical receipt bytes back into a
// Receipt. Decoding is strict: unknown keys, missing keys, wrong
// types, and unreduced rationals are all rejections, never coercions.
func DecodeBody(body []byte, hash string) (Receipt, error) {
	val, err := canon.ParseValue(body)
	if err != nil {
		return Receipt{}, fmt.Errorf("parsing receipt body: %w", err)
	}
	obj, ok := val.(canon.Object)
	if !ok {
		return Receipt{}, fmt.Errorf("receipt body is not an object")
	}
	if len(obj) != 22 {
		return Receipt{}, fmt.Errorf("receipt body has %d keys, want 22", len(obj))
	}

	var r Receipt
	r.Hash = hash

	if r.StepIndex, err = intField(obj, "step_index"); err != nil {
		return Receipt{}, err
	}
	if r.PrevHash, err = stringField(obj, "prev_hash"); err != nil {
		return Receipt{}, err
	}
	if r.RunToken, err = stringField(obj, "run_token"); err != nil {
		return Receipt{}, err
	}
	if r.StateBefore, err = stringField(obj, "state_before"); err != nil {
		return Receipt{}, err
	}
	if r.StateAfter, err = stringField(obj, "state_after"); err != nil {
		return Receipt{}, err
	}
	if r.DebtBefore, err = unitField(obj, "debt_before"); err != nil {
		return Receipt{}, err
	}
	if r.DebtAfter, err = unitField(obj, "debt_after"); err != nil {
		return Receipt{}, err
	}
	if r.Budget, err = unitField(obj, "budget"); err != nil {
		return Receipt{}, err
	}
	if r.Disturbance, err = unitField(obj, "disturbance"); err != nil {
		return Receipt{}, err
	}
	if r.Service, err = unitField(obj, "service"); err != nil {
		return Receipt{}, err
	}
	if r.Decision, err = stringField(obj, "decision"); err != nil {
		return Receipt{}, err
	}

	ratObj, ok := obj["violation"].(canon.Object)
	if !ok {
		return Receipt{}, fmt.Errorf("receipt field violation must be a rational object")
	}
	if r.Violation, err = canon.ParseRatObject(ratObj); err != nil {
		return Receipt{}, fmt.Errorf("receipt field violation: %w", err)
	}

	invs, ok := obj["invariants"].(canon.Array)
	if !ok {
		return Receipt{}, fmt.Errorf("receipt field invariants must be an array")
	}
	for i, elem := range invs {
		iv, ok := elem.(canon.Object)
		if !ok || len(iv) != 3 {
			return Receipt{}, fmt.Errorf("invariant %d malformed", i)
		}
		id, err := stringField(iv, "id")
		if err != nil {
			return Receipt{}, fmt.Errorf("invariant %d: %w", i, err)
		}
		sev, err := stringField(iv, "severity")
		if err != nil {
			return Receipt{}, fmt.Errorf("invariant %d: %w", i, err)
		}
		holds, ok := iv["holds"].(canon.Bool)
		if !ok {
			return Receipt{}, fmt.Errorf("invariant %d: holds must be a bool", i)
		}
		r.Invariants = append(r.Invariants, InvariantStatus{ID: id, Severity: sev, Holds: bool(holds)})
	}

	if r.Warnings, err = stringArrayField(obj, "warnings"); err != nil {
		return Receipt{}, err
	}
	if r.FailureHashes, err = stringArrayField(obj, "failure_hashes"); err != nil {
		return Receipt{}, err
	}
	if r.BatchDigest, err = stringField(obj, "batch_digest"); err != nil {
		return Receipt{}, err
	}
	if r.BatchOps, err = stringArrayField(obj, "batch_ops"); err != nil {
		return Receipt{}, err
	}
	if r.ContractsID, err = stringField(obj, "contracts_id"); err != nil {
		return Receipt{}, err
	}
	if r.MatrixDigest, err = stringField(obj, "matrix_digest"); err != nil {
		return Receipt{}, err
	}
	if r.PolicyDigest, err = stringField(obj, "policy_digest"); err != nil {
		return Receipt{}, err
	}
	if r.LawID, err = stringField(obj, "law_id"); err != nil {
		return Receipt{}, err
	}
	if r.RoundingID, err = stringField(obj, "rounding_id"); err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func stringField(obj canon.Object, key string) (string, error) {
	v, ok := obj[key].(canon.String)
	if !ok {
		return "", fmt.Errorf("receipt field %s must be a string", key)
	}
	return string(v), nil
}

func intField(obj canon.Object, key string) (int64, error) {
	v, ok := obj[key].(canon.Int)
	if !ok {
		return 0, fmt.Errorf("receipt field %s must be an integer", key)
	}
	return int64(v), nil
}

func unitField(obj canon.Object, key string) (debt.Unit, error) {
	v, err := intField(obj, key)
	if err != nil {
		return 0, err
	}
	u, err := debt.New(v)
	if err != nil {
		return 0, fmt.Errorf("receipt field %s: %w", key, err)
	}
	return u, nil
}

func stringArrayField(obj canon.Object, key string) ([]string, error) {
	arr, ok := obj[key].(canon.Array)
	if !ok {
		return nil, fmt.Errorf("receipt field %s must be an array", key)
	}
	out := make([]string, 0, len(arr))
	for i, elem := range arr {
		s, ok := elem.(canon.String)
		if !ok {
			return nil, fmt.Errorf("receipt field %s[%d] must be a string", key, i)
		}
		out = append(out, string(s))
	}
	return out, nil
}
