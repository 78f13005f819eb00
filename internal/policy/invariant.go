package policy

import (
	"fmt"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/state"
)

// Severity classifies what a failed invariant means for the run.
type Severity string

const (
	// SeverityTerminal halts the run permanently.
	SeverityTerminal Severity = "terminal"
	// SeverityRepairable triggers a deterministic repair step.
	SeverityRepairable Severity = "repairable"
	// SeverityWarning is recorded on the receipt and nothing more.
	SeverityWarning Severity = "warning"
)

func validSeverity(s Severity) bool {
	return s == SeverityTerminal || s == SeverityRepairable || s == SeverityWarning
}

// CheckKind is the closed set of invariant predicates.
type CheckKind string

const (
	// CheckNonNegative: Field ≥ 0.
	CheckNonNegative CheckKind = "non_negative"
	// CheckRange: Min ≤ Field ≤ Max.
	CheckRange CheckKind = "range"
	// CheckLE: Field ≤ Other.
	CheckLE CheckKind = "le"
)

// Invariant is one predicate evaluated over the post-state of every
// gated batch.
type Invariant struct {
	ID       string
	Severity Severity
	Kind     CheckKind
	Field    state.FieldID
	Other    state.FieldID // CheckLE only
	Min, Max int64         // CheckRange only
}

func (inv Invariant) validate() error {
	if inv.ID == "" {
		return fmt.Errorf("invariant id must be non-empty")
	}
	if !validSeverity(inv.Severity) {
		return fmt.Errorf("invariant %s: unknown severity %q", inv.ID, inv.Severity)
	}
	if !state.ValidFieldID(inv.Field) {
		return fmt.Errorf("invariant %s: invalid field id %q", inv.ID, inv.Field)
	}
	switch inv.Kind {
	case CheckNonNegative:
	case CheckRange:
		if inv.Min > inv.Max {
			return fmt.Errorf("invariant %s: empty range [%d, %d]", inv.ID, inv.Min, inv.Max)
		}
	case CheckLE:
		if !state.ValidFieldID(inv.Other) {
			return fmt.Errorf("invariant %s: invalid comparand field id %q", inv.ID, inv.Other)
		}
	default:
		return fmt.Errorf("invariant %s: unknown check kind %q", inv.ID, inv.Kind)
	}
	return nil
}

// Holds evaluates the predicate against st. Missing fields read as
// zero, matching residual evaluation.
func (inv Invariant) Holds(st state.State) bool {
	v, _ := st.Field(inv.Field)
	switch inv.Kind {
	case CheckNonNegative:
		return v >= 0
	case CheckRange:
		return v >= inv.Min && v <= inv.Max
	case CheckLE:
		other, _ := st.Field(inv.Other)
		return v <= other
	default:
		return false
	}
}

func (inv Invariant) canonValue() canon.Object {
	obj := canon.Object{
		"id":       canon.String(inv.ID),
		"severity": canon.String(string(inv.Severity)),
		"kind":     canon.String(string(inv.Kind)),
		"field":    canon.String(inv.Field),
	}
	switch inv.Kind {
	case CheckRange:
		obj["min"] = canon.Int(inv.Min)
		obj["max"] = canon.Int(inv.Max)
	case CheckLE:
		obj["other"] = canon.String(inv.Other)
	}
	return obj
}
