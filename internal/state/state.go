// Package state models the engine's world as an immutable snapshot:
// a sorted field map plus the ledger scalars the debt law reads. All
// mutation is copy-on-write; a State handed to a caller never changes.
package state

import (
	"fmt"
	"sort"
	"strings"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/debt"
)

// FieldID names one addressable state cell: "f:" + 32 lowercase hex
// digits. IDs sort byte-lexicographically everywhere.
type FieldID string

// ValidFieldID reports whether id has the wire form of a field ID.
func ValidFieldID(id FieldID) bool {
	s := string(id)
	if len(s) != 34 || !strings.HasPrefix(s, "f:") {
		return false
	}
	for _, c := range s[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// State is an immutable snapshot of field values and ledger scalars.
// Construct with New, derive with WithFields / WithScalars.
type State struct {
	fields map[FieldID]int64

	Debt            debt.Unit
	Budget          debt.Unit
	Disturbance     debt.Unit
	StepIndex       int64
	PrevReceiptHash string
}

// New builds the genesis snapshot. Field IDs are validated; the map is
// copied so the caller cannot alias into the snapshot.
func New(fields map[FieldID]int64, d debt.Unit) (State, error) {
	copied := make(map[FieldID]int64, len(fields))
	for id, v := range fields {
		if !ValidFieldID(id) {
			return State{}, fmt.Errorf("invalid field id %q", id)
		}
		copied[id] = v
	}
	return State{
		fields:          copied,
		Debt:            d,
		PrevReceiptHash: canon.ZeroHash,
	}, nil
}

// Field returns the value of id and whether it exists.
func (s State) Field(id FieldID) (int64, bool) {
	v, ok := s.fields[id]
	return v, ok
}

// FieldIDs returns all field IDs in byte-lexicographic order.
func (s State) FieldIDs() []FieldID {
	ids := make([]FieldID, 0, len(s.fields))
	for id := range s.fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of fields.
func (s State) Len() int { return len(s.fields) }

// WithFields derives a new snapshot with the given writes applied.
// Unknown field IDs are created; existing values are replaced. The
// receiver is untouched.
func (s State) WithFields(writes map[FieldID]int64) (State, error) {
	next := s.clone()
	for id, v := range writes {
		if !ValidFieldID(id) {
			return State{}, fmt.Errorf("invalid field id %q", id)
		}
		next.fields[id] = v
	}
	return next, nil
}

// WithScalars derives a new snapshot with replaced ledger scalars.
func (s State) WithScalars(d debt.Unit, stepIndex int64, prevReceipt string) State {
	next := s.clone()
	next.Debt = d
	next.StepIndex = stepIndex
	next.PrevReceiptHash = prevReceipt
	return next
}

// WithEnvelope derives a new snapshot carrying the step's budget and
// disturbance envelope.
func (s State) WithEnvelope(budget, disturbance debt.Unit) State {
	next := s.clone()
	next.Budget = budget
	next.Disturbance = disturbance
	return next
}

func (s State) clone() State {
	fields := make(map[FieldID]int64, len(s.fields))
	for id, v := range s.fields {
		fields[id] = v
	}
	return State{
		fields:          fields,
		Debt:            s.Debt,
		Budget:          s.Budget,
		Disturbance:     s.Disturbance,
		StepIndex:       s.StepIndex,
		PrevReceiptHash: s.PrevReceiptHash,
	}
}

// canonValue renders the snapshot as a canonical object. Fields appear
// under sorted keys so two equal snapshots always encode identically.
// PrevReceiptHash is carried on the snapshot but not hashed: a receipt
// binds the hash of the state it produced, and that receipt's own hash
// becomes the state's linkage, so hashing the linkage would be
// circular. Chain integrity is the ledger's job.
func (s State) canonValue() canon.Object {
	fields := canon.Object{}
	for id, v := range s.fields {
		fields[string(id)] = canon.Int(v)
	}
	return canon.Object{
		"fields":      fields,
		"debt":        canon.Int(s.Debt.Int64()),
		"budget":      canon.Int(s.Budget.Int64()),
		"disturbance": canon.Int(s.Disturbance.Int64()),
		"step_index":  canon.Int(s.StepIndex),
	}
}

// Hash returns the content hash of the snapshot.
func (s State) Hash() (string, error) {
	return canon.HashValue(canon.DomainState, s.canonValue())
}

// MarshalCanonical returns the snapshot's canonical bytes.
func (s State) MarshalCanonical() ([]byte, error) {
	return canon.MarshalCanonical(s.canonValue())
}
