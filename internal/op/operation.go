package op

import (
	"fmt"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/state"
)

// RawOp is one entry of the caller's operation list before footprint
// binding. Params must already be canonical values.
type RawOp struct {
	KernelID   string
	Params     canon.Object
	Block      int
	Bound      int64
	Dynamic    bool
	FloatTouch bool
}

// Operation is a resolved, immutable unit of work. The ID is a content
// hash over the kernel identity, the params, and the lowering index,
// so the same logical program always yields the same IDs regardless of
// submission order noise.
type Operation struct {
	ID         string
	KernelID   string
	KernelHash string
	Reads      []state.FieldID
	Writes     []state.FieldID
	Block      int
	Bound      int64
	Dynamic    bool
	FloatTouch bool
	Params     canon.Object

	// Join marks a synthetic control reconvergence node. Joins carry
	// empty footprints and zero bound; they exist only for ordering.
	Join bool
}

// deriveID computes the content-addressed operation ID.
func deriveID(kernelID, kernelHash string, params canon.Object, loweringIndex int) (string, error) {
	payload := canon.Object{
		"kernel":      canon.String(kernelID),
		"kernel_hash": canon.String(kernelHash),
		"params":      params,
		"index":       canon.Int(int64(loweringIndex)),
	}
	if params == nil {
		payload["params"] = canon.Object{}
	}
	return canon.HashValue(canon.DomainOp, payload)
}

// JoinOp builds the synthetic join node for a branch reconvergence.
// Its identity derives from the joined arm tails so the same program
// shape always produces the same join ID.
func JoinOp(armTails []string) (Operation, error) {
	id, err := canon.HashValue(canon.DomainOp, canon.Object{
		"kernel": canon.String("join"),
		"tails":  canon.StringsToArray(armTails),
	})
	if err != nil {
		return Operation{}, fmt.Errorf("deriving join id: %w", err)
	}
	return Operation{ID: id, KernelID: "join", Join: true}, nil
}

// WritesMap indexes the write set for merge checks.
func (o Operation) WritesMap() map[state.FieldID]bool {
	m := make(map[state.FieldID]bool, len(o.Writes))
	for _, id := range o.Writes {
		m[id] = true
	}
	return m
}

// Independent reports whether two operations can share a batch:
// neither writes a field the other reads or writes.
func Independent(a, b Operation) bool {
	if intersects(a.Writes, b.Writes) {
		return false
	}
	if intersects(a.Writes, b.Reads) {
		return false
	}
	return !intersects(a.Reads, b.Writes)
}

// intersects walks two sorted slices.
func intersects(a, b []state.FieldID) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return true
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return false
}
