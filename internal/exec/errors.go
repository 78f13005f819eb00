package exec

import (
	"errors"
	"fmt"

	"github.com/covenant-engine/covenant/internal/canon"
)

// StepError represents a failure detected while driving the engine
// loop.
//
// The taxonomy:
//   - Structural: defect in the operation stream, fatal before any
//     execution
//   - Planning: the scheduler could not make progress
//   - Execution: a kernel failed or exceeded its displacement bound
//   - ResourceCap: a bounded-allocation limit was hit; immediate halt
//   - Law: the debt recursion could not be satisfied at any width
//   - Invariant: a terminal invariant failed on a candidate state
type StepError struct {
	// Code identifies the error category.
	Code StepErrorCode

	// Message is a human-readable description.
	Message string

	// StepIndex is the logical step being attempted.
	StepIndex int64

	// OpID identifies the operation involved, when one is.
	OpID string

	// StateHash captures the last committed state at the time of
	// failure. For resource-cap halts this is the pre-failure hash.
	StateHash string
}

// StepErrorCode categorizes step errors.
type StepErrorCode string

const (
	ErrCodeStructural  StepErrorCode = "STRUCTURAL"
	ErrCodePlanning    StepErrorCode = "PLANNING"
	ErrCodeExecution   StepErrorCode = "EXECUTION"
	ErrCodeResourceCap StepErrorCode = "RESOURCE_CAP"
	ErrCodeLaw         StepErrorCode = "LAW"
	ErrCodeInvariant   StepErrorCode = "INVARIANT"
	ErrCodeCancelled   StepErrorCode = "CANCELLED"
)

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.OpID != "" {
		return fmt.Sprintf("%s: %s (step=%d, op=%s)", e.Code, e.Message, e.StepIndex, e.OpID)
	}
	return fmt.Sprintf("%s: %s (step=%d)", e.Code, e.Message, e.StepIndex)
}

// IsTerminal reports whether err halts the run permanently. Every
// StepError is terminal once surfaced from Run; transient conditions
// are handled inside the loop and never escape as errors.
func IsTerminal(err error) bool {
	var se *StepError
	return errors.As(err, &se)
}

// IsResourceCap reports whether err is a resource-cap halt.
func IsResourceCap(err error) bool {
	var se *StepError
	if errors.As(err, &se) {
		return se.Code == ErrCodeResourceCap
	}
	return false
}

// failureRecord is one non-fatal failure observed between successful
// commits. Its canonical hash is carried in the next receipt.
type failureRecord struct {
	Kind      string
	StepIndex int64
	OpID      string
	Detail    string
}

// hash derives the failure's content hash.
func (f failureRecord) hash() (string, error) {
	return canon.HashValue(canon.DomainFailure, canon.Object{
		"kind":       canon.String(f.Kind),
		"step_index": canon.Int(f.StepIndex),
		"op_id":      canon.String(f.OpID),
		"detail":     canon.String(f.Detail),
	})
}
