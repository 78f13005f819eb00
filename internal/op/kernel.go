package op

import (
	"errors"
	"fmt"
	"sort"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/state"
)

// Footprint is the declared read/write set of a kernel instance. Both
// slices are sorted and deduplicated once bound; downstream hazard
// analysis trusts them completely.
type Footprint struct {
	Reads  []state.FieldID
	Writes []state.FieldID
}

// normalize sorts, deduplicates, and validates both sets.
func (fp Footprint) normalize() (Footprint, error) {
	reads, err := normalizeFieldSet(fp.Reads)
	if err != nil {
		return Footprint{}, fmt.Errorf("reads: %w", err)
	}
	writes, err := normalizeFieldSet(fp.Writes)
	if err != nil {
		return Footprint{}, fmt.Errorf("writes: %w", err)
	}
	return Footprint{Reads: reads, Writes: writes}, nil
}

func normalizeFieldSet(ids []state.FieldID) ([]state.FieldID, error) {
	out := make([]state.FieldID, 0, len(ids))
	seen := make(map[state.FieldID]bool, len(ids))
	for _, id := range ids {
		if !state.ValidFieldID(id) {
			return nil, fmt.Errorf("invalid field id %q", id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ApplyFunc executes a kernel instance: given encoded params and the
// pre-state, it returns the writes to merge. It must touch only the
// declared footprint; the engine checks writes against it.
type ApplyFunc func(params canon.Object, st state.State) (map[state.FieldID]int64, error)

// FootprintFunc computes a footprint from encoded params. Only
// functions on the fixed allowlist may be referenced; a footprint
// function must be a pure function of the canonical param bytes.
type FootprintFunc func(params canon.Object) (Footprint, error)

// footprintAllowlist is the closed set of named footprint functions.
// Adding an entry is a policy-reviewed change, never a runtime one.
var footprintAllowlist = map[string]FootprintFunc{
	"fields_from_params": footprintFieldsFromParams,
}

// footprintFieldsFromParams reads "reads" and "writes" arrays of field
// IDs out of the params themselves.
func footprintFieldsFromParams(params canon.Object) (Footprint, error) {
	reads, err := fieldArray(params, "reads")
	if err != nil {
		return Footprint{}, err
	}
	writes, err := fieldArray(params, "writes")
	if err != nil {
		return Footprint{}, err
	}
	return Footprint{Reads: reads, Writes: writes}, nil
}

func fieldArray(params canon.Object, key string) ([]state.FieldID, error) {
	raw, ok := params[key]
	if !ok {
		return nil, nil
	}
	arr, ok := raw.(canon.Array)
	if !ok {
		return nil, fmt.Errorf("param %q must be an array", key)
	}
	ids := make([]state.FieldID, 0, len(arr))
	for i, elem := range arr {
		s, ok := elem.(canon.String)
		if !ok {
			return nil, fmt.Errorf("param %q[%d] must be a string", key, i)
		}
		ids = append(ids, state.FieldID(s))
	}
	return ids, nil
}

// Kernel is a registered computation. Exactly one of Static and
// FootprintFn must be set.
type Kernel struct {
	ID          string
	Static      *Footprint
	FootprintFn string
	Apply       ApplyFunc

	hash string
}

// Hash returns the kernel's content hash, bound at registration.
func (k *Kernel) Hash() string { return k.hash }

// Registry holds the closed kernel set for an epoch. Registration
// happens before any resolution; the registry is read-only afterwards.
type Registry struct {
	kernels map[string]*Kernel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kernels: make(map[string]*Kernel)}
}

// Register adds a kernel. The kernel hash covers the ID and footprint
// declaration, so renaming or re-footprinting a kernel changes every
// derived operation ID.
func (r *Registry) Register(k Kernel) error {
	if k.ID == "" {
		return &StructuralError{Code: ErrCodeMalformedFootprint, Message: "kernel id must be non-empty"}
	}
	if _, exists := r.kernels[k.ID]; exists {
		return &StructuralError{Code: ErrCodeMalformedFootprint, KernelID: k.ID, Message: "kernel already registered"}
	}
	if (k.Static == nil) == (k.FootprintFn == "") {
		return &StructuralError{
			Code: ErrCodeMalformedFootprint, KernelID: k.ID,
			Message: "exactly one of static footprint and footprint function required",
		}
	}

	decl := canon.Object{"id": canon.String(k.ID)}
	if k.Static != nil {
		fp, err := k.Static.normalize()
		if err != nil {
			return &StructuralError{Code: ErrCodeMalformedFootprint, KernelID: k.ID, Message: err.Error()}
		}
		k.Static = &fp
		decl["reads"] = fieldSetToArray(fp.Reads)
		decl["writes"] = fieldSetToArray(fp.Writes)
	} else {
		if _, ok := footprintAllowlist[k.FootprintFn]; !ok {
			return &StructuralError{
				Code: ErrCodeUnlistedFootprintFn, KernelID: k.ID,
				Message: fmt.Sprintf("footprint function %q is not allowlisted", k.FootprintFn),
			}
		}
		decl["footprint_fn"] = canon.String(k.FootprintFn)
	}

	hash, err := canon.HashValue(canon.DomainOp, decl)
	if err != nil {
		return fmt.Errorf("hashing kernel %s: %w", k.ID, err)
	}
	k.hash = hash
	r.kernels[k.ID] = &k
	return nil
}

// Lookup returns the kernel for id.
func (r *Registry) Lookup(id string) (*Kernel, error) {
	k, ok := r.kernels[id]
	if !ok {
		return nil, &StructuralError{Code: ErrCodeUnknownKernel, KernelID: id, Message: "kernel not registered"}
	}
	return k, nil
}

// footprint binds the kernel's footprint for the given params.
func (k *Kernel) footprint(params canon.Object) (Footprint, error) {
	if k.Static != nil {
		return *k.Static, nil
	}
	fn := footprintAllowlist[k.FootprintFn]
	fp, err := fn(params)
	if err != nil {
		return Footprint{}, &StructuralError{
			Code: ErrCodeMalformedFootprint, KernelID: k.ID, Message: err.Error(),
		}
	}
	return fp.normalize()
}

func fieldSetToArray(ids []state.FieldID) canon.Array {
	arr := make(canon.Array, len(ids))
	for i, id := range ids {
		arr[i] = canon.String(id)
	}
	return arr
}

// StructuralError reports a defect in the operation stream itself:
// unknown kernel, unlisted footprint function, malformed footprint.
// Structural errors are fatal before any execution begins.
type StructuralError struct {
	Code     StructuralErrorCode
	KernelID string
	Message  string
}

// StructuralErrorCode categorizes structural errors.
type StructuralErrorCode string

const (
	ErrCodeUnknownKernel       StructuralErrorCode = "UNKNOWN_KERNEL"
	ErrCodeUnlistedFootprintFn StructuralErrorCode = "UNLISTED_FOOTPRINT_FN"
	ErrCodeMalformedFootprint  StructuralErrorCode = "MALFORMED_FOOTPRINT"
)

func (e *StructuralError) Error() string {
	if e.KernelID != "" {
		return fmt.Sprintf("%s: %s (kernel=%s)", e.Code, e.Message, e.KernelID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsStructural reports whether err is (or wraps) a StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}
