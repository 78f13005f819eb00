package op

import (
	"fmt"

	"github.com/covenant-engine/covenant/internal/canon"
)

// Resolver binds raw operations against a registry.
type Resolver struct {
	registry *Registry
}

// NewResolver returns a resolver over the given registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve binds footprints and derives IDs for the whole list, failing
// on the first structural error. The lowering index is the position in
// the submitted list, which makes duplicate kernel+params entries
// distinct operations.
func (r *Resolver) Resolve(raw []RawOp) ([]Operation, error) {
	ops := make([]Operation, 0, len(raw))
	seen := make(map[string]int, len(raw))

	for i, ro := range raw {
		k, err := r.registry.Lookup(ro.KernelID)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		if ro.Bound < 0 {
			return nil, &StructuralError{
				Code: ErrCodeMalformedFootprint, KernelID: ro.KernelID,
				Message: fmt.Sprintf("op %d: displacement bound must be non-negative, got %d", i, ro.Bound),
			}
		}

		params := ro.Params
		if params == nil {
			params = Params()
		}
		fp, err := k.footprint(params)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}

		id, err := deriveID(k.ID, k.Hash(), params, i)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		if prev, dup := seen[id]; dup {
			return nil, &StructuralError{
				Code: ErrCodeMalformedFootprint, KernelID: ro.KernelID,
				Message: fmt.Sprintf("op %d collides with op %d on id %s", i, prev, id),
			}
		}
		seen[id] = i

		ops = append(ops, Operation{
			ID:         id,
			KernelID:   k.ID,
			KernelHash: k.Hash(),
			Reads:      fp.Reads,
			Writes:     fp.Writes,
			Block:      ro.Block,
			Bound:      ro.Bound,
			Dynamic:    ro.Dynamic,
			FloatTouch: ro.FloatTouch,
			Params:     params,
		})
	}
	return ops, nil
}

// Params is a convenience constructor for kernel params from
// alternating string keys and canonical values. Panics on a malformed
// pair list; it exists for literals in tests and harness code.
func Params(kvs ...any) canon.Object {
	if len(kvs)%2 != 0 {
		panic("op.Params: odd key/value list")
	}
	obj := make(canon.Object, len(kvs)/2)
	for i := 0; i < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			panic(fmt.Sprintf("op.Params: key %v is not a string", kvs[i]))
		}
		val, ok := kvs[i+1].(canon.Value)
		if !ok {
			panic(fmt.Sprintf("op.Params: value for %q is not a canonical value", key))
		}
		obj[key] = val
	}
	return obj
}
