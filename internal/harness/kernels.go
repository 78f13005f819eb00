package harness

import (
	"fmt"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/op"
	"github.com/covenant-engine/covenant/internal/state"
)

// kernelNames is the closed set of kernels a scenario may reference.
var kernelNames = map[string]bool{
	"set": true,
	"add": true,
}

// newRegistry builds the harness kernel registry. Both kernels derive
// their footprints from params via the allowlisted footprint function,
// so scenarios exercise the same binding path production callers use.
func newRegistry() (*op.Registry, error) {
	r := op.NewRegistry()

	// set: field := value
	if err := r.Register(op.Kernel{
		ID:          "set",
		FootprintFn: "fields_from_params",
		Apply: func(params canon.Object, _ state.State) (map[state.FieldID]int64, error) {
			field, value, err := kernelArgs(params)
			if err != nil {
				return nil, err
			}
			return map[state.FieldID]int64{field: value}, nil
		},
	}); err != nil {
		return nil, err
	}

	// add: field += value
	if err := r.Register(op.Kernel{
		ID:          "add",
		FootprintFn: "fields_from_params",
		Apply: func(params canon.Object, st state.State) (map[state.FieldID]int64, error) {
			field, delta, err := kernelArgs(params)
			if err != nil {
				return nil, err
			}
			cur, _ := st.Field(field)
			return map[state.FieldID]int64{field: cur + delta}, nil
		},
	}); err != nil {
		return nil, err
	}

	return r, nil
}

func kernelArgs(params canon.Object) (state.FieldID, int64, error) {
	writes, ok := params["writes"].(canon.Array)
	if !ok || len(writes) != 1 {
		return "", 0, fmt.Errorf("params need exactly one write field")
	}
	field, ok := writes[0].(canon.String)
	if !ok {
		return "", 0, fmt.Errorf("write field must be a string")
	}
	value, ok := params["value"].(canon.Int)
	if !ok {
		return "", 0, fmt.Errorf("params need an integer value")
	}
	return state.FieldID(field), int64(value), nil
}

// rawOp lowers one scenario step to the resolver's input form. An
// "add" reads its own field; a "set" does not.
func rawOp(step OpStep) op.RawOp {
	params := op.Params(
		"writes", canon.StringsToArray([]string{step.Field}),
		"value", canon.Int(step.Value),
	)
	if step.Kernel == "add" {
		params["reads"] = canon.StringsToArray([]string{step.Field})
	}
	return op.RawOp{
		KernelID: step.Kernel,
		Params:   params,
		Block:    step.Block,
		Bound:    step.Bound,
		Dynamic:  step.Dynamic,
	}
}
