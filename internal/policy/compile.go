package policy

import (
	"fmt"
	"math/big"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/state"
)

// CompileBundleSource compiles CUE source text into a policy bundle.
// The source must define a top-level `policy` struct.
func CompileBundleSource(src string) (*Bundle, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	pv := v.LookupPath(cue.ParsePath("policy"))
	if !pv.Exists() {
		return nil, &CompileError{
			Field:   "policy",
			Message: "top-level policy struct is required",
			Pos:     v.Pos(),
		}
	}
	return CompileBundle(pv)
}

// CompileBundle parses a CUE value into a Bundle. Uses the CUE SDK's
// Go API directly (not CLI subprocess). Rationals may be written as
// CUE ints or as "n/d" strings; floats are rejected everywhere.
func CompileBundle(v cue.Value) (*Bundle, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	var b Bundle

	scale, err := requiredInt(v, "debt_scale")
	if err != nil {
		return nil, err
	}
	b.DebtScale = scale

	eps, err := requiredRat(v, "epsilon_hat")
	if err != nil {
		return nil, err
	}
	b.EpsilonHat = eps

	lawID, err := requiredString(v, "law")
	if err != nil {
		return nil, err
	}
	b.Law, err = ParseLawID(lawID)
	if err != nil {
		return nil, &CompileError{Field: "law", Message: err.Error(), Pos: v.Pos()}
	}

	distID, err := requiredString(v, "disturbance")
	if err != nil {
		return nil, err
	}
	b.Disturbance, err = ParseDisturbanceID(distID)
	if err != nil {
		return nil, &CompileError{Field: "disturbance", Message: err.Error(), Pos: v.Pos()}
	}

	b.Matrix, err = parseMatrix(v.LookupPath(cue.ParsePath("matrix")))
	if err != nil {
		return nil, err
	}

	b.Contracts, err = parseContracts(v.LookupPath(cue.ParsePath("contracts")))
	if err != nil {
		return nil, err
	}

	b.Invariants, err = parseInvariants(v.LookupPath(cue.ParsePath("invariants")))
	if err != nil {
		return nil, err
	}

	b.Limits, err = parseLimits(v.LookupPath(cue.ParsePath("limits")))
	if err != nil {
		return nil, err
	}

	// Optional override; NewBundle defaults and validates it.
	roundVal := v.LookupPath(cue.ParsePath("rounding"))
	if roundVal.Exists() {
		b.RoundingID, err = roundVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
	}

	bundle, err := NewBundle(b)
	if err != nil {
		return nil, &CompileError{Field: "policy", Message: err.Error(), Pos: v.Pos()}
	}
	return bundle, nil
}

func parseMatrix(v cue.Value) (*Matrix, error) {
	if !v.Exists() {
		return nil, &CompileError{Field: "matrix", Message: "matrix is required", Pos: v.Pos()}
	}

	dim, err := requiredInt(v, "dim")
	if err != nil {
		return nil, err
	}

	var entries []MatrixEntry
	entriesVal := v.LookupPath(cue.ParsePath("entries"))
	if entriesVal.Exists() {
		iter, err := entriesVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			ev := iter.Value()
			i, err := requiredInt(ev, "i")
			if err != nil {
				return nil, err
			}
			j, err := requiredInt(ev, "j")
			if err != nil {
				return nil, err
			}
			val, err := requiredRat(ev, "v")
			if err != nil {
				return nil, err
			}
			entries = append(entries, MatrixEntry{I: int(i), J: int(j), Value: val})
		}
	}

	m, err := NewMatrix(int(dim), entries)
	if err != nil {
		return nil, &CompileError{Field: "matrix", Message: err.Error(), Pos: v.Pos()}
	}
	return m, nil
}

func parseContracts(v cue.Value) (*ContractSet, error) {
	var contracts []Contract
	if v.Exists() {
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			c, err := parseContract(iter.Value())
			if err != nil {
				return nil, err
			}
			contracts = append(contracts, c)
		}
	}
	set, err := NewContractSet(contracts)
	if err != nil {
		return nil, &CompileError{Field: "contracts", Message: err.Error(), Pos: v.Pos()}
	}
	return set, nil
}

func parseContract(v cue.Value) (Contract, error) {
	var c Contract
	var err error

	c.ID, err = requiredString(v, "id")
	if err != nil {
		return c, err
	}
	c.Weight, err = requiredRat(v, "weight")
	if err != nil {
		return c, err
	}
	c.Target, err = requiredRat(v, "target")
	if err != nil {
		return c, err
	}

	sigmaField := v.LookupPath(cue.ParsePath("sigma_field"))
	if sigmaField.Exists() {
		s, err := sigmaField.String()
		if err != nil {
			return c, formatCUEError(err)
		}
		c.SigmaField = state.FieldID(s)
	} else {
		c.Sigma, err = requiredRat(v, "sigma")
		if err != nil {
			return c, err
		}
	}

	termsVal := v.LookupPath(cue.ParsePath("terms"))
	if termsVal.Exists() {
		iter, err := termsVal.List()
		if err != nil {
			return c, formatCUEError(err)
		}
		for iter.Next() {
			tv := iter.Value()
			field, err := requiredString(tv, "field")
			if err != nil {
				return c, err
			}
			coeff, err := requiredRat(tv, "coeff")
			if err != nil {
				return c, err
			}
			c.Terms = append(c.Terms, Term{Field: state.FieldID(field), Coeff: coeff})
		}
	}
	return c, nil
}

func parseInvariants(v cue.Value) ([]Invariant, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var invs []Invariant
	for iter.Next() {
		iv := iter.Value()
		var inv Invariant

		inv.ID, err = requiredString(iv, "id")
		if err != nil {
			return nil, err
		}
		sev, err := requiredString(iv, "severity")
		if err != nil {
			return nil, err
		}
		inv.Severity = Severity(sev)
		kind, err := requiredString(iv, "kind")
		if err != nil {
			return nil, err
		}
		inv.Kind = CheckKind(kind)
		field, err := requiredString(iv, "field")
		if err != nil {
			return nil, err
		}
		inv.Field = state.FieldID(field)

		switch inv.Kind {
		case CheckRange:
			inv.Min, err = requiredInt(iv, "min")
			if err != nil {
				return nil, err
			}
			inv.Max, err = requiredInt(iv, "max")
			if err != nil {
				return nil, err
			}
		case CheckLE:
			other, err := requiredString(iv, "other")
			if err != nil {
				return nil, err
			}
			inv.Other = state.FieldID(other)
		}
		invs = append(invs, inv)
	}
	return invs, nil
}

func parseLimits(v cue.Value) (Limits, error) {
	var l Limits
	if !v.Exists() {
		return l, nil
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"max_batch_width", &l.MaxBatchWidth},
		{"max_encode_bytes", &l.MaxEncodeBytes},
		{"max_ops", &l.MaxOps},
	} {
		fv := v.LookupPath(cue.ParsePath(f.name))
		if !fv.Exists() {
			continue
		}
		n, err := fv.Int64()
		if err != nil {
			return l, formatCUEError(err)
		}
		*f.dst = int(n)
	}
	return l, nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func requiredInt(v cue.Value, field string) (int64, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	if fv.IncompleteKind() == cue.FloatKind {
		return 0, &CompileError{Field: field, Message: "float values are forbidden - use int", Pos: fv.Pos()}
	}
	n, err := fv.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return n, nil
}

// requiredRat accepts a CUE int or an "n/d" string. Floats are
// forbidden: a decimal written in CUE would smuggle binary rounding
// into an exact pipeline.
func requiredRat(v cue.Value, field string) (canon.Rat, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return canon.Rat{}, &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}

	switch fv.IncompleteKind() {
	case cue.IntKind:
		n, err := fv.Int64()
		if err != nil {
			return canon.Rat{}, formatCUEError(err)
		}
		r, err := canon.NewRat(n, 1)
		if err != nil {
			return canon.Rat{}, &CompileError{Field: field, Message: err.Error(), Pos: fv.Pos()}
		}
		return r, nil
	case cue.StringKind:
		s, err := fv.String()
		if err != nil {
			return canon.Rat{}, formatCUEError(err)
		}
		parsed, ok := new(big.Rat).SetString(s)
		if !ok {
			return canon.Rat{}, &CompileError{
				Field: field, Message: fmt.Sprintf("malformed rational %q", s), Pos: fv.Pos(),
			}
		}
		return canon.RatFromBig(parsed), nil
	case cue.FloatKind, cue.NumberKind:
		return canon.Rat{}, &CompileError{
			Field: field, Message: "float values are forbidden - use int or \"n/d\" string", Pos: fv.Pos(),
		}
	default:
		return canon.Rat{}, &CompileError{
			Field: field, Message: fmt.Sprintf("unsupported kind %v for rational", fv.IncompleteKind()), Pos: fv.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
