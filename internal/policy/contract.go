package policy

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/state"
)

// Term is one coefficient of a contract's residual linear form.
type Term struct {
	Field state.FieldID
	Coeff canon.Rat
}

// Contract contributes one weighted squared residual to the violation
// measure: weight · (residual / sigma)². The residual is a linear form
// over state fields minus a target; sigma normalizes it, either as a
// positive constant or as the magnitude of a designated field (floored
// at one so an empty normalizer never divides by zero).
type Contract struct {
	ID         string
	Weight     canon.Rat
	Terms      []Term
	Target     canon.Rat
	Sigma      canon.Rat     // constant normalizer; used when SigmaField is empty
	SigmaField state.FieldID // field-derived normalizer
}

// validate checks structural soundness.
func (c Contract) validate() error {
	if c.ID == "" {
		return fmt.Errorf("contract id must be non-empty")
	}
	if c.Weight.Big() == nil || c.Weight.Big().Sign() < 0 {
		return fmt.Errorf("contract %s: weight must be a non-negative rational", c.ID)
	}
	if len(c.Terms) == 0 {
		return fmt.Errorf("contract %s: residual needs at least one term", c.ID)
	}
	for i, t := range c.Terms {
		if !state.ValidFieldID(t.Field) {
			return fmt.Errorf("contract %s: term %d has invalid field id %q", c.ID, i, t.Field)
		}
		if t.Coeff.Big() == nil {
			return fmt.Errorf("contract %s: term %d has no coefficient", c.ID, i)
		}
	}
	if c.SigmaField != "" {
		if !state.ValidFieldID(c.SigmaField) {
			return fmt.Errorf("contract %s: invalid sigma field %q", c.ID, c.SigmaField)
		}
	} else if c.Sigma.Big() == nil || c.Sigma.Big().Sign() <= 0 {
		return fmt.Errorf("contract %s: constant sigma must be positive", c.ID)
	}
	return nil
}

// Residual evaluates Σ coeff·field − target over st. Missing fields
// read as zero.
func (c Contract) Residual(st state.State) *big.Rat {
	sum := new(big.Rat)
	for _, t := range c.Terms {
		v, _ := st.Field(t.Field)
		term := new(big.Rat).Mul(t.Coeff.Big(), new(big.Rat).SetInt64(v))
		sum.Add(sum, term)
	}
	return sum.Sub(sum, c.Target.Big())
}

// SigmaAt resolves the normalizer for st. Field-derived sigma is the
// field's absolute value floored at one.
func (c Contract) SigmaAt(st state.State) *big.Rat {
	if c.SigmaField == "" {
		return c.Sigma.Big()
	}
	v, _ := st.Field(c.SigmaField)
	if v < 0 {
		v = -v
	}
	if v < 1 {
		v = 1
	}
	return new(big.Rat).SetInt64(v)
}

func (c Contract) canonValue() canon.Object {
	terms := make(canon.Array, 0, len(c.Terms))
	for _, t := range c.Terms {
		terms = append(terms, canon.Object{
			"field": canon.String(t.Field),
			"coeff": t.Coeff,
		})
	}
	obj := canon.Object{
		"id":     canon.String(c.ID),
		"weight": c.Weight,
		"terms":  terms,
		"target": c.Target,
	}
	if c.SigmaField != "" {
		obj["sigma_field"] = canon.String(c.SigmaField)
	} else {
		obj["sigma"] = c.Sigma
	}
	return obj
}

// ContractSet is the validated, ID-sorted collection for an epoch.
type ContractSet struct {
	contracts []Contract
}

// NewContractSet validates and sorts contracts by ID.
func NewContractSet(contracts []Contract) (*ContractSet, error) {
	seen := make(map[string]bool, len(contracts))
	sorted := make([]Contract, len(contracts))
	copy(sorted, contracts)
	for _, c := range sorted {
		if err := c.validate(); err != nil {
			return nil, err
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate contract id %q", c.ID)
		}
		seen[c.ID] = true
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &ContractSet{contracts: sorted}, nil
}

// All returns the contracts in ID order.
func (s *ContractSet) All() []Contract {
	out := make([]Contract, len(s.contracts))
	copy(out, s.contracts)
	return out
}

// Len returns the contract count.
func (s *ContractSet) Len() int { return len(s.contracts) }

func (s *ContractSet) canonValue() canon.Array {
	arr := make(canon.Array, 0, len(s.contracts))
	for _, c := range s.contracts {
		arr = append(arr, c.canonValue())
	}
	return arr
}

// Digest returns the contract set's content hash.
func (s *ContractSet) Digest() (string, error) {
	return canon.HashValue(canon.DomainContracts, s.canonValue())
}
