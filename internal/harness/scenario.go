package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/covenant-engine/covenant/internal/state"
)

// Scenario defines a conformance run: an initial state, an operation
// list, a policy source, and the expected outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named
	// after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy is the path to a CUE policy bundle, relative to the
	// scenario file.
	Policy string `yaml:"policy"`

	// RunToken pins the run token for deterministic golden traces.
	// Defaults to "test-run-default".
	RunToken string `yaml:"run_token,omitempty"`

	// Fields is the initial state.
	Fields map[string]int64 `yaml:"fields"`

	// Ops is the submitted operation list, in order.
	Ops []OpStep `yaml:"ops"`

	// Sequence adds explicit control edges between ops, referenced by
	// index into Ops.
	Sequence []SeqEdge `yaml:"sequence,omitempty"`

	// Envelope is the per-step budget schedule. Step i uses entry i;
	// past the end, the last entry repeats. Empty means zero budget.
	Envelope []EnvelopeStep `yaml:"envelope,omitempty"`

	// Expect states the required outcome.
	Expect Expect `yaml:"expect"`
}

// OpStep is one submitted operation.
type OpStep struct {
	// Kernel names a harness kernel: "set" or "add".
	Kernel string `yaml:"kernel"`

	// Field is the single field the op writes.
	Field string `yaml:"field"`

	// Value is the value written (set) or the delta applied (add).
	Value int64 `yaml:"value"`

	// Bound is the declared displacement bound.
	Bound int64 `yaml:"bound"`

	// Block assigns the curvature block. Defaults to 0.
	Block int `yaml:"block,omitempty"`

	// Dynamic marks the op as requiring dynamic batch mode.
	Dynamic bool `yaml:"dynamic,omitempty"`
}

// SeqEdge orders two ops by their index in the Ops list.
type SeqEdge struct {
	Before int `yaml:"before"`
	After  int `yaml:"after"`
}

// EnvelopeStep is one entry of the budget schedule.
type EnvelopeStep struct {
	Budget      int64  `yaml:"budget"`
	Disturbance int64  `yaml:"disturbance,omitempty"`
	Event       string `yaml:"event,omitempty"`
}

// Expect states the required outcome of a scenario run.
type Expect struct {
	// Steps is the required number of committed receipts.
	Steps int `yaml:"steps"`

	// Decisions lists the expected decision of each receipt in order.
	// Optional; when set its length must equal Steps.
	Decisions []string `yaml:"decisions,omitempty"`

	// FinalDebt is the required debt of the final state.
	FinalDebt *int64 `yaml:"final_debt,omitempty"`

	// Final lists required field values of the final state.
	Final map[string]int64 `yaml:"final,omitempty"`

	// Error names the required terminal error code (e.g. "LAW").
	// Empty means the run must succeed.
	Error string `yaml:"error,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file. Parsing is
// strict: unknown fields are rejections, which catches typos before
// they silently weaken a scenario.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}

	if !filepath.IsAbs(s.Policy) && s.Policy != "" {
		s.Policy = filepath.Join(filepath.Dir(path), s.Policy)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Policy == "" {
		return fmt.Errorf("policy path is required")
	}
	if _, err := os.Stat(s.Policy); err != nil {
		return fmt.Errorf("policy file: %w", err)
	}
	if len(s.Ops) == 0 {
		return fmt.Errorf("ops list is required and must be non-empty")
	}
	for id := range s.Fields {
		if !state.ValidFieldID(state.FieldID(id)) {
			return fmt.Errorf("invalid field id %q", id)
		}
	}
	for i, step := range s.Ops {
		if _, ok := kernelNames[step.Kernel]; !ok {
			return fmt.Errorf("ops[%d]: unknown kernel %q", i, step.Kernel)
		}
		if !state.ValidFieldID(state.FieldID(step.Field)) {
			return fmt.Errorf("ops[%d]: invalid field id %q", i, step.Field)
		}
		if step.Bound < 0 {
			return fmt.Errorf("ops[%d]: bound must be non-negative", i)
		}
	}
	for i, e := range s.Sequence {
		if e.Before < 0 || e.Before >= len(s.Ops) || e.After < 0 || e.After >= len(s.Ops) {
			return fmt.Errorf("sequence[%d]: op index out of range", i)
		}
		if e.Before == e.After {
			return fmt.Errorf("sequence[%d]: op cannot precede itself", i)
		}
	}
	for i, e := range s.Envelope {
		if e.Budget < 0 || e.Disturbance < 0 {
			return fmt.Errorf("envelope[%d]: budget and disturbance must be non-negative", i)
		}
	}
	if len(s.Expect.Decisions) > 0 && len(s.Expect.Decisions) != s.Expect.Steps {
		return fmt.Errorf("expect.decisions has %d entries for %d steps", len(s.Expect.Decisions), s.Expect.Steps)
	}
	return nil
}
