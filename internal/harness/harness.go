// Package harness executes YAML conformance scenarios against an
// in-memory engine and snapshots their traces as golden files. It is
// the executable form of the system's behavioral contract: every
// scheduling, gating, and ledger property worth defending has a
// scenario here.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/covenant-engine/covenant/internal/debt"
	"github.com/covenant-engine/covenant/internal/exec"
	"github.com/covenant-engine/covenant/internal/graph"
	"github.com/covenant-engine/covenant/internal/ledger"
	"github.com/covenant-engine/covenant/internal/op"
	"github.com/covenant-engine/covenant/internal/policy"
	"github.com/covenant-engine/covenant/internal/state"
)

// defaultRunToken keeps golden traces stable when a scenario does not
// pin its own token.
const defaultRunToken = "test-run-default"

// Result captures everything a scenario run produced.
type Result struct {
	// Receipts is the committed chain, possibly partial when the run
	// halted.
	Receipts []ledger.Receipt

	// Final is the last committed state. Zero-valued when nothing
	// committed.
	Final state.State

	// RunErr is the terminal error, nil on success.
	RunErr error
}

// Program is a scenario compiled down to engine inputs.
type Program struct {
	Bundle   *policy.Bundle
	Registry *op.Registry
	Ops      []op.Operation
	Graph    *graph.Graph
	Initial  state.State
}

// Compile resolves a scenario into a runnable program: policy bundle,
// kernel registry, resolved operations, dependency graph, and initial
// state.
func Compile(s *Scenario) (*Program, error) {
	src, err := os.ReadFile(s.Policy)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}
	bundle, err := policy.CompileBundleSource(string(src))
	if err != nil {
		return nil, fmt.Errorf("compiling policy: %w", err)
	}

	registry, err := newRegistry()
	if err != nil {
		return nil, err
	}
	raw := make([]op.RawOp, len(s.Ops))
	for i, step := range s.Ops {
		raw[i] = rawOp(step)
	}
	ops, err := op.NewResolver(registry).Resolve(raw)
	if err != nil {
		return nil, fmt.Errorf("resolving ops: %w", err)
	}

	controls := make([]graph.Control, 0, len(s.Sequence))
	for _, e := range s.Sequence {
		controls = append(controls, graph.Seq{Before: ops[e.Before].ID, After: ops[e.After].ID})
	}
	g, err := graph.Build(ops, controls)
	if err != nil {
		return nil, fmt.Errorf("building graph: %w", err)
	}

	fields := make(map[state.FieldID]int64, len(s.Fields))
	for id, v := range s.Fields {
		fields[state.FieldID(id)] = v
	}
	initial, err := state.New(fields, 0)
	if err != nil {
		return nil, err
	}

	return &Program{
		Bundle:   bundle,
		Registry: registry,
		Ops:      ops,
		Graph:    g,
		Initial:  initial,
	}, nil
}

// Run executes a scenario against a fresh in-memory engine. Extra
// engine options layer on top of the scenario's deterministic token
// and envelope (the CLI uses this to attach a durable ledger). The
// error return covers harness failures only (bad policy, unresolvable
// ops); a terminal engine error is a legitimate outcome and lands in
// Result.RunErr for the expectation check.
func Run(s *Scenario, extra ...exec.Option) (*Result, error) {
	p, err := Compile(s)
	if err != nil {
		return nil, err
	}

	token := s.RunToken
	if token == "" {
		token = defaultRunToken
	}
	opts := append([]exec.Option{
		exec.WithTokenGenerator(exec.NewFixedGenerator(token)),
		exec.WithEnvelope(scheduleEnvelope(s.Envelope)),
	}, extra...)
	eng, err := exec.New(p.Graph, p.Registry, p.Bundle, opts...)
	if err != nil {
		return nil, err
	}

	out := &Result{}
	res, runErr := eng.Run(context.Background(), p.Initial)
	out.Receipts = eng.Chain().All()
	out.RunErr = runErr
	if runErr == nil {
		out.Final = res.Final
	}
	return out, nil
}

// scheduleEnvelope turns the YAML schedule into the engine's envelope
// function. Past the end of the schedule the last entry repeats.
func scheduleEnvelope(steps []EnvelopeStep) exec.Envelope {
	if len(steps) == 0 {
		return exec.ZeroEnvelope
	}
	return func(stepIndex int64) (debt.Unit, debt.Unit, string) {
		i := int(stepIndex)
		if i >= len(steps) {
			i = len(steps) - 1
		}
		e := steps[i]
		return debt.Unit(e.Budget), debt.Unit(e.Disturbance), e.Event
	}
}

// Check compares the result against the scenario's expectations.
func (r *Result) Check(s *Scenario) error {
	if s.Expect.Error != "" {
		var se *exec.StepError
		if !errors.As(r.RunErr, &se) {
			return fmt.Errorf("expected terminal error %s, run returned %v", s.Expect.Error, r.RunErr)
		}
		if string(se.Code) != s.Expect.Error {
			return fmt.Errorf("expected terminal error %s, got %s", s.Expect.Error, se.Code)
		}
	} else if r.RunErr != nil {
		return fmt.Errorf("run failed: %w", r.RunErr)
	}

	if len(r.Receipts) != s.Expect.Steps {
		return fmt.Errorf("expected %d committed steps, got %d", s.Expect.Steps, len(r.Receipts))
	}
	for i, want := range s.Expect.Decisions {
		if got := r.Receipts[i].Decision; got != want {
			return fmt.Errorf("step %d: expected decision %q, got %q", i, want, got)
		}
	}

	if s.Expect.Error != "" {
		return nil
	}
	if s.Expect.FinalDebt != nil && r.Final.Debt.Int64() != *s.Expect.FinalDebt {
		return fmt.Errorf("expected final debt %d, got %d", *s.Expect.FinalDebt, r.Final.Debt.Int64())
	}
	for id, want := range s.Expect.Final {
		got, ok := r.Final.Field(state.FieldID(id))
		if !ok {
			return fmt.Errorf("final state has no field %s", id)
		}
		if got != want {
			return fmt.Errorf("field %s: expected %d, got %d", id, want, got)
		}
	}
	return nil
}
