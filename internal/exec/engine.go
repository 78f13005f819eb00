// Package exec drives the engine main loop: plan a batch from the
// ready frontier, execute its members in parallel, gate the candidate
// state, and commit atomically. All mutations happen in the
// single-writer Run loop; parallel workers only compute kernel writes,
// which is safe because batch independence was proven before they
// started.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/covenant-engine/covenant/internal/debt"
	"github.com/covenant-engine/covenant/internal/gate"
	"github.com/covenant-engine/covenant/internal/graph"
	"github.com/covenant-engine/covenant/internal/ledger"
	"github.com/covenant-engine/covenant/internal/op"
	"github.com/covenant-engine/covenant/internal/policy"
	"github.com/covenant-engine/covenant/internal/sched"
	"github.com/covenant-engine/covenant/internal/state"
)

// Envelope supplies the per-step budget and declared disturbance. The
// function must be deterministic in the step index.
type Envelope func(stepIndex int64) (budget, disturbance debt.Unit, eventType string)

// ZeroEnvelope admits no budget and no disturbance.
func ZeroEnvelope(int64) (debt.Unit, debt.Unit, string) { return 0, 0, "" }

// FixedEnvelope returns the same budget every step with no
// disturbance.
func FixedEnvelope(budget debt.Unit) Envelope {
	return func(int64) (debt.Unit, debt.Unit, string) { return budget, 0, "" }
}

// Engine executes one dependency graph under one policy epoch. The
// graph, registry, and bundle are read-only for the whole run.
type Engine struct {
	graph    *graph.Graph
	registry *op.Registry
	bundle   *policy.Bundle
	gate     *gate.Gate

	store    *ledger.Store
	chain    *ledger.Chain
	clock    *Clock
	tokenGen RunTokenGenerator
	envelope Envelope
	logger   *slog.Logger

	// pendingFailures accumulates failure hashes between commits.
	pendingFailures []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists every committed receipt to the durable ledger in
// addition to the in-memory chain.
func WithStore(s *ledger.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithTokenGenerator overrides the run token source (tests use
// FixedGenerator).
func WithTokenGenerator(g RunTokenGenerator) Option {
	return func(e *Engine) { e.tokenGen = g }
}

// WithEnvelope sets the budget/disturbance schedule.
func WithEnvelope(env Envelope) Option {
	return func(e *Engine) { e.envelope = env }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an engine. The operation count is checked against the
// bundle's MaxOps limit here, before anything runs.
func New(g *graph.Graph, registry *op.Registry, bundle *policy.Bundle, opts ...Option) (*Engine, error) {
	if bundle.Limits.MaxOps > 0 && g.Len() > bundle.Limits.MaxOps {
		return nil, &StepError{
			Code:    ErrCodeResourceCap,
			Message: fmt.Sprintf("graph has %d operations, limit is %d", g.Len(), bundle.Limits.MaxOps),
		}
	}
	// Decision paths are exact-only: an operation declaring a
	// float-touching kernel can never be admitted.
	for _, id := range g.Order() {
		o, _ := g.Node(id)
		if o.FloatTouch {
			return nil, &StepError{
				Code:    ErrCodeStructural,
				Message: "operation declares a float-touching kernel",
				OpID:    o.ID,
			}
		}
	}

	e := &Engine{
		graph:    g,
		registry: registry,
		bundle:   bundle,
		gate:     gate.New(bundle),
		chain:    ledger.NewChain(),
		clock:    NewClock(),
		tokenGen: UUIDv7Generator{},
		envelope: ZeroEnvelope,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Result is a completed run.
type Result struct {
	Final state.State
	Chain *ledger.Chain
	Steps int64
}

// Run executes the graph to completion. The initial state's debt is
// replaced by the measured violation of the initial state, which is
// the base case of the debt recursion. A non-empty store is resumed:
// step numbering and receipt linkage continue from the stored head, so
// one ledger can hold several consecutive runs as a single chain.
// Cancellation is a terminal classification: the loop halts with a
// StepError, never blocks.
func (e *Engine) Run(ctx context.Context, initial state.State) (Result, error) {
	runToken := e.tokenGen.Generate()
	log := e.logger.With("run_token", runToken)

	prevReceipt := initial.PrevReceiptHash
	if e.store != nil {
		last, ok, err := e.store.Last(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("reading ledger head: %w", err)
		}
		if ok {
			e.clock = NewClockAt(last.StepIndex + 1)
			e.chain = ledger.ResumeChain(last.Hash, last.StepIndex+1)
			prevReceipt = last.Hash
		}
	}

	initialDebt, _, err := e.gate.Measure(initial)
	if err != nil {
		return Result{}, err
	}
	st := initial.WithScalars(initialDebt, e.clock.Current(), prevReceipt)

	policyDigest, err := e.bundle.Digest()
	if err != nil {
		return Result{}, err
	}
	matrixDigest, err := e.bundle.MatrixDigest()
	if err != nil {
		return Result{}, err
	}
	contractsID, err := e.bundle.ContractsDigest()
	if err != nil {
		return Result{}, err
	}
	binding := receiptBinding{
		runToken:     runToken,
		policyDigest: policyDigest,
		matrixDigest: matrixDigest,
		contractsID:  contractsID,
	}

	committed := make(map[string]bool, e.graph.Len())
	log.Info("run started", "ops", e.graph.Len(), "initial_debt", initialDebt.Int64())

	for len(committed) < e.graph.Len() {
		if ctx.Err() != nil {
			return Result{}, &StepError{
				Code:      ErrCodeCancelled,
				Message:   ctx.Err().Error(),
				StepIndex: e.clock.Current(),
			}
		}

		ready := e.readyOps(committed)
		if len(ready) == 0 {
			return Result{}, &StepError{
				Code:      ErrCodePlanning,
				Message:   "no ready operations but graph is not fully committed",
				StepIndex: e.clock.Current(),
			}
		}

		next, err := e.step(ctx, st, ready, binding, log)
		if err != nil {
			return Result{}, err
		}
		st = next.state
		for _, id := range next.committedOps {
			committed[id] = true
		}
	}

	log.Info("run completed", "steps", e.chain.Len(), "final_debt", st.Debt.Int64())
	return Result{Final: st, Chain: e.chain, Steps: int64(e.chain.Len())}, nil
}

// Chain exposes the receipts committed so far.
func (e *Engine) Chain() *ledger.Chain { return e.chain }

type receiptBinding struct {
	runToken     string
	policyDigest string
	matrixDigest string
	contractsID  string
}

type stepResult struct {
	state        state.State
	committedOps []string
}

// step plans and commits one batch, shrinking on rejection. It returns
// only after a commit or a terminal condition.
func (e *Engine) step(ctx context.Context, st state.State, ready []op.Operation, binding receiptBinding, log *slog.Logger) (stepResult, error) {
	stepIndex := e.clock.Current()
	budget, disturbance, eventType := e.envelope(stepIndex)

	vetoes := make(map[string]bool)
	batch, err := sched.PlanStep(ready, e.bundle.Matrix, e.bundle.Limits.MaxBatchWidth, vetoes)
	if err != nil {
		return stepResult{}, fmt.Errorf("planning step %d: %w", stepIndex, err)
	}
	if batch.Len() == 0 {
		return stepResult{}, &StepError{
			Code:      ErrCodePlanning,
			Message:   "scheduler produced an empty batch from a non-empty frontier",
			StepIndex: stepIndex,
		}
	}

	for {
		out, candidate, execFail, err := e.attempt(ctx, st, batch, budget, disturbance, eventType)
		if err != nil {
			return stepResult{}, err
		}

		if execFail != nil {
			if err := e.recordFailure(*execFail); err != nil {
				return stepResult{}, err
			}
			return e.singletonRetry(ctx, st, *execFail, binding, budget, disturbance, eventType, log)
		}

		switch out.Decision {
		case gate.DecisionAccept:
			return e.commit(ctx, st, batch, out, candidate, binding, log)

		case gate.DecisionReject:
			if err := e.recordFailure(failureRecord{
				Kind: "reject", StepIndex: stepIndex, Detail: out.Reason,
			}); err != nil {
				return stepResult{}, err
			}
			if batch.Len() == 1 {
				lastHash, hashErr := st.Hash()
				if hashErr != nil {
					return stepResult{}, hashErr
				}
				return stepResult{}, &StepError{
					Code:      ErrCodeLaw,
					Message:   out.Reason,
					StepIndex: stepIndex,
					OpID:      batch.IDs()[0],
					StateHash: lastHash,
				}
			}
			log.Debug("batch rejected, shrinking", "step", stepIndex, "width", batch.Len(), "reason", out.Reason)
			shrunk, removed, err := sched.ShrinkRetry(batch, ready, e.bundle.Matrix, batch.Len()-1, vetoes)
			if err != nil {
				return stepResult{}, err
			}
			vetoes[removed] = true
			batch = shrunk

		case gate.DecisionRepair:
			if err := e.recordFailure(failureRecord{
				Kind: "repair", StepIndex: stepIndex, Detail: out.Reason,
			}); err != nil {
				return stepResult{}, err
			}
			log.Debug("batch needs repair, replaying as singletons", "step", stepIndex, "width", batch.Len())
			return e.repair(ctx, st, batch, binding, log)

		case gate.DecisionTerminal:
			lastHash, hashErr := st.Hash()
			if hashErr != nil {
				return stepResult{}, hashErr
			}
			return stepResult{}, &StepError{
				Code:      ErrCodeInvariant,
				Message:   out.Reason,
				StepIndex: stepIndex,
				StateHash: lastHash,
			}

		default:
			return stepResult{}, fmt.Errorf("unknown gate decision %q", out.Decision)
		}
	}
}

// attempt executes the batch and gates the resulting candidate. A
// kernel failure or bound violation comes back as a failureRecord, not
// an error: the caller decides the retry policy.
func (e *Engine) attempt(ctx context.Context, st state.State, batch *sched.Batch, budget, disturbance debt.Unit, eventType string) (gate.Outcome, state.State, *failureRecord, error) {
	writes, execFail, err := e.apply(ctx, st, batch.Members())
	if err != nil {
		return gate.Outcome{}, state.State{}, nil, err
	}
	if execFail != nil {
		return gate.Outcome{}, state.State{}, execFail, nil
	}

	candidate, err := st.WithFields(writes)
	if err != nil {
		return gate.Outcome{}, state.State{}, nil, err
	}
	candidate = candidate.WithEnvelope(budget, disturbance)

	if err := e.checkEncodeCap(candidate, st); err != nil {
		return gate.Outcome{}, state.State{}, nil, err
	}

	out, err := e.gate.Decide(st, batch.TotalCost(), candidate, budget, disturbance, eventType)
	if err != nil {
		return gate.Outcome{}, state.State{}, nil, err
	}
	return out, candidate, nil, nil
}

// apply runs every batch member in parallel and merges their writes.
// Workers never touch shared state: each computes its own write map
// against the immutable pre-state, and the merge happens after all
// workers finish. Write sets are disjoint by construction.
func (e *Engine) apply(ctx context.Context, st state.State, members []op.Operation) (map[state.FieldID]int64, *failureRecord, error) {
	results := make([]map[state.FieldID]int64, len(members))

	var (
		mu    sync.Mutex
		fails []failureRecord
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(len(members))
	for i, member := range members {
		eg.Go(func() error {
			if egCtx.Err() != nil {
				return egCtx.Err()
			}
			if member.Join {
				return nil
			}
			writes, fail := e.applyOne(st, member)
			if fail != nil {
				mu.Lock()
				fails = append(fails, *fail)
				mu.Unlock()
				return nil
			}
			results[i] = writes
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	if len(fails) > 0 {
		// Deterministic pick: the failure with the smallest op ID wins
		// regardless of goroutine scheduling.
		sort.Slice(fails, func(a, b int) bool { return fails[a].OpID < fails[b].OpID })
		return nil, &fails[0], nil
	}

	merged := make(map[state.FieldID]int64)
	for _, writes := range results {
		for id, v := range writes {
			merged[id] = v
		}
	}
	return merged, nil, nil
}

// applyOne executes a single kernel and validates its writes against
// the declared footprint and displacement bound.
func (e *Engine) applyOne(st state.State, member op.Operation) (map[state.FieldID]int64, *failureRecord) {
	kernel, err := e.registry.Lookup(member.KernelID)
	if err != nil {
		return nil, &failureRecord{
			Kind: "kernel_missing", StepIndex: e.clock.Current(),
			OpID: member.ID, Detail: err.Error(),
		}
	}

	writes, err := kernel.Apply(member.Params, st)
	if err != nil {
		return nil, &failureRecord{
			Kind: "kernel_error", StepIndex: e.clock.Current(),
			OpID: member.ID, Detail: err.Error(),
		}
	}

	declared := member.WritesMap()
	for id, v := range writes {
		if !declared[id] {
			return nil, &failureRecord{
				Kind: "footprint_escape", StepIndex: e.clock.Current(),
				OpID: member.ID, Detail: fmt.Sprintf("wrote undeclared field %s", id),
			}
		}
		prev, _ := st.Field(id)
		if delta := abs64(v - prev); delta > member.Bound {
			return nil, &failureRecord{
				Kind: "bound_exceeded", StepIndex: e.clock.Current(),
				OpID: member.ID,
				Detail: fmt.Sprintf("field %s moved %d, bound is %d", id, delta, member.Bound),
			}
		}
	}
	return writes, nil
}

// singletonRetry re-runs a failed operation alone. Kernels are pure
// functions of the pre-state, so a second failure is definitive and
// terminal.
func (e *Engine) singletonRetry(ctx context.Context, st state.State, fail failureRecord, binding receiptBinding, budget, disturbance debt.Unit, eventType string, log *slog.Logger) (stepResult, error) {
	member, ok := e.graph.Node(fail.OpID)
	if !ok {
		return stepResult{}, fmt.Errorf("failed op %s not in graph", fail.OpID)
	}
	log.Debug("retrying failed operation as singleton", "op", fail.OpID, "kind", fail.Kind)

	batch, err := sched.PlanStep([]op.Operation{member}, e.bundle.Matrix, 1, nil)
	if err != nil {
		return stepResult{}, err
	}

	out, candidate, execFail, err := e.attempt(ctx, st, batch, budget, disturbance, eventType)
	if err != nil {
		return stepResult{}, err
	}
	if execFail != nil || out.Decision != gate.DecisionAccept {
		lastHash, hashErr := st.Hash()
		if hashErr != nil {
			return stepResult{}, hashErr
		}
		detail := fail.Detail
		if execFail != nil {
			detail = execFail.Detail
		} else if out.Reason != "" {
			detail = out.Reason
		}
		return stepResult{}, &StepError{
			Code:      ErrCodeExecution,
			Message:   detail,
			StepIndex: e.clock.Current(),
			OpID:      fail.OpID,
			StateHash: lastHash,
		}
	}
	return e.commit(ctx, st, batch, out, candidate, binding, log)
}

// repair replays the batch members as singletons in append order.
// Each singleton passes through the full gate; the first non-accept
// halts the run.
func (e *Engine) repair(ctx context.Context, st state.State, batch *sched.Batch, binding receiptBinding, log *slog.Logger) (stepResult, error) {
	var all []string
	for _, member := range batch.Members() {
		budget, disturbance, eventType := e.envelope(e.clock.Current())

		single, err := sched.PlanStep([]op.Operation{member}, e.bundle.Matrix, 1, nil)
		if err != nil {
			return stepResult{}, err
		}
		out, candidate, execFail, err := e.attempt(ctx, st, single, budget, disturbance, eventType)
		if err != nil {
			return stepResult{}, err
		}
		if execFail != nil || out.Decision != gate.DecisionAccept {
			lastHash, hashErr := st.Hash()
			if hashErr != nil {
				return stepResult{}, hashErr
			}
			reason := "repair singleton did not commit"
			if execFail != nil {
				reason = execFail.Detail
			} else if out.Reason != "" {
				reason = out.Reason
			}
			return stepResult{}, &StepError{
				Code:      ErrCodeInvariant,
				Message:   reason,
				StepIndex: e.clock.Current(),
				OpID:      member.ID,
				StateHash: lastHash,
			}
		}

		res, err := e.commit(ctx, st, single, out, candidate, binding, log)
		if err != nil {
			return stepResult{}, err
		}
		st = res.state
		all = append(all, res.committedOps...)
	}
	return stepResult{state: st, committedOps: all}, nil
}

// commit seals and appends exactly one receipt, then advances the
// committed state. The receipt carries every failure hash accumulated
// since the previous commit.
func (e *Engine) commit(ctx context.Context, st state.State, batch *sched.Batch, out gate.Outcome, candidate state.State, binding receiptBinding, log *slog.Logger) (stepResult, error) {
	stepIndex := e.clock.Current()

	stateBefore, err := st.Hash()
	if err != nil {
		return stepResult{}, err
	}

	committedState := candidate.WithScalars(out.DebtAfter, stepIndex+1, st.PrevReceiptHash)
	stateAfter, err := committedState.Hash()
	if err != nil {
		return stepResult{}, err
	}

	batchDigest, err := batch.Digest()
	if err != nil {
		return stepResult{}, err
	}

	r := ledger.FromOutcome(out)
	r.StepIndex = stepIndex
	r.PrevHash = e.chain.Head()
	r.RunToken = binding.runToken
	r.StateBefore = stateBefore
	r.StateAfter = stateAfter
	r.FailureHashes = e.pendingFailures
	r.BatchDigest = batchDigest
	r.BatchOps = batch.IDs()
	r.ContractsID = binding.contractsID
	r.MatrixDigest = binding.matrixDigest
	r.PolicyDigest = binding.policyDigest
	r.LawID = e.bundle.Law.ID()
	r.RoundingID = e.bundle.RoundingID

	if err := r.Seal(); err != nil {
		return stepResult{}, err
	}
	if err := e.chain.Append(r); err != nil {
		return stepResult{}, err
	}
	if e.store != nil {
		if err := e.store.Append(ctx, r); err != nil {
			return stepResult{}, err
		}
	}

	e.pendingFailures = nil
	committedState = committedState.WithScalars(out.DebtAfter, stepIndex+1, r.Hash)
	e.clock.Advance()

	log.Info("step committed",
		"step", stepIndex,
		"batch_width", batch.Len(),
		"debt_before", out.DebtBefore.Int64(),
		"debt_after", out.DebtAfter.Int64(),
		"service", out.Service.Int64(),
		"receipt", r.Hash,
	)

	return stepResult{state: committedState, committedOps: batch.IDs()}, nil
}

// recordFailure hashes and queues a non-fatal failure for the next
// successful receipt.
func (e *Engine) recordFailure(f failureRecord) error {
	h, err := f.hash()
	if err != nil {
		return err
	}
	e.pendingFailures = append(e.pendingFailures, h)
	return nil
}

// checkEncodeCap enforces the bounded-allocation guard on the
// candidate state's canonical encoding. Exceeding the cap is an
// immediate deterministic halt carrying the pre-failure state hash.
func (e *Engine) checkEncodeCap(candidate, pre state.State) error {
	limit := e.bundle.Limits.MaxEncodeBytes
	if limit <= 0 {
		return nil
	}
	encoded, err := candidate.MarshalCanonical()
	if err != nil {
		return err
	}
	if len(encoded) > limit {
		preHash, hashErr := pre.Hash()
		if hashErr != nil {
			return hashErr
		}
		return &StepError{
			Code:      ErrCodeResourceCap,
			Message:   fmt.Sprintf("candidate state encodes to %d bytes, cap is %d", len(encoded), limit),
			StepIndex: e.clock.Current(),
			StateHash: preHash,
		}
	}
	return nil
}

// readyOps returns the uncommitted operations whose predecessors have
// all committed, in canonical graph order. Join nodes become ready
// only once every predecessor arm committed, which is the join
// barrier.
func (e *Engine) readyOps(committed map[string]bool) []op.Operation {
	var ready []op.Operation
	for _, id := range e.graph.Order() {
		if committed[id] {
			continue
		}
		allDone := true
		for _, pred := range e.graph.Predecessors(id) {
			if !committed[pred] {
				allDone = false
				break
			}
		}
		if allDone {
			o, _ := e.graph.Node(id)
			ready = append(ready, o)
		}
	}
	return ready
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
