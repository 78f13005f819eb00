package exec

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/debt"
	"github.com/covenant-engine/covenant/internal/gate"
	"github.com/covenant-engine/covenant/internal/graph"
	"github.com/covenant-engine/covenant/internal/ledger"
	"github.com/covenant-engine/covenant/internal/op"
	"github.com/covenant-engine/covenant/internal/policy"
	"github.com/covenant-engine/covenant/internal/state"
	"github.com/covenant-engine/covenant/internal/testutil"
)

var fid = testutil.FieldID

// setKernel writes a single value to a single field, both taken from
// params.
func setKernel(t *testing.T, r *op.Registry) {
	t.Helper()
	err := r.Register(op.Kernel{
		ID:          "set",
		FootprintFn: "fields_from_params",
		Apply: func(params canon.Object, _ state.State) (map[state.FieldID]int64, error) {
			field := string(params["writes"].(canon.Array)[0].(canon.String))
			value := int64(params["value"].(canon.Int))
			return map[state.FieldID]int64{state.FieldID(field): value}, nil
		},
	})
	require.NoError(t, err)
}

func setOp(field state.FieldID, value, bound int64) op.RawOp {
	return op.RawOp{
		KernelID: "set",
		Params: op.Params(
			"writes", canon.StringsToArray([]string{string(field)}),
			"value", canon.Int(value),
		),
		Bound: bound,
	}
}

// testBundle builds a minimal policy epoch: V(x) = field(01)², no
// curvature interaction.
func testBundle(t *testing.T, limits policy.Limits, epsilon canon.Rat) *policy.Bundle {
	t.Helper()
	return testutil.TrackingBundle(epsilon, limits)
}

func buildGraph(t *testing.T, registry *op.Registry, raw []op.RawOp) *graph.Graph {
	t.Helper()
	ops, err := op.NewResolver(registry).Resolve(raw)
	require.NoError(t, err)
	g, err := graph.Build(ops, nil)
	require.NoError(t, err)
	return g
}

func TestRunSingleBatchCommit(t *testing.T) {
	registry := op.NewRegistry()
	setKernel(t, registry)

	g := buildGraph(t, registry, []op.RawOp{
		setOp(fid("0a"), 7, 10),
		setOp(fid("0b"), 3, 10),
	})
	bundle := testBundle(t, policy.Limits{}, canon.MustRat(1000, 1))

	eng, err := New(g, registry, bundle,
		WithTokenGenerator(NewFixedGenerator("run-1")),
	)
	require.NoError(t, err)

	initial, err := state.New(map[state.FieldID]int64{
		fid("01"): 0, fid("0a"): 0, fid("0b"): 0,
	}, 0)
	require.NoError(t, err)

	res, err := eng.Run(context.Background(), initial)
	require.NoError(t, err)

	// Independent writers share one batch.
	assert.Equal(t, 1, res.Chain.Len())
	r, ok := res.Chain.Last()
	require.True(t, ok)
	assert.Len(t, r.BatchOps, 2)
	assert.Equal(t, string(gate.DecisionAccept), r.Decision)
	assert.Equal(t, canon.ZeroHash, r.PrevHash)
	assert.Equal(t, "run-1", r.RunToken)

	v, ok := res.Final.Field(fid("0a"))
	require.True(t, ok)
	assert.Equal(t, int64(7), v)
	assert.Equal(t, r.Hash, res.Final.PrevReceiptHash)
}

func TestRunConflictingWritersSerialize(t *testing.T) {
	registry := op.NewRegistry()
	setKernel(t, registry)

	// Both ops write the same field: the hazard edge keeps them in
	// submission order and in separate batches.
	g := buildGraph(t, registry, []op.RawOp{
		setOp(fid("0c"), 1, 10),
		setOp(fid("0c"), 2, 10),
	})
	bundle := testBundle(t, policy.Limits{}, canon.MustRat(1000, 1))

	eng, err := New(g, registry, bundle,
		WithTokenGenerator(NewFixedGenerator("run-1")),
	)
	require.NoError(t, err)

	initial, err := state.New(map[state.FieldID]int64{
		fid("01"): 0, fid("0c"): 0,
	}, 0)
	require.NoError(t, err)

	res, err := eng.Run(context.Background(), initial)
	require.NoError(t, err)

	require.Equal(t, 2, res.Chain.Len())
	for _, r := range res.Chain.All() {
		assert.Len(t, r.BatchOps, 1)
	}

	// Later writer wins.
	v, _ := res.Final.Field(fid("0c"))
	assert.Equal(t, int64(2), v)

	// Chain linkage: second receipt points at the first.
	all := res.Chain.All()
	assert.Equal(t, canon.ZeroHash, all[0].PrevHash)
	assert.Equal(t, all[0].Hash, all[1].PrevHash)
}

func TestRunDeterministicReplay(t *testing.T) {
	run := func() []string {
		registry := op.NewRegistry()
		setKernel(t, registry)
		g := buildGraph(t, registry, []op.RawOp{
			setOp(fid("0a"), 5, 10),
			setOp(fid("0c"), 1, 10),
			setOp(fid("0c"), 2, 10),
			setOp(fid("0b"), 9, 10),
		})
		bundle := testBundle(t, policy.Limits{}, canon.MustRat(1000, 1))

		eng, err := New(g, registry, bundle,
			WithTokenGenerator(NewFixedGenerator("run-fixed")),
		)
		require.NoError(t, err)
		initial, err := state.New(map[state.FieldID]int64{
			fid("01"): 0, fid("0a"): 0, fid("0b"): 0, fid("0c"): 0,
		}, 0)
		require.NoError(t, err)

		res, err := eng.Run(context.Background(), initial)
		require.NoError(t, err)

		hashes := make([]string, 0, res.Chain.Len())
		for _, r := range res.Chain.All() {
			hashes = append(hashes, r.Hash)
		}
		return hashes
	}

	first := run()
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, run(), "replay %d diverged", i)
	}
}

func TestRunDebtLawAcceptAndReject(t *testing.T) {
	// Initial violation: field(01)=3, so debt=9. Budget 5 gives
	// service min(9,5)=5, so the committed state must measure at
	// most 4.
	t.Run("accept when batch pays down debt", func(t *testing.T) {
		registry := op.NewRegistry()
		setKernel(t, registry)
		g := buildGraph(t, registry, []op.RawOp{setOp(fid("01"), 2, 5)})
		bundle := testBundle(t, policy.Limits{}, canon.MustRat(1000, 1))

		eng, err := New(g, registry, bundle,
			WithEnvelope(FixedEnvelope(5)),
			WithTokenGenerator(NewFixedGenerator("run-1")),
		)
		require.NoError(t, err)
		initial, err := state.New(map[state.FieldID]int64{fid("01"): 3}, 0)
		require.NoError(t, err)

		res, err := eng.Run(context.Background(), initial)
		require.NoError(t, err)

		r, ok := res.Chain.Last()
		require.True(t, ok)
		assert.Equal(t, debt.Unit(9), r.DebtBefore)
		assert.Equal(t, debt.Unit(5), r.Service)
		assert.Equal(t, debt.Unit(4), r.DebtAfter)
		assert.Equal(t, debt.Unit(4), res.Final.Debt)
	})

	t.Run("terminal reject when debt cannot fall", func(t *testing.T) {
		registry := op.NewRegistry()
		setKernel(t, registry)
		// Rewrites the same value: the violation stays at 9, above
		// the serviced bound of 4.
		g := buildGraph(t, registry, []op.RawOp{setOp(fid("01"), 3, 5)})
		bundle := testBundle(t, policy.Limits{}, canon.MustRat(1000, 1))

		eng, err := New(g, registry, bundle,
			WithEnvelope(FixedEnvelope(5)),
			WithTokenGenerator(NewFixedGenerator("run-1")),
		)
		require.NoError(t, err)
		initial, err := state.New(map[state.FieldID]int64{fid("01"): 3}, 0)
		require.NoError(t, err)

		_, err = eng.Run(context.Background(), initial)
		require.Error(t, err)
		var se *StepError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, ErrCodeLaw, se.Code)
		assert.True(t, IsTerminal(err))

		// Nothing committed: no receipt exists for the rejected step.
		assert.Equal(t, 0, eng.Chain().Len())
	})
}

func TestRunShrinksInadmissibleBatch(t *testing.T) {
	registry := op.NewRegistry()
	setKernel(t, registry)

	// Each singleton costs bound² = 100; the pair costs 200 with zero
	// interaction. An admissibility bound of 100 forces the scheduler
	// to commit them one at a time.
	g := buildGraph(t, registry, []op.RawOp{
		setOp(fid("0a"), 1, 10),
		setOp(fid("0b"), 1, 10),
	})
	bundle := testBundle(t, policy.Limits{}, canon.MustRat(100, 1))

	eng, err := New(g, registry, bundle,
		WithTokenGenerator(NewFixedGenerator("run-1")),
	)
	require.NoError(t, err)
	initial, err := state.New(map[state.FieldID]int64{
		fid("01"): 0, fid("0a"): 0, fid("0b"): 0,
	}, 0)
	require.NoError(t, err)

	res, err := eng.Run(context.Background(), initial)
	require.NoError(t, err)

	require.Equal(t, 2, res.Chain.Len())
	all := res.Chain.All()
	assert.Len(t, all[0].BatchOps, 1)
	assert.Len(t, all[1].BatchOps, 1)

	// The shrink left a failure record, carried by the next commit.
	assert.Len(t, all[0].FailureHashes, 1)
	assert.Empty(t, all[1].FailureHashes)
}

func TestRunKernelFailureIsTerminalAfterRetry(t *testing.T) {
	registry := op.NewRegistry()
	err := registry.Register(op.Kernel{
		ID:     "boom",
		Static: &op.Footprint{Writes: []state.FieldID{fid("0a")}},
		Apply: func(canon.Object, state.State) (map[state.FieldID]int64, error) {
			return nil, fmt.Errorf("kernel exploded")
		},
	})
	require.NoError(t, err)

	g := buildGraph(t, registry, []op.RawOp{{KernelID: "boom", Bound: 1}})
	bundle := testBundle(t, policy.Limits{}, canon.MustRat(1000, 1))

	eng, err := New(g, registry, bundle,
		WithTokenGenerator(NewFixedGenerator("run-1")),
	)
	require.NoError(t, err)
	initial, err := state.New(map[state.FieldID]int64{fid("01"): 0, fid("0a"): 0}, 0)
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), initial)
	require.Error(t, err)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeExecution, se.Code)
	assert.Contains(t, se.Message, "kernel exploded")
}

func TestRunBoundViolationHalts(t *testing.T) {
	registry := op.NewRegistry()
	setKernel(t, registry)

	// The kernel moves the field by 8 against a declared bound of 2.
	g := buildGraph(t, registry, []op.RawOp{setOp(fid("0a"), 8, 2)})
	bundle := testBundle(t, policy.Limits{}, canon.MustRat(1000, 1))

	eng, err := New(g, registry, bundle,
		WithTokenGenerator(NewFixedGenerator("run-1")),
	)
	require.NoError(t, err)
	initial, err := state.New(map[state.FieldID]int64{fid("01"): 0, fid("0a"): 0}, 0)
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), initial)
	require.Error(t, err)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeExecution, se.Code)
	assert.Contains(t, se.Message, "bound")
}

func TestNewEnforcesMaxOps(t *testing.T) {
	registry := op.NewRegistry()
	setKernel(t, registry)
	g := buildGraph(t, registry, []op.RawOp{
		setOp(fid("0a"), 1, 1),
		setOp(fid("0b"), 1, 1),
	})
	bundle := testBundle(t, policy.Limits{MaxOps: 1}, canon.MustRat(1000, 1))

	_, err := New(g, registry, bundle)
	require.Error(t, err)
	assert.True(t, IsResourceCap(err))
}

func TestRunEncodeCapHalts(t *testing.T) {
	registry := op.NewRegistry()
	setKernel(t, registry)
	g := buildGraph(t, registry, []op.RawOp{setOp(fid("0a"), 1, 1)})
	bundle := testBundle(t, policy.Limits{MaxEncodeBytes: 16}, canon.MustRat(1000, 1))

	eng, err := New(g, registry, bundle,
		WithTokenGenerator(NewFixedGenerator("run-1")),
	)
	require.NoError(t, err)
	initial, err := state.New(map[state.FieldID]int64{fid("01"): 0, fid("0a"): 0}, 0)
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), initial)
	require.Error(t, err)
	assert.True(t, IsResourceCap(err))
	assert.Equal(t, 0, eng.Chain().Len())
}

func TestRunCancellation(t *testing.T) {
	registry := op.NewRegistry()
	setKernel(t, registry)
	g := buildGraph(t, registry, []op.RawOp{setOp(fid("0a"), 1, 1)})
	bundle := testBundle(t, policy.Limits{}, canon.MustRat(1000, 1))

	eng, err := New(g, registry, bundle)
	require.NoError(t, err)
	initial, err := state.New(map[state.FieldID]int64{fid("01"): 0, fid("0a"): 0}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = eng.Run(ctx, initial)
	require.Error(t, err)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeCancelled, se.Code)
	assert.True(t, errors.Is(ctx.Err(), context.Canceled))
}

func TestRunPersistsToStore(t *testing.T) {
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()

	registry := op.NewRegistry()
	setKernel(t, registry)
	g := buildGraph(t, registry, []op.RawOp{
		setOp(fid("0c"), 1, 10),
		setOp(fid("0c"), 2, 10),
	})
	bundle := testBundle(t, policy.Limits{}, canon.MustRat(1000, 1))

	eng, err := New(g, registry, bundle,
		WithStore(store),
		WithTokenGenerator(NewFixedGenerator("run-1")),
	)
	require.NoError(t, err)
	initial, err := state.New(map[state.FieldID]int64{fid("01"): 0, fid("0c"): 0}, 0)
	require.NoError(t, err)

	res, err := eng.Run(context.Background(), initial)
	require.NoError(t, err)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(res.Chain.Len()), count)

	last, ok, err := store.Last(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	inMem, _ := res.Chain.Last()
	assert.Equal(t, inMem.Hash, last.Hash)
	assert.Equal(t, inMem.StateAfter, last.StateAfter)
}

func TestRunResumesExistingLedger(t *testing.T) {
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()

	registry := op.NewRegistry()
	setKernel(t, registry)
	bundle := testBundle(t, policy.Limits{}, canon.MustRat(1000, 1))
	raw := []op.RawOp{
		setOp(fid("0c"), 1, 10),
		setOp(fid("0c"), 2, 10),
	}

	first, err := New(buildGraph(t, registry, raw), registry, bundle,
		WithStore(store),
		WithTokenGenerator(NewFixedGenerator("run-1")),
	)
	require.NoError(t, err)
	initial, err := state.New(map[state.FieldID]int64{fid("01"): 0, fid("0c"): 0}, 0)
	require.NoError(t, err)
	res1, err := first.Run(context.Background(), initial)
	require.NoError(t, err)
	head, _ := res1.Chain.Last()

	// A second run on the same store continues numbering and linkage
	// from the stored head instead of restarting at genesis.
	second, err := New(buildGraph(t, registry, raw), registry, bundle,
		WithStore(store),
		WithTokenGenerator(NewFixedGenerator("run-2")),
	)
	require.NoError(t, err)
	res2, err := second.Run(context.Background(), initial)
	require.NoError(t, err)

	receipts := res2.Chain.All()
	require.Len(t, receipts, 2)
	assert.Equal(t, int64(2), receipts[0].StepIndex)
	assert.Equal(t, head.Hash, receipts[0].PrevHash)
	assert.Equal(t, "run-2", receipts[0].RunToken)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestNewRejectsFloatTouchingOps(t *testing.T) {
	registry := op.NewRegistry()
	setKernel(t, registry)

	raw := setOp(fid("0a"), 1, 1)
	raw.FloatTouch = true
	g := buildGraph(t, registry, []op.RawOp{raw})
	bundle := testBundle(t, policy.Limits{}, canon.MustRat(1000, 1))

	_, err := New(g, registry, bundle)
	require.Error(t, err)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeStructural, se.Code)
	assert.NotEmpty(t, se.OpID)
}
