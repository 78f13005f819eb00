package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/exec"
	"github.com/covenant-engine/covenant/internal/graph"
	"github.com/covenant-engine/covenant/internal/ledger"
	"github.com/covenant-engine/covenant/internal/op"
	"github.com/covenant-engine/covenant/internal/policy"
	"github.com/covenant-engine/covenant/internal/state"
	"github.com/covenant-engine/covenant/internal/testutil"
)

var fid = testutil.FieldID

func testBundle(t *testing.T) *policy.Bundle {
	t.Helper()
	return testutil.TrackingBundle(canon.MustRat(1000, 1), policy.Limits{})
}

// runChain produces a two-receipt chain through the real engine: two
// conflicting writers serialized by the hazard edge.
func runChain(t *testing.T, bundle *policy.Bundle) []ledger.Receipt {
	t.Helper()
	registry := op.NewRegistry()
	err := registry.Register(op.Kernel{
		ID:          "set",
		FootprintFn: "fields_from_params",
		Apply: func(params canon.Object, _ state.State) (map[state.FieldID]int64, error) {
			field := string(params["writes"].(canon.Array)[0].(canon.String))
			value := int64(params["value"].(canon.Int))
			return map[state.FieldID]int64{state.FieldID(field): value}, nil
		},
	})
	require.NoError(t, err)

	raw := []op.RawOp{
		{
			KernelID: "set",
			Params: op.Params(
				"writes", canon.StringsToArray([]string{string(fid("0c"))}),
				"value", canon.Int(1),
			),
			Bound: 10,
		},
		{
			KernelID: "set",
			Params: op.Params(
				"writes", canon.StringsToArray([]string{string(fid("0c"))}),
				"value", canon.Int(2),
			),
			Bound: 10,
		},
	}
	ops, err := op.NewResolver(registry).Resolve(raw)
	require.NoError(t, err)
	g, err := graph.Build(ops, nil)
	require.NoError(t, err)

	eng, err := exec.New(g, registry, bundle,
		exec.WithTokenGenerator(exec.NewFixedGenerator("run-verify")),
	)
	require.NoError(t, err)
	initial, err := state.New(map[state.FieldID]int64{fid("01"): 0, fid("0c"): 0}, 0)
	require.NoError(t, err)

	res, err := eng.Run(context.Background(), initial)
	require.NoError(t, err)
	require.Equal(t, 2, res.Chain.Len())
	return res.Chain.All()
}

func stored(t *testing.T, receipts []ledger.Receipt) []ledger.StoredReceipt {
	t.Helper()
	out := make([]ledger.StoredReceipt, 0, len(receipts))
	for _, r := range receipts {
		body, err := r.MarshalBody()
		require.NoError(t, err)
		out = append(out, ledger.StoredReceipt{
			StepIndex: r.StepIndex, Hash: r.Hash, Body: body,
		})
	}
	return out
}

func findingCodes(rep Report) []FindingCode {
	codes := make([]FindingCode, 0, len(rep.Findings))
	for _, f := range rep.Findings {
		codes = append(codes, f.Code)
	}
	return codes
}

func TestVerifyCleanChainPasses(t *testing.T) {
	bundle := testBundle(t)
	receipts := runChain(t, bundle)

	v, err := New(bundle)
	require.NoError(t, err)
	rep, err := v.Verify(context.Background(), stored(t, receipts))
	require.NoError(t, err)

	assert.True(t, rep.Pass, "findings: %v", rep.Findings)
	assert.Equal(t, 2, rep.Steps)
}

func TestVerifyDetectsTamperedBody(t *testing.T) {
	bundle := testBundle(t)
	receipts := runChain(t, bundle)
	rows := stored(t, receipts)

	// Rewrite the second receipt's debt without re-sealing: the body
	// no longer hashes to the stored value.
	tampered := receipts[1]
	tampered.DebtAfter = tampered.DebtAfter + 100
	body, err := tampered.MarshalBody()
	require.NoError(t, err)
	rows[1].Body = body

	v, err := New(bundle)
	require.NoError(t, err)
	rep, err := v.Verify(context.Background(), rows)
	require.NoError(t, err)

	assert.False(t, rep.Pass)
	assert.Contains(t, findingCodes(rep), CodeHashMismatch)
}

func TestVerifyDetectsResealedForgery(t *testing.T) {
	bundle := testBundle(t)
	receipts := runChain(t, bundle)

	// A forger who re-seals after tampering produces a valid hash but
	// an impossible debt transition.
	forged := receipts[1]
	forged.DebtAfter = forged.DebtBefore + 50
	require.NoError(t, forged.Seal())
	rows := stored(t, []ledger.Receipt{receipts[0], forged})

	v, err := New(bundle)
	require.NoError(t, err)
	rep, err := v.Verify(context.Background(), rows)
	require.NoError(t, err)

	assert.False(t, rep.Pass)
	codes := findingCodes(rep)
	assert.Contains(t, codes, CodeLawViolated)
	assert.Contains(t, codes, CodeViolationMismatch)
}

func TestVerifyDetectsBrokenChain(t *testing.T) {
	bundle := testBundle(t)
	receipts := runChain(t, bundle)

	// Dropping the first receipt breaks both numbering and linkage.
	rows := stored(t, receipts[1:])

	v, err := New(bundle)
	require.NoError(t, err)
	rep, err := v.Verify(context.Background(), rows)
	require.NoError(t, err)

	assert.False(t, rep.Pass)
	assert.Contains(t, findingCodes(rep), CodeBrokenChain)
}

func TestVerifyDetectsForeignPolicy(t *testing.T) {
	bundle := testBundle(t)
	receipts := runChain(t, bundle)

	// Same chain, different declared epoch.
	other, err := policy.NewBundle(policy.Bundle{
		Matrix:      bundle.Matrix,
		Contracts:   bundle.Contracts,
		Law:         policy.IdentityLaw(),
		Disturbance: policy.DP0(),
		DebtScale:   1,
		EpsilonHat:  canon.MustRat(500, 1),
	})
	require.NoError(t, err)

	v, err := New(other)
	require.NoError(t, err)
	rep, err := v.Verify(context.Background(), stored(t, receipts))
	require.NoError(t, err)

	assert.False(t, rep.Pass)
	assert.Contains(t, findingCodes(rep), CodePolicyMismatch)
}

func TestVerifyDetectsNonCanonicalBody(t *testing.T) {
	bundle := testBundle(t)
	receipts := runChain(t, bundle)
	rows := stored(t, receipts)

	// Whitespace is never part of a canonical encoding.
	rows[0].Body = append([]byte(" "), rows[0].Body...)

	v, err := New(bundle)
	require.NoError(t, err)
	rep, err := v.Verify(context.Background(), rows)
	require.NoError(t, err)

	assert.False(t, rep.Pass)
	assert.Contains(t, findingCodes(rep), CodeNonCanonicalEncoding)
}
