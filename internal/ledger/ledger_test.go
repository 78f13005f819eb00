package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-engine/covenant/internal/canon"
)

func testReceipt(t *testing.T, index int64, prev string) Receipt {
	t.Helper()
	r := Receipt{
		StepIndex:    index,
		PrevHash:     prev,
		RunToken:     "0191b5b1-0000-7000-8000-000000000001",
		StateBefore:  canon.ZeroHash,
		StateAfter:   canon.ZeroHash,
		DebtBefore:   10,
		DebtAfter:    5,
		Budget:       5,
		Service:      5,
		Decision:     "accept",
		Violation:    canon.MustRat(5, 1),
		Invariants:   []InvariantStatus{{ID: "nn", Severity: "warning", Holds: true}},
		BatchDigest:  canon.ZeroHash,
		BatchOps:     []string{"h:aa"},
		ContractsID:  canon.ZeroHash,
		MatrixDigest: canon.ZeroHash,
		PolicyDigest: canon.ZeroHash,
		LawID:        "service.linear_capped.mu:1",
		RoundingID:   "round.half_even.v1",
	}
	require.NoError(t, r.Seal())
	return r
}

func TestReceiptHashExcludesHashField(t *testing.T) {
	r := testReceipt(t, 0, canon.ZeroHash)
	h1 := r.Hash

	r.Hash = "h:tampered"
	h2, err := r.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hash covers the body, not itself")

	r.DebtAfter = 6
	h3, err := r.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3, "body changes move the hash")
}

func TestReceiptBodyRoundTrip(t *testing.T) {
	r := testReceipt(t, 0, canon.ZeroHash)

	body, err := r.MarshalBody()
	require.NoError(t, err)

	decoded, err := DecodeBody(body, r.Hash)
	require.NoError(t, err)
	assert.Equal(t, r.StepIndex, decoded.StepIndex)
	assert.Equal(t, r.PrevHash, decoded.PrevHash)
	assert.Equal(t, r.DebtBefore, decoded.DebtBefore)
	assert.Equal(t, r.DebtAfter, decoded.DebtAfter)
	assert.Equal(t, r.Service, decoded.Service)
	assert.Equal(t, 0, r.Violation.Cmp(decoded.Violation))
	assert.Equal(t, r.Invariants, decoded.Invariants)
	assert.Equal(t, r.BatchOps, decoded.BatchOps)
	assert.Equal(t, r.LawID, decoded.LawID)

	// Re-encoding the decoded receipt reproduces the bytes exactly
	body2, err := decoded.MarshalBody()
	require.NoError(t, err)
	assert.Equal(t, string(body), string(body2))
}

func TestDecodeBodyStrict(t *testing.T) {
	_, err := DecodeBody([]byte(`{"step_index":0}`), "h:x")
	assert.Error(t, err, "missing keys rejected")

	_, err = DecodeBody([]byte(`not json`), "h:x")
	assert.Error(t, err)

	r := testReceipt(t, 0, canon.ZeroHash)
	body, err := r.MarshalBody()
	require.NoError(t, err)
	// An unreduced rational in place of the violation must fail
	bad := []byte(string(body))
	bad = []byte(replaceOnce(t, string(bad), `"violation":{"d":1,"n":5}`, `"violation":{"d":2,"n":10}`))
	_, err = DecodeBody(bad, r.Hash)
	assert.Error(t, err)
}

func replaceOnce(t *testing.T, s, old, new string) string {
	t.Helper()
	idx := 0
	for ; idx+len(old) <= len(s); idx++ {
		if s[idx:idx+len(old)] == old {
			return s[:idx] + new + s[idx+len(old):]
		}
	}
	t.Fatalf("substring %q not found", old)
	return s
}

func TestChainAppendValidates(t *testing.T) {
	c := NewChain()
	assert.Equal(t, canon.ZeroHash, c.Head())

	r0 := testReceipt(t, 0, canon.ZeroHash)
	require.NoError(t, c.Append(r0))
	assert.Equal(t, r0.Hash, c.Head())

	// Wrong index
	skipped := testReceipt(t, 2, r0.Hash)
	assert.Error(t, c.Append(skipped))

	// Wrong prev hash
	forked := testReceipt(t, 1, canon.ZeroHash)
	assert.Error(t, c.Append(forked))

	// Tampered hash
	tampered := testReceipt(t, 1, r0.Hash)
	tampered.Hash = r0.Hash
	assert.Error(t, c.Append(tampered))

	// Correct successor
	r1 := testReceipt(t, 1, r0.Hash)
	require.NoError(t, c.Append(r1))
	assert.Equal(t, 2, c.Len())

	last, ok := c.Last()
	require.True(t, ok)
	assert.Equal(t, int64(1), last.StepIndex)
}

func TestResumeChainLinksToPriorHead(t *testing.T) {
	r0 := testReceipt(t, 0, canon.ZeroHash)
	r1 := testReceipt(t, 1, r0.Hash)

	c := ResumeChain(r1.Hash, 2)
	assert.Equal(t, r1.Hash, c.Head())

	// The first append must continue the prior numbering and linkage.
	restart := testReceipt(t, 0, canon.ZeroHash)
	assert.Error(t, c.Append(restart))
	unlinked := testReceipt(t, 2, canon.ZeroHash)
	assert.Error(t, c.Append(unlinked))

	r2 := testReceipt(t, 2, r1.Hash)
	require.NoError(t, c.Append(r2))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, r2.Hash, c.Head())
}

func TestStoreAppendAndReadAll(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()

	r0 := testReceipt(t, 0, canon.ZeroHash)
	require.NoError(t, store.Append(ctx, r0))
	r1 := testReceipt(t, 1, r0.Hash)
	require.NoError(t, store.Append(ctx, r1))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, r0.Hash, rows[0].Hash)
	assert.Equal(t, r1.Hash, rows[1].Hash)

	// Stored bytes decode back to the sealed receipt
	decoded, err := DecodeBody(rows[1].Body, rows[1].Hash)
	require.NoError(t, err)
	assert.Equal(t, r1.StepIndex, decoded.StepIndex)

	last, ok, err := store.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), last.StepIndex)
}

func TestStoreAppendRejectsFork(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()

	r0 := testReceipt(t, 0, canon.ZeroHash)
	require.NoError(t, store.Append(ctx, r0))

	// Gap in step index
	gap := testReceipt(t, 2, r0.Hash)
	assert.Error(t, store.Append(ctx, gap))

	// Broken linkage
	fork := testReceipt(t, 1, canon.ZeroHash)
	assert.Error(t, store.Append(ctx, fork))

	// Hash not matching body
	bad := testReceipt(t, 1, r0.Hash)
	bad.Hash = r0.Hash
	assert.Error(t, store.Append(ctx, bad))

	// Non-genesis receipt on an empty ledger
	empty, err := Open(filepath.Join(t.TempDir(), "other.db"))
	require.NoError(t, err)
	defer empty.Close()
	assert.Error(t, empty.Append(ctx, testReceipt(t, 1, r0.Hash)))
}

func TestStoreOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
