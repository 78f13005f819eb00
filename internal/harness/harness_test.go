package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
	require.NoError(t, err)
	return s
}

func TestAllScenariosMeetExpectations(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(s)
			require.NoError(t, err)
			assert.NoError(t, result.Check(s))
		})
	}
}

func TestHazardScenarioOrdering(t *testing.T) {
	s := loadScenario(t, "hazard-serialization.yaml")
	result, err := Run(s)
	require.NoError(t, err)
	require.NoError(t, result.Check(s))

	// Each batch carries exactly one of the conflicting writers.
	require.Len(t, result.Receipts, 2)
	for _, r := range result.Receipts {
		assert.Len(t, r.BatchOps, 1)
	}
	assert.NotEqual(t, result.Receipts[0].BatchOps[0], result.Receipts[1].BatchOps[0])
}

func TestShrinkScenarioRecordsFailure(t *testing.T) {
	s := loadScenario(t, "shrink-batch.yaml")
	result, err := Run(s)
	require.NoError(t, err)
	require.NoError(t, result.Check(s))

	// The inadmissible width-2 attempt leaves a failure hash on the
	// first committed receipt.
	require.Len(t, result.Receipts, 2)
	assert.Len(t, result.Receipts[0].FailureHashes, 1)
	assert.Empty(t, result.Receipts[1].FailureHashes)
}

func TestDebtStallLeavesNoReceipts(t *testing.T) {
	s := loadScenario(t, "debt-stall.yaml")
	result, err := Run(s)
	require.NoError(t, err)
	require.NoError(t, result.Check(s))
	assert.Error(t, result.RunErr)
	assert.Empty(t, result.Receipts)
}

func TestScenarioRunsAreReproducible(t *testing.T) {
	s := loadScenario(t, "curvature-pairing.yaml")

	first, err := Run(s)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := Run(s)
		require.NoError(t, err)
		require.Len(t, again.Receipts, len(first.Receipts))
		for j := range first.Receipts {
			assert.Equal(t, first.Receipts[j].Hash, again.Receipts[j].Hash, "replay %d step %d", i, j)
		}
	}
}
