package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "policy", "validate", "testdata/policy.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestPolicyValidate(t *testing.T) {
	out, err := execute(t, "policy", "validate", "testdata/policy.cue")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
}

func TestPolicyValidateRejectsMissingFile(t *testing.T) {
	_, err := execute(t, "policy", "validate", "testdata/does-not-exist.cue")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestPolicyDigestJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "policy", "digest", "testdata/policy.cue")
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data["policy_digest"], "h:")
	assert.Equal(t, "service.linear_capped.mu:1", data["law_id"])
}

func TestPlanReportsSchedule(t *testing.T) {
	out, err := execute(t, "--format", "json", "plan", "testdata/scenario.yaml")
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)

	// Two conflicting writers plan into two single-op batches.
	assert.Equal(t, float64(2), data["ops"])
	batches, ok := data["batches"].([]interface{})
	require.True(t, ok)
	assert.Len(t, batches, 2)
}

func TestRunTraceVerifyRoundTrip(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	out, err := execute(t, "run", "testdata/scenario.yaml", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "2 steps committed")

	out, err = execute(t, "trace", db)
	require.NoError(t, err)
	assert.Contains(t, out, "step 0")
	assert.Contains(t, out, "step 1")

	out, err = execute(t, "verify", db, "--policy", "testdata/policy.cue")
	require.NoError(t, err)
	assert.Contains(t, out, "PASS")
}

func TestRunAppendsToExistingLedger(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	_, err := execute(t, "run", "testdata/scenario.yaml", "--db", db)
	require.NoError(t, err)
	out, err := execute(t, "run", "testdata/scenario.yaml", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "2 steps committed")

	// Both runs form one chain: numbering continues and the whole
	// ledger still verifies.
	out, err = execute(t, "trace", db)
	require.NoError(t, err)
	assert.Contains(t, out, "step 3")

	out, err = execute(t, "verify", db, "--policy", "testdata/policy.cue")
	require.NoError(t, err)
	assert.Contains(t, out, "PASS: 4 receipts")
}

func TestVerifyFailsAgainstForeignPolicy(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")
	_, err := execute(t, "run", "testdata/scenario.yaml", "--db", db)
	require.NoError(t, err)

	// A chain bound to one policy must not verify against another.
	other := filepath.Join(t.TempDir(), "other.cue")
	writeOtherPolicy(t, other)

	out, err := execute(t, "verify", db, "--policy", other)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "POLICY_MISMATCH")
}

func TestTraceEmptyLedger(t *testing.T) {
	db := filepath.Join(t.TempDir(), "empty.db")
	// Opening creates the schema; nothing is appended.
	_, err := execute(t, "verify", db, "--policy", "testdata/policy.cue")
	require.NoError(t, err)

	out, err := execute(t, "trace", db)
	require.NoError(t, err)
	assert.Contains(t, out, "empty chain")
}
