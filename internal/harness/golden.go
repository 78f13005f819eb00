package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/ledger"
)

// snapshotValue lays the trace out as a canonical value. The snapshot
// deliberately carries the arithmetic of every step but none of the
// content hashes: hashes are covered by their own tests, and keeping
// them out of golden files means an encoding change does not churn
// every scenario at once.
func snapshotValue(name, token string, receipts []ledger.Receipt) canon.Object {
	steps := make(canon.Array, 0, len(receipts))
	for _, r := range receipts {
		steps = append(steps, canon.Object{
			"step_index":  canon.Int(r.StepIndex),
			"decision":    canon.String(r.Decision),
			"batch_width": canon.Int(int64(len(r.BatchOps))),
			"debt_before": canon.Int(r.DebtBefore.Int64()),
			"debt_after":  canon.Int(r.DebtAfter.Int64()),
			"service":     canon.Int(r.Service.Int64()),
			"budget":      canon.Int(r.Budget.Int64()),
			"disturbance": canon.Int(r.Disturbance.Int64()),
			"failures":    canon.Int(int64(len(r.FailureHashes))),
		})
	}
	return canon.Object{
		"name":  canon.String(name),
		"token": canon.String(token),
		"steps": steps,
	}
}

// RunWithGolden executes a scenario, checks its expectations, and
// compares the trace snapshot against testdata/golden/{name}.golden.
// Regenerate with: go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) {
	t.Helper()

	result, err := Run(s)
	if err != nil {
		t.Fatalf("running scenario %s: %v", s.Name, err)
	}
	if err := result.Check(s); err != nil {
		t.Fatalf("scenario %s: %v", s.Name, err)
	}

	token := s.RunToken
	if token == "" {
		token = defaultRunToken
	}
	snapshot, err := canon.MarshalCanonical(snapshotValue(s.Name, token, result.Receipts))
	if err != nil {
		t.Fatalf("encoding snapshot: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, snapshot)
}
