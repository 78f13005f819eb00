package cli

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeOtherPolicy writes a valid policy that differs from
// testdata/policy.cue in law and admissibility bound.
func writeOtherPolicy(t *testing.T, path string) {
	t.Helper()
	src := `policy: {
	debt_scale:  1
	epsilon_hat: "500"
	law:         "service.identity"
	disturbance: "disturbance.dp0"
	matrix: {
		dim: 2
	}
	contracts: [{
		id:     "c.track"
		weight: 1
		target: 0
		sigma:  1
		terms: [{field: "f:00000000000000000000000000000001", coeff: 1}]
	}]
}
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
}
