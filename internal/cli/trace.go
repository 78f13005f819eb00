package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/covenant-engine/covenant/internal/ledger"
)

// TraceEntry is one receipt rendered for inspection.
type TraceEntry struct {
	StepIndex   int64    `json:"step_index"`
	Hash        string   `json:"hash"`
	PrevHash    string   `json:"prev_hash"`
	Decision    string   `json:"decision"`
	BatchOps    []string `json:"batch_ops"`
	DebtBefore  int64    `json:"debt_before"`
	DebtAfter   int64    `json:"debt_after"`
	Service     int64    `json:"service"`
	Budget      int64    `json:"budget"`
	Disturbance int64    `json:"disturbance"`
	Failures    int      `json:"failures"`
	RunToken    string   `json:"run_token"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <ledger.db>",
		Short: "Print a ledger's receipt chain",
		Long: `Decode every stored receipt and print the chain in step order. The trace
shows the committed arithmetic of each step; use verify to actually
audit it.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runTrace(opts *RootOptions, dbPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	store, err := ledger.Open(dbPath)
	if err != nil {
		formatter.Error(ErrCodeLedger, err.Error(), nil)
		return WrapExitError(ExitCommandError, "opening ledger", err)
	}
	defer store.Close()

	rows, err := store.ReadAll(cmd.Context())
	if err != nil {
		formatter.Error(ErrCodeLedger, err.Error(), nil)
		return WrapExitError(ExitCommandError, "reading ledger", err)
	}

	entries := make([]TraceEntry, 0, len(rows))
	for _, row := range rows {
		r, err := ledger.DecodeBody(row.Body, row.Hash)
		if err != nil {
			formatter.Error(ErrCodeLedger,
				fmt.Sprintf("step %d: %v", row.StepIndex, err), nil)
			return WrapExitError(ExitFailure, "decoding receipt", err)
		}
		entries = append(entries, TraceEntry{
			StepIndex:   r.StepIndex,
			Hash:        r.Hash,
			PrevHash:    r.PrevHash,
			Decision:    r.Decision,
			BatchOps:    r.BatchOps,
			DebtBefore:  r.DebtBefore.Int64(),
			DebtAfter:   r.DebtAfter.Int64(),
			Service:     r.Service.Int64(),
			Budget:      r.Budget.Int64(),
			Disturbance: r.Disturbance.Int64(),
			Failures:    len(r.FailureHashes),
			RunToken:    r.RunToken,
		})
	}

	return formatter.Success(entries, renderTrace(entries))
}

func renderTrace(entries []TraceEntry) string {
	if len(entries) == 0 {
		return "empty chain"
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "step %d  %s  width=%d  debt %d -> %d (service %d, budget %d, disturbance %d)",
			e.StepIndex, e.Decision, len(e.BatchOps), e.DebtBefore, e.DebtAfter,
			e.Service, e.Budget, e.Disturbance)
		if e.Failures > 0 {
			fmt.Fprintf(&b, "  failures=%d", e.Failures)
		}
		fmt.Fprintf(&b, "\n  %s\n", e.Hash)
	}
	return strings.TrimRight(b.String(), "\n")
}
