package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/covenant-engine/covenant/internal/exec"
	"github.com/covenant-engine/covenant/internal/harness"
	"github.com/covenant-engine/covenant/internal/ledger"
)

// RunReport summarizes an executed scenario.
type RunReport struct {
	Scenario  string `json:"scenario"`
	Steps     int    `json:"steps"`
	FinalDebt int64  `json:"final_debt"`
	HeadHash  string `json:"head_hash"`
	Ledger    string `json:"ledger,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Execute a scenario and commit its receipt chain",
		Long: `Execute a scenario end to end: plan batches, run kernels, gate every
commit against the debt law, and append receipts. With --db the chain is
persisted to a SQLite ledger that the verify command can audit later.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(rootOpts, args[0], dbPath, cmd)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the ledger database to write")
	return cmd
}

func runRun(opts *RootOptions, path, dbPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	s, err := harness.LoadScenario(path)
	if err != nil {
		formatter.Error(ErrCodeScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "loading scenario", err)
	}

	var engineOpts []exec.Option
	if dbPath != "" {
		store, err := ledger.Open(dbPath)
		if err != nil {
			formatter.Error(ErrCodeLedger, err.Error(), nil)
			return WrapExitError(ExitCommandError, "opening ledger", err)
		}
		defer store.Close()
		engineOpts = append(engineOpts, exec.WithStore(store))
	}

	result, err := harness.Run(s, engineOpts...)
	if err != nil {
		formatter.Error(ErrCodePolicy, err.Error(), nil)
		return WrapExitError(ExitCommandError, "running scenario", err)
	}
	if result.RunErr != nil {
		formatter.Error(ErrCodeRun, result.RunErr.Error(), nil)
		return WrapExitError(ExitFailure, "run halted", result.RunErr)
	}

	report := &RunReport{
		Scenario:  s.Name,
		Steps:     len(result.Receipts),
		FinalDebt: result.Final.Debt.Int64(),
		Ledger:    dbPath,
	}
	if n := len(result.Receipts); n > 0 {
		report.HeadHash = result.Receipts[n-1].Hash
	}

	formatter.VerboseLog("committed %d steps", report.Steps)
	return formatter.Success(report, renderRun(report))
}

func renderRun(r *RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s: %d steps committed, final debt %d", r.Scenario, r.Steps, r.FinalDebt)
	if r.HeadHash != "" {
		fmt.Fprintf(&b, "\nhead: %s", r.HeadHash)
	}
	if r.Ledger != "" {
		fmt.Fprintf(&b, "\nledger: %s", r.Ledger)
	}
	return b.String()
}
