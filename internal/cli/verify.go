package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/covenant-engine/covenant/internal/ledger"
	"github.com/covenant-engine/covenant/internal/policy"
	"github.com/covenant-engine/covenant/internal/verify"
)

// VerifyReport is the verify command's output.
type VerifyReport struct {
	Pass     bool             `json:"pass"`
	Steps    int              `json:"steps"`
	Findings []verify.Finding `json:"findings,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var policyPath string

	cmd := &cobra.Command{
		Use:   "verify <ledger.db>",
		Short: "Replay a receipt chain against a declared policy",
		Long: `Audit a ledger without trusting it: recompute every receipt hash, re-walk
the chain linkage, re-derive every debt transition in exact arithmetic,
and confirm the chain binds the declared policy. Exit code 1 means the
chain has findings.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, args[0], policyPath, cmd)
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "", "path to the CUE policy bundle (required)")
	cmd.MarkFlagRequired("policy")
	return cmd
}

func runVerify(opts *RootOptions, dbPath, policyPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	src, err := os.ReadFile(policyPath)
	if err != nil {
		formatter.Error(ErrCodePolicy, err.Error(), nil)
		return WrapExitError(ExitCommandError, "reading policy", err)
	}
	bundle, err := policy.CompileBundleSource(string(src))
	if err != nil {
		formatter.Error(ErrCodePolicy, err.Error(), nil)
		return WrapExitError(ExitCommandError, "compiling policy", err)
	}

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
	formatter.VerboseLog("read %d receipts from %s", len(rows), dbPath)

	v, err := verify.New(bundle)
	if err != nil {
		formatter.Error(ErrCodePolicy, err.Error(), nil)
		return WrapExitError(ExitCommandError, "preparing verifier", err)
	}
	rep, err := v.Verify(cmd.Context(), rows)
	if err != nil {
		formatter.Error(ErrCodeVerify, err.Error(), nil)
		return WrapExitError(ExitCommandError, "verifying chain", err)
	}

	report := &VerifyReport{Pass: rep.Pass, Steps: rep.Steps, Findings: rep.Findings}
	if !rep.Pass {
		formatter.Success(report, renderVerify(report))
		return NewExitError(ExitFailure, fmt.Sprintf("%d finding(s)", len(rep.Findings)))
	}
	return formatter.Success(report, renderVerify(report))
}

func renderVerify(r *VerifyReport) string {
	if r.Pass {
		return fmt.Sprintf("PASS: %d receipts verified", r.Steps)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FAIL: %d receipts, %d finding(s)\n", r.Steps, len(r.Findings))
	for _, f := range r.Findings {
		fmt.Fprintf(&b, "  %s\n", f)
	}
	return strings.TrimRight(b.String(), "\n")
}
