package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/covenant-engine/covenant/internal/policy"
)

// PolicyDigests carries the content identities of a compiled bundle.
type PolicyDigests struct {
	Policy    string `json:"policy_digest"`
	Matrix    string `json:"matrix_digest"`
	Contracts string `json:"contracts_id"`
	Law       string `json:"law_id"`
	Rounding  string `json:"rounding_id"`
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect CUE policy bundles",
	}
	cmd.AddCommand(newPolicyValidateCommand(rootOpts))
	cmd.AddCommand(newPolicyDigestCommand(rootOpts))
	return cmd
}

func newPolicyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate <policy.cue>",
		Short:         "Compile a policy bundle and report errors",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if _, err := compilePolicy(args[0]); err != nil {
				formatter.Error(ErrCodePolicy, err.Error(), nil)
				return WrapExitError(ExitFailure, "invalid policy", err)
			}
			return formatter.Success(map[string]bool{"valid": true}, "policy is valid")
		},
	}
}

func newPolicyDigestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "digest <policy.cue>",
		Short:         "Print the content digests a chain binds",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			bundle, err := compilePolicy(args[0])
			if err != nil {
				formatter.Error(ErrCodePolicy, err.Error(), nil)
				return WrapExitError(ExitFailure, "invalid policy", err)
			}

			d := &PolicyDigests{
				Law:      bundle.Law.ID(),
				Rounding: bundle.RoundingID,
			}
			if d.Policy, err = bundle.Digest(); err != nil {
				return WrapExitError(ExitCommandError, "digesting policy", err)
			}
			if d.Matrix, err = bundle.MatrixDigest(); err != nil {
				return WrapExitError(ExitCommandError, "digesting matrix", err)
			}
			if d.Contracts, err = bundle.ContractsDigest(); err != nil {
				return WrapExitError(ExitCommandError, "digesting contracts", err)
			}

			text := fmt.Sprintf("policy:    %s\nmatrix:    %s\ncontracts: %s\nlaw:       %s\nrounding:  %s",
				d.Policy, d.Matrix, d.Contracts, d.Law, d.Rounding)
			return formatter.Success(d, text)
		},
	}
}

func compilePolicy(path string) (*policy.Bundle, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}
	return policy.CompileBundleSource(string(src))
}
