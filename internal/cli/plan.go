package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/covenant-engine/covenant/internal/graph"
	"github.com/covenant-engine/covenant/internal/harness"
	"github.com/covenant-engine/covenant/internal/op"
	"github.com/covenant-engine/covenant/internal/sched"
)

// PlanReport is the plan command's output: the dependency graph
// summary plus the batch schedule the greedy planner would commit if
// every batch were accepted.
type PlanReport struct {
	Ops     int           `json:"ops"`
	Edges   int           `json:"edges"`
	Digest  string        `json:"graph_digest"`
	Batches []PlannedStep `json:"batches"`
}

// PlannedStep is one step of the projected schedule.
type PlannedStep struct {
	Step int      `json:"step"`
	Ops  []string `json:"ops"`
	Mode string   `json:"mode"`
	Cost string   `json:"cost"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <scenario.yaml>",
		Short: "Project the batch schedule without executing",
		Long: `Resolve a scenario's operations into a dependency graph and project the
batch schedule the planner would commit. No kernels run and no ledger is
written; the report shows how hazards, control edges, and curvature
interact before anything is executed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runPlan(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	s, err := harness.LoadScenario(path)
	if err != nil {
		formatter.Error(ErrCodeScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "loading scenario", err)
	}
	p, err := harness.Compile(s)
	if err != nil {
		formatter.Error(ErrCodePolicy, err.Error(), nil)
		return WrapExitError(ExitCommandError, "compiling scenario", err)
	}

	report, err := projectSchedule(p)
	if err != nil {
		formatter.Error(ErrCodeScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "projecting schedule", err)
	}

	formatter.VerboseLog("resolved %d ops, %d edges", report.Ops, report.Edges)
	return formatter.Success(report, renderPlan(report))
}

// projectSchedule walks the graph in waves, planning each frontier as
// the engine would and assuming every batch commits.
func projectSchedule(p *harness.Program) (*PlanReport, error) {
	digest, err := p.Graph.Digest()
	if err != nil {
		return nil, err
	}
	report := &PlanReport{
		Ops:    p.Graph.Len(),
		Edges:  len(p.Graph.Edges()),
		Digest: digest,
	}

	committed := make(map[string]bool, p.Graph.Len())
	for len(committed) < p.Graph.Len() {
		var ready []op.Operation
		for _, id := range p.Graph.Order() {
			if committed[id] {
				continue
			}
			if allCommitted(p.Graph, id, committed) {
				o, _ := p.Graph.Node(id)
				ready = append(ready, o)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("graph stalled with %d of %d ops planned", len(committed), p.Graph.Len())
		}

		batch, err := sched.PlanStep(ready, p.Bundle.Matrix, p.Bundle.Limits.MaxBatchWidth, nil)
		if err != nil {
			return nil, err
		}
		report.Batches = append(report.Batches, PlannedStep{
			Step: len(report.Batches),
			Ops:  batch.IDs(),
			Mode: string(batch.Mode()),
			Cost: batch.TotalCost().RatString(),
		})
		for _, id := range batch.IDs() {
			committed[id] = true
		}
	}
	return report, nil
}

func allCommitted(g *graph.Graph, id string, committed map[string]bool) bool {
	for _, pred := range g.Predecessors(id) {
		if !committed[pred] {
			return false
		}
	}
	return true
}

func renderPlan(r *PlanReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "graph: %d ops, %d edges, digest %s\n", r.Ops, r.Edges, r.Digest)
	for _, step := range r.Batches {
		fmt.Fprintf(&b, "step %d [%s, cost %s]:\n", step.Step, step.Mode, step.Cost)
		for _, id := range step.Ops {
			fmt.Fprintf(&b, "  %s\n", id)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
