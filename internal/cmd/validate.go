package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JeromySt/dagconductor/internal/planbuilder"
	"github.com/JeromySt/dagconductor/internal/rpc"
)

// NewValidateCommand creates the validate subcommand: parse a plan file and
// build it into a PlanInstance without starting execution, reporting any
// structural error (cycles, duplicate producer ids, unknown dependencies,
// malformed work specs).
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Validate a plan file without running it",
		Long: `Validate parses a YAML plan file and builds it the same way run does,
but stops short of starting execution. It reports the resolved node, root and
leaf counts on success, or the validation error otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validatePlanFile(cmd, args[0])
		},
	}
	return cmd
}

func validatePlanFile(cmd *cobra.Command, planFile string) error {
	req, err := decodePlanFile(planFile)
	if err != nil {
		return fmt.Errorf("load plan file %s: %w", planFile, err)
	}

	spec, err := rpc.ToPlanSpec(req)
	if err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	repoPath, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	plan, err := planbuilder.BuildPlan(spec, planbuilder.BuildOpts{RepoPath: repoPath})
	if err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "plan %q is valid: %d node(s), %d root(s), %d leaf/leaves\n",
		plan.Spec.Name, len(plan.Nodes), len(plan.Roots), len(plan.Leaves))
	return nil
}
