package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for conductor.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "DAG-based multi-agent orchestration system",
		Long: `Conductor executes implementation plans structured as a directed acyclic
graph of job nodes, spawning and supervising one coding-agent session per node
in its own git worktree, merging completed work forward as dependent nodes
become ready.

Plans are YAML files naming a set of job nodes, each with its own
dependencies, work spec, and pre/post checks; conductor resolves the
dependency graph, schedules nodes as their dependencies complete, and merges
finished work into a shared target branch.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewPlanCommand())
	cmd.AddCommand(NewNodeCommand())

	return cmd
}
