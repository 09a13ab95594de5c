package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JeromySt/dagconductor/internal/rpc"
)

// NewPlanCommand groups the plan-level control-plane operations of §6 as
// CLI subcommands against the plans persisted under the configured storage
// root: list, status, cancel, delete, retry.
func NewPlanCommand() *cobra.Command {
	var configPath, repoPath string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect and control persisted plans",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to conductor home)")
	cmd.PersistentFlags().StringVar(&repoPath, "repo", "", "git repository root (defaults to cwd)")

	withServer := func(fn func(*cobra.Command, []string, *server) error) func(*cobra.Command, []string) error {
		return func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			resolvedRepo := repoPath
			if resolvedRepo == "" {
				resolvedRepo, err = os.Getwd()
				if err != nil {
					return err
				}
			}
			srv, err := buildServer(cfg, resolvedRepo)
			if err != nil {
				return fmt.Errorf("build runner: %w", err)
			}
			defer srv.Close()
			return fn(c, args, srv)
		}
	}

	var statusFilter string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every known plan, optionally filtered by status",
		RunE: withServer(func(c *cobra.Command, args []string, srv *server) error {
			return printResponse(c, srv.RPC.ListPlans(rpc.ListPlansRequest{Status: statusFilter}))
		}),
	}
	listCmd.Flags().StringVar(&statusFilter, "status", "", "filter to a single aggregate status")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show a plan's aggregate status",
		Args:  cobra.ExactArgs(1),
		RunE: withServer(func(c *cobra.Command, args []string, srv *server) error {
			return printResponse(c, srv.RPC.GetPlanStatus(rpc.PlanIDRequest{ID: args[0]}))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Cancel every non-terminal node of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: withServer(func(c *cobra.Command, args []string, srv *server) error {
			return printResponse(c, srv.RPC.CancelPlan(rpc.PlanIDRequest{ID: args[0]}))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <plan-id>",
		Short: "Delete a plan, its worktrees and its persisted state",
		Args:  cobra.ExactArgs(1),
		RunE: withServer(func(c *cobra.Command, args []string, srv *server) error {
			return printResponse(c, srv.RPC.DeletePlan(rpc.PlanIDRequest{ID: args[0]}))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <plan-id>",
		Short: "Reset every failed or blocked node of a plan for retry",
		Args:  cobra.ExactArgs(1),
		RunE: withServer(func(c *cobra.Command, args []string, srv *server) error {
			return printResponse(c, srv.RPC.RetryPlan(rpc.PlanIDRequest{ID: args[0]}))
		}),
	})

	return cmd
}

// printResponse renders an rpc.Response as indented JSON and turns a
// failure response into a non-zero exit via the returned error.
func printResponse(cmd *cobra.Command, resp rpc.Response) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if !resp.Success {
		_ = enc.Encode(resp)
		return fmt.Errorf("%s", resp.Error)
	}
	return enc.Encode(resp)
}
