package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JeromySt/dagconductor/internal/rpc"
)

// NewNodeCommand groups the node-level control-plane operations of §6 as
// CLI subcommands: details, logs, attempts, retry, failure-context, add.
func NewNodeCommand() *cobra.Command {
	var configPath, repoPath string

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect and control individual nodes within a plan",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "details <plan-id> <node-id>",
		Short: "Show a node's spec and current execution state",
		Args:  cobra.ExactArgs(2),
		RunE: withServer(func(c *cobra.Command, args []string, srv *server) error {
			return printResponse(c, srv.RPC.GetNodeDetails(rpc.NodeRequest{PlanID: args[0], NodeID: args[1]}))
		}),
	})

	var tail int
	var offset int64
	logsCmd := &cobra.Command{
		Use:   "logs <plan-id> <node-id>",
		Short: "Read a node's execution log",
		Args:  cobra.ExactArgs(2),
		RunE: withServer(func(c *cobra.Command, args []string, srv *server) error {
			return printResponse(c, srv.RPC.GetNodeLogs(rpc.GetNodeLogsRequest{
				PlanID: args[0], NodeID: args[1], Tail: tail, Offset: offset,
			}))
		}),
	}
	logsCmd.Flags().IntVar(&tail, "tail", 0, "trim to the last N log entries when offset is zero")
	logsCmd.Flags().Int64Var(&offset, "offset", 0, "resume reading at this byte offset")
	cmd.AddCommand(logsCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "attempts <plan-id> <node-id>",
		Short: "Show a node's full attempt history",
		Args:  cobra.ExactArgs(2),
		RunE: withServer(func(c *cobra.Command, args []string, srv *server) error {
			return printResponse(c, srv.RPC.GetNodeAttempts(rpc.NodeRequest{PlanID: args[0], NodeID: args[1]}))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <plan-id> <node-id>",
		Short: "Reset a terminal node back to pending and wake its plan",
		Args:  cobra.ExactArgs(2),
		RunE: withServer(func(c *cobra.Command, args []string, srv *server) error {
			return printResponse(c, srv.RPC.RetryPlanNode(rpc.NodeRequest{PlanID: args[0], NodeID: args[1]}))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "failure-context <plan-id> <node-id>",
		Short: "Show everything recorded about a node's most recent failure",
		Args:  cobra.ExactArgs(2),
		RunE: withServer(func(c *cobra.Command, args []string, srv *server) error {
			return printResponse(c, srv.RPC.GetNodeFailureContext(rpc.NodeRequest{PlanID: args[0], NodeID: args[1]}))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <plan-id> <producer-id> <task>",
		Short: "Append one job node to an existing, still-modifiable plan",
		Args:  cobra.ExactArgs(3),
		RunE: withServer(func(c *cobra.Command, args []string, srv *server) error {
			node := rpc.JobNodeSpecWire{ProducerID: args[1], Task: args[2]}
			return printResponse(c, srv.RPC.AddNode(rpc.AddNodeRequest{PlanID: args[0], Nodes: []rpc.JobNodeSpecWire{node}}))
		}),
	})

	return cmd
}
