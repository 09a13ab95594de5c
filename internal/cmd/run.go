package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JeromySt/dagconductor/internal/model"
	"github.com/JeromySt/dagconductor/internal/rpc"
)

// NewRunCommand creates the run subcommand: build a plan from a YAML plan
// file, start it, and block until it reaches a terminal status.
func NewRunCommand() *cobra.Command {
	var configPath string
	var repoPath string
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Run a DAG plan file to completion",
		Long: `Run parses a YAML plan file describing a set of job nodes and their
dependencies, builds it into a plan, starts execution, and blocks until every
node reaches a terminal state (or the process receives an interrupt, which
cancels the plan in place).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args[0], configPath, repoPath, pollInterval)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to conductor home)")
	cmd.Flags().StringVar(&repoPath, "repo", "", "git repository root the plan operates against (defaults to cwd)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 500*time.Millisecond, "how often to poll plan status while waiting")

	return cmd
}

func runPlan(cmd *cobra.Command, planFile, configPath, repoPath string, pollInterval time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if repoPath == "" {
		repoPath, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
	}
	repoPath, err = filepath.Abs(repoPath)
	if err != nil {
		return fmt.Errorf("resolve repo path: %w", err)
	}

	req, err := decodePlanFile(planFile)
	if err != nil {
		return fmt.Errorf("load plan file %s: %w", planFile, err)
	}

	srv, err := buildServer(cfg, repoPath)
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}
	defer srv.Close()

	createResp := srv.RPC.CreatePlan(req)
	if err := respond(createResp); err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	planID := createResp.Data.(map[string]interface{})["id"].(string)

	if err := srv.Runner.StartPlan(planID); err != nil {
		return fmt.Errorf("start plan: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	status := waitForTerminal(ctx, srv, planID, pollInterval, cmd)

	fmt.Fprintf(cmd.OutOrStdout(), "plan %s finished: %s\n", planID, status)
	if status != model.PlanSucceeded {
		return fmt.Errorf("plan %s did not succeed: %s", planID, status)
	}
	return nil
}

// waitForTerminal polls the plan's aggregate status until it reaches a
// terminal state, or ctx is canceled (in which case it cancels the plan and
// waits for the cancellation to settle).
func waitForTerminal(ctx context.Context, srv *server, planID string, pollInterval time.Duration, cmd *cobra.Command) model.PlanStatus {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil // already canceling; stop selecting on a closed channel
			fmt.Fprintf(cmd.ErrOrStderr(), "interrupted, canceling plan %s\n", planID)
			_ = srv.Runner.CancelPlan(planID)
		case <-ticker.C:
			status := planStatus(srv, planID)
			if isTerminalPlanStatus(status) {
				return status
			}
		}
	}
}

func planStatus(srv *server, planID string) model.PlanStatus {
	resp := srv.RPC.GetPlanStatus(rpc.PlanIDRequest{ID: planID})
	if !resp.Success {
		return model.PlanFailed
	}
	raw, _ := resp.Data.(map[string]interface{})["status"].(model.PlanStatus)
	return raw
}

func isTerminalPlanStatus(status model.PlanStatus) bool {
	switch status {
	case model.PlanSucceeded, model.PlanFailed, model.PlanPartial, model.PlanCanceled:
		return true
	default:
		return false
	}
}

// decodePlanFile reads and YAML-decodes a plan file into a CreatePlanRequest.
func decodePlanFile(path string) (rpc.CreatePlanRequest, error) {
	var req rpc.CreatePlanRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse yaml: %w", err)
	}
	return req, nil
}
