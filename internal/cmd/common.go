package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/JeromySt/dagconductor/internal/clock"
	"github.com/JeromySt/dagconductor/internal/config"
	"github.com/JeromySt/dagconductor/internal/executor"
	"github.com/JeromySt/dagconductor/internal/gitops"
	"github.com/JeromySt/dagconductor/internal/logger"
	"github.com/JeromySt/dagconductor/internal/rpc"
	"github.com/JeromySt/dagconductor/internal/runner"
	"github.com/JeromySt/dagconductor/internal/store"
	"github.com/JeromySt/dagconductor/internal/worktree"
)

// loadConfig resolves a Config from an explicit --config path, falling back
// to the conductor home's config.yaml.
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		cfg, err := config.LoadConfig(explicitPath)
		if err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	cfg, err := config.LoadConfigFromHome()
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// buildLogger constructs the console+file multi-logger every live command
// drives the runner with, and a cleanup func to close the file logger.
func buildLogger(cfg *config.Config, storageRoot string) (runner.Logger, func(), error) {
	console := logger.NewConsoleLogger(os.Stdout, cfg.LogLevel)

	logDir := cfg.LogDir
	if !filepath.IsAbs(logDir) {
		logDir = filepath.Join(storageRoot, logDir)
	}
	file, err := logger.NewFileLoggerWithDirAndLevel(logDir, cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("create file logger: %w", err)
	}

	return logger.NewMultiLogger(console, file), func() { file.Close() }, nil
}

// server bundles the live collaborators needed to run or inspect plans
// against a single repo, built fresh for each CLI invocation.
type server struct {
	Runner  *runner.Runner
	RPC     *rpc.Server
	cleanup func()
}

// buildServer wires a runner.Runner and rpc.Server against repoPath, loading
// every plan persisted under cfg's storage root (§4.6 initialize()).
func buildServer(cfg *config.Config, repoPath string) (*server, error) {
	storageRoot := cfg.StorageRoot
	if !filepath.IsAbs(storageRoot) {
		abs, err := filepath.Abs(storageRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve storage root: %w", err)
		}
		storageRoot = abs
	}

	st, err := store.New(storageRoot)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	historyPath, err := config.GetHistoryDBPath()
	if err != nil {
		return nil, fmt.Errorf("resolve history db path: %w", err)
	}
	history, err := store.NewHistoryStore(historyPath)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	log, cleanupLog, err := buildLogger(cfg, storageRoot)
	if err != nil {
		return nil, err
	}

	gitRunner := gitops.NewCommandRunner()
	repo := gitops.NewRepo(repoPath, gitRunner)
	wt := worktree.New(repoPath, gitRunner, worktree.Config{
		MergeStrategy:      gitops.MergeStrategy(cfg.MergeConflictStrategy),
		TargetBranchPrefix: cfg.TargetBranchPrefix,
	})

	r := runner.New(runner.Deps{
		Store:     st,
		History:   history,
		Worktrees: wt,
		Branches:  repo,
		Executor:  executor.NewPhaseExecutor(gitRunner),
		Clock:     clock.System{},
		Logger:    log,
		Config:    runner.Config{GlobalMaxParallel: cfg.GlobalMaxParallel},
	})

	if err := r.Initialize(); err != nil {
		cleanupLog()
		return nil, fmt.Errorf("initialize runner: %w", err)
	}

	return &server{
		Runner:  r,
		RPC:     rpc.New(r, st, clock.System{}),
		cleanup: cleanupLog,
	}, nil
}

func (s *server) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

func respond(resp rpc.Response) error {
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}
