// Package config loads and validates the runner's ambient policy: worktree
// layout, merge-conflict strategy, parallelism caps, console/log settings
// (§1 ambient stack).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConsoleConfig controls terminal output formatting.
type ConsoleConfig struct {
	EnableColor       bool `yaml:"enable_color"`
	EnableProgressBar bool `yaml:"enable_progress_bar"`
	ShowDurations     bool `yaml:"show_durations"`
	CompactMode       bool `yaml:"compact_mode"`
}

// Config is conductor's top-level configuration (§1 ambient stack, §4.1
// plan-level defaults).
type Config struct {
	// GlobalMaxParallel caps the number of nodes running at once across every
	// plan the runner owns (§5 scheduling model).
	GlobalMaxParallel int `yaml:"global_max_parallel"`

	// DefaultMaxParallel is a plan's maxParallel when its spec omits one
	// (0 = no plan-local cap, bounded only by GlobalMaxParallel).
	DefaultMaxParallel int `yaml:"default_max_parallel"`

	// MergeConflictStrategy is the `git merge -X <strategy>` argument used
	// for forward/reverse integration (§4.3/§4.4).
	MergeConflictStrategy string `yaml:"merge_conflict_strategy"`

	// WorktreeRootPrefix names the directory (relative to StorageRoot, unless
	// absolute) under which per-plan worktree roots are created.
	WorktreeRootPrefix string `yaml:"worktree_root_prefix"`

	// TargetBranchPrefix names the branch namespace a plan's resolved target
	// branch falls under when a plan doesn't name one explicitly.
	TargetBranchPrefix string `yaml:"target_branch_prefix"`

	// CleanUpSuccessfulWorkDefault is a plan's cleanUpSuccessfulWork when its
	// spec leaves the field unset.
	CleanUpSuccessfulWorkDefault bool `yaml:"cleanup_successful_work_default"`

	// StorageRoot is the directory plans, logs, and the attempt-history
	// database are persisted under.
	StorageRoot string `yaml:"storage_root"`

	// LogLevel sets logging verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory FileLogger writes to, relative to StorageRoot
	// unless absolute.
	LogDir string `yaml:"log_dir"`

	Console ConsoleConfig `yaml:"console"`
}

// DefaultConsoleConfig returns ConsoleConfig with sensible defaults.
func DefaultConsoleConfig() ConsoleConfig {
	return ConsoleConfig{
		EnableColor:       true,
		EnableProgressBar: true,
		ShowDurations:     true,
		CompactMode:       false,
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GlobalMaxParallel:            8,
		DefaultMaxParallel:           0,
		MergeConflictStrategy:        "theirs",
		WorktreeRootPrefix:           "worktrees",
		TargetBranchPrefix:           "conductor",
		CleanUpSuccessfulWorkDefault: true,
		StorageRoot:                  ".conductor",
		LogLevel:                     "info",
		LogDir:                       "logs",
		Console:                      DefaultConsoleConfig(),
	}
}

// applyConsoleEnvOverrides applies environment variable overrides to console
// configuration (highest priority). Only "true" or "1" are recognized as
// true; any other value is false.
//
// Recognized variables: CONDUCTOR_CONSOLE_COLOR, CONDUCTOR_CONSOLE_PROGRESS_BAR,
// CONDUCTOR_CONSOLE_DURATIONS, CONDUCTOR_CONSOLE_COMPACT.
func applyConsoleEnvOverrides(cfg *ConsoleConfig) {
	if val := os.Getenv("CONDUCTOR_CONSOLE_COLOR"); val != "" {
		cfg.EnableColor = val == "true" || val == "1"
	}
	if val := os.Getenv("CONDUCTOR_CONSOLE_PROGRESS_BAR"); val != "" {
		cfg.EnableProgressBar = val == "true" || val == "1"
	}
	if val := os.Getenv("CONDUCTOR_CONSOLE_DURATIONS"); val != "" {
		cfg.ShowDurations = val == "true" || val == "1"
	}
	if val := os.Getenv("CONDUCTOR_CONSOLE_COMPACT"); val != "" {
		cfg.CompactMode = val == "true" || val == "1"
	}
}

// yamlConfig mirrors Config's YAML shape. LoadConfig copies only its non-zero
// fields over the defaults, and checks the raw key map for the boolean fields
// so that an explicit false is told apart from an omitted key.
type yamlConfig struct {
	GlobalMaxParallel            int           `yaml:"global_max_parallel"`
	DefaultMaxParallel           int           `yaml:"default_max_parallel"`
	MergeConflictStrategy        string        `yaml:"merge_conflict_strategy"`
	WorktreeRootPrefix           string        `yaml:"worktree_root_prefix"`
	TargetBranchPrefix           string        `yaml:"target_branch_prefix"`
	CleanUpSuccessfulWorkDefault bool          `yaml:"cleanup_successful_work_default"`
	StorageRoot                  string        `yaml:"storage_root"`
	LogLevel                     string        `yaml:"log_level"`
	LogDir                       string        `yaml:"log_dir"`
	Console                      ConsoleConfig `yaml:"console"`
}

// LoadConfig loads configuration from path, merging over DefaultConfig.
// A missing file yields defaults (with env overrides) rather than an error;
// a malformed file is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		applyConsoleEnvOverrides(&cfg.Console)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if yamlCfg.GlobalMaxParallel != 0 {
		cfg.GlobalMaxParallel = yamlCfg.GlobalMaxParallel
	}
	if yamlCfg.DefaultMaxParallel != 0 {
		cfg.DefaultMaxParallel = yamlCfg.DefaultMaxParallel
	}
	if yamlCfg.MergeConflictStrategy != "" {
		cfg.MergeConflictStrategy = yamlCfg.MergeConflictStrategy
	}
	if yamlCfg.WorktreeRootPrefix != "" {
		cfg.WorktreeRootPrefix = yamlCfg.WorktreeRootPrefix
	}
	if yamlCfg.TargetBranchPrefix != "" {
		cfg.TargetBranchPrefix = yamlCfg.TargetBranchPrefix
	}
	if yamlCfg.StorageRoot != "" {
		cfg.StorageRoot = yamlCfg.StorageRoot
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.LogDir != "" {
		cfg.LogDir = yamlCfg.LogDir
	}

	var rawMap map[string]interface{}
	if err := yaml.Unmarshal(data, &rawMap); err == nil {
		if _, exists := rawMap["cleanup_successful_work_default"]; exists {
			cfg.CleanUpSuccessfulWorkDefault = yamlCfg.CleanUpSuccessfulWorkDefault
		}
		if consoleSection, exists := rawMap["console"]; exists && consoleSection != nil {
			consoleMap, _ := consoleSection.(map[string]interface{})
			if _, exists := consoleMap["enable_color"]; exists {
				cfg.Console.EnableColor = yamlCfg.Console.EnableColor
			}
			if _, exists := consoleMap["enable_progress_bar"]; exists {
				cfg.Console.EnableProgressBar = yamlCfg.Console.EnableProgressBar
			}
			if _, exists := consoleMap["show_durations"]; exists {
				cfg.Console.ShowDurations = yamlCfg.Console.ShowDurations
			}
			if _, exists := consoleMap["compact_mode"]; exists {
				cfg.Console.CompactMode = yamlCfg.Console.CompactMode
			}
		}
	}

	applyConsoleEnvOverrides(&cfg.Console)
	return cfg, nil
}

// LoadConfigFromHome loads .conductor/config.yaml from the conductor home
// directory resolved by GetConductorHome.
func LoadConfigFromHome() (*Config, error) {
	home, err := GetConductorHome()
	if err != nil {
		return nil, err
	}
	return LoadConfig(filepath.Join(home, "config.yaml"))
}

// ResolvedWorktreeRoot returns the absolute worktree root a plan should use
// when its spec doesn't name one explicitly.
func (c *Config) ResolvedWorktreeRoot() string {
	if filepath.IsAbs(c.WorktreeRootPrefix) {
		return c.WorktreeRootPrefix
	}
	return filepath.Join(c.StorageRoot, c.WorktreeRootPrefix)
}

// Validate validates the configuration values.
func (c *Config) Validate() error {
	if c.GlobalMaxParallel < 0 {
		return fmt.Errorf("global_max_parallel must be >= 0, got %d", c.GlobalMaxParallel)
	}
	if c.DefaultMaxParallel < 0 {
		return fmt.Errorf("default_max_parallel must be >= 0, got %d", c.DefaultMaxParallel)
	}
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root must not be empty")
	}
	validStrategies := map[string]bool{"ours": true, "theirs": true}
	if !validStrategies[c.MergeConflictStrategy] {
		return fmt.Errorf("invalid merge_conflict_strategy %q, must be one of: ours, theirs", c.MergeConflictStrategy)
	}
	return nil
}
