package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetConductorHome returns the conductor home directory. Priority order:
//  1. CONDUCTOR_HOME environment variable, if set (returned as is)
//  2. <repo root>/.conductor, where the repo root is detected by walking up
//     for a .conductor-root marker or a go.mod naming this module
//  3. <current working directory>/.conductor, as a fallback
//
// In cases 2 and 3 the directory is created if it doesn't exist.
func GetConductorHome() (string, error) {
	if home := os.Getenv("CONDUCTOR_HOME"); home != "" {
		return home, nil
	}

	root, err := findConductorRepoRoot()
	if err != nil || root == "" {
		root, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
	}

	home := filepath.Join(root, ".conductor")
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create conductor home directory: %w", err)
	}
	return home, nil
}

// findConductorRepoRoot walks up from the working directory looking for a
// .conductor-root marker file or a go.mod naming this module.
func findConductorRepoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		if _, err := os.Stat(filepath.Join(current, ".conductor-root")); err == nil {
			return current, nil
		}

		if data, err := os.ReadFile(filepath.Join(current, "go.mod")); err == nil {
			if strings.Contains(string(data), "github.com/JeromySt/dagconductor") {
				return current, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", fmt.Errorf("conductor repository root not found (looking for .conductor-root or go.mod with github.com/JeromySt/dagconductor)")
}

// GetHistoryDBPath returns the absolute path to the attempt-history SQLite
// database under the conductor home directory.
func GetHistoryDBPath() (string, error) {
	home, err := GetConductorHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "history", "attempts.db"), nil
}
