package config

import (
	"path/filepath"
	"testing"
)

func TestGetConductorHomeWithEnvVar(t *testing.T) {
	customHome := t.TempDir()
	t.Setenv("CONDUCTOR_HOME", customHome)

	home, err := GetConductorHome()
	if err != nil {
		t.Fatalf("GetConductorHome() error = %v", err)
	}
	if home != customHome {
		t.Errorf("GetConductorHome() = %q, want %q", home, customHome)
	}
}

func TestGetConductorHomeFallsBackToWorkingDirectory(t *testing.T) {
	t.Setenv("CONDUCTOR_HOME", "")
	dir := t.TempDir()
	t.Chdir(dir)

	home, err := GetConductorHome()
	if err != nil {
		t.Fatalf("GetConductorHome() error = %v", err)
	}

	expected := filepath.Join(dir, ".conductor")
	if home != expected {
		t.Errorf("GetConductorHome() = %q, want %q", home, expected)
	}
}

func TestGetHistoryDBPath(t *testing.T) {
	customHome := t.TempDir()
	t.Setenv("CONDUCTOR_HOME", customHome)

	dbPath, err := GetHistoryDBPath()
	if err != nil {
		t.Fatalf("GetHistoryDBPath() error = %v", err)
	}

	expected := filepath.Join(customHome, "history", "attempts.db")
	if dbPath != expected {
		t.Errorf("GetHistoryDBPath() = %q, want %q", dbPath, expected)
	}
}
