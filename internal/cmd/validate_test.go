package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writePlanFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidatePlanFile_Valid(t *testing.T) {
	path := writePlanFile(t, `
name: sample-plan
jobs:
  - producerId: setup-db
    task: "set up the database schema"
  - producerId: add-api
    task: "add the API layer"
    dependencies: ["setup-db"]
`)

	cmd := NewValidateCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate returned error: %v", err)
	}
	if got := buf.String(); got == "" {
		t.Error("expected validate to print a summary")
	}
}

func TestValidatePlanFile_CyclicDependencyFails(t *testing.T) {
	path := writePlanFile(t, `
name: cyclic-plan
jobs:
  - producerId: job-a
    task: "a"
    dependencies: ["job-b"]
  - producerId: job-b
    task: "b"
    dependencies: ["job-a"]
`)

	cmd := NewValidateCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{path})

	if err := cmd.Execute(); err == nil {
		t.Error("expected validate to fail on a cyclic plan")
	}
}

func TestValidatePlanFile_MissingFile(t *testing.T) {
	cmd := NewValidateCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.yaml")})

	if err := cmd.Execute(); err == nil {
		t.Error("expected validate to fail for a missing plan file")
	}
}
