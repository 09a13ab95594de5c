package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommand_HelpMentionsConductor(t *testing.T) {
	cmd := NewRootCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	_ = cmd.Execute()

	output := buf.String()
	if !strings.Contains(strings.ToLower(output), "conductor") {
		t.Errorf("help text should mention conductor, got: %s", output)
	}
}

func TestRootCommand_RegistersExpectedSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{"run", "validate", "plan", "node"} {
		if !names[want] {
			t.Errorf("expected subcommand %q to be registered, got %v", want, names)
		}
	}
}

func TestRootCommand_VersionFlag(t *testing.T) {
	cmd := NewRootCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--version"})

	_ = cmd.Execute()
	if !strings.Contains(buf.String(), Version) {
		t.Errorf("expected version output to contain %q, got: %s", Version, buf.String())
	}
}
