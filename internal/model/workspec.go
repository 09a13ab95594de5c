package model

import (
	"encoding/json"
	"strings"
)

// WorkSpecKind identifies the recognized variants of a WorkSpec.
type WorkSpecKind string

const (
	KindProcess WorkSpecKind = "process"
	KindShell   WorkSpecKind = "shell"
	KindAgent   WorkSpecKind = "agent"
)

// ModelTier is the coarse agent capability tier.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierStandard ModelTier = "standard"
	TierPremium  ModelTier = "premium"
)

// Shell identifies a named shell used to run a shell WorkSpec's command string.
type Shell string

const (
	ShellCmd        Shell = "cmd"
	ShellPowerShell Shell = "powershell"
	ShellPwsh       Shell = "pwsh"
	ShellBash       Shell = "bash"
	ShellSh         Shell = "sh"
)

// Phase identifies one step of the executor's phase sequence (§4.5.1).
type Phase string

const (
	PhaseSetup       Phase = "setup"
	PhaseMergeFI     Phase = "merge-fi"
	PhasePrechecks   Phase = "prechecks"
	PhaseWork        Phase = "work"
	PhaseCommit      Phase = "commit"
	PhasePostchecks  Phase = "postchecks"
	PhaseMergeRI     Phase = "merge-ri"
	PhaseCleanup     Phase = "cleanup"
)

// OnFailure carries failure-handling overrides for a WorkSpec.
type OnFailure struct {
	NoAutoHeal      bool  `json:"noAutoHeal,omitempty" yaml:"noAutoHeal,omitempty"`
	Message         string `json:"message,omitempty" yaml:"message,omitempty"`
	ResumeFromPhase Phase  `json:"resumeFromPhase,omitempty" yaml:"resumeFromPhase,omitempty"`
}

// WorkSpec is a tagged union describing what a node should do.
// Exactly one of the variant-specific field groups is populated, selected by Kind.
type WorkSpec struct {
	Kind WorkSpecKind `json:"type" yaml:"type"`

	// process / shell common
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	TimeoutMS int64           `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// process
	Executable string   `json:"executable,omitempty" yaml:"executable,omitempty"`
	Args       []string `json:"args,omitempty" yaml:"args,omitempty"`

	// shell
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	Shell   Shell  `json:"shell,omitempty" yaml:"shell,omitempty"`

	// agent
	Instructions    string    `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Model           string    `json:"model,omitempty" yaml:"model,omitempty"`
	ModelTier       ModelTier `json:"modelTier,omitempty" yaml:"modelTier,omitempty"`
	ContextFiles    []string  `json:"contextFiles,omitempty" yaml:"contextFiles,omitempty"`
	MaxTurns        int       `json:"maxTurns,omitempty" yaml:"maxTurns,omitempty"`
	AllowedFolders  []string  `json:"allowedFolders,omitempty" yaml:"allowedFolders,omitempty"`
	AllowedURLs     []string  `json:"allowedUrls,omitempty" yaml:"allowedUrls,omitempty"`

	OnFailure *OnFailure `json:"onFailure,omitempty" yaml:"onFailure,omitempty"`
}

// snakeToCamelKeys is the set of legacy snake_case keys rewritten to camelCase
// when a WorkSpec is parsed from a loosely-typed JSON map (§3).
var snakeToCamelKeys = map[string]string{
	"on_failure":         "onFailure",
	"no_auto_heal":       "noAutoHeal",
	"resume_from_phase":  "resumeFromPhase",
	"model_tier":         "modelTier",
	"error_action":       "errorAction",
	"context_files":      "contextFiles",
	"max_turns":          "maxTurns",
	"allowed_folders":    "allowedFolders",
	"allowed_urls":       "allowedUrls",
	"working_directory":  "cwd",
}

// rewriteSnakeKeys walks a decoded JSON value and rewrites any recognized
// snake_case object key to its camelCase equivalent, recursively.
func rewriteSnakeKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			newKey := k
			if camel, ok := snakeToCamelKeys[k]; ok {
				newKey = camel
			}
			out[newKey] = rewriteSnakeKeys(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = rewriteSnakeKeys(e)
		}
		return out
	default:
		return v
	}
}

// NormalizeWorkSpec converts a loosely-typed input (a legacy plain string, a
// JSON-shaped string with a "type" field, or an already-structured value)
// into a canonical *WorkSpec. A nil input returns a nil spec with no error.
//
// Legacy string rules (§3):
//   - a leading "@agent" prefix produces an agent spec, remainder as instructions.
//   - otherwise the string is treated as a shell command.
//   - a string that parses as JSON with a "type" field is treated as a structured
//     spec and decoded (after snake_case->camelCase key rewriting) instead.
func NormalizeWorkSpec(raw interface{}) (*WorkSpec, error) {
	if raw == nil {
		return nil, nil
	}

	switch v := raw.(type) {
	case *WorkSpec:
		return v, nil
	case WorkSpec:
		return &v, nil
	case string:
		return normalizeWorkSpecString(v)
	case map[string]interface{}:
		return decodeWorkSpecMap(v)
	default:
		// Best effort: round-trip through JSON.
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var m map[string]interface{}
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return decodeWorkSpecMap(m)
	}
}

func normalizeWorkSpecString(s string) (*WorkSpec, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "@agent") {
		instructions := strings.TrimSpace(strings.TrimPrefix(trimmed, "@agent"))
		return &WorkSpec{Kind: KindAgent, Instructions: instructions}, nil
	}

	// JSON-shaped string with a "type" field is a structured spec.
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			if _, hasType := m["type"]; hasType {
				return decodeWorkSpecMap(m)
			}
		}
	}

	return &WorkSpec{Kind: KindShell, Command: trimmed}, nil
}

func decodeWorkSpecMap(m map[string]interface{}) (*WorkSpec, error) {
	rewritten := rewriteSnakeKeys(m)
	b, err := json.Marshal(rewritten)
	if err != nil {
		return nil, err
	}
	var spec WorkSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
