package planbuilder

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JeromySt/dagconductor/internal/model"
)

const defaultBaseBranch = "main"

// nonAlphaNum matches runs of characters other than lowercase letters/digits;
// slugify replaces each run with a hyphen.
var nonAlphaNum = regexp.MustCompile(`[^a-z0-9]+`)

// BuildOpts carries optional overrides accepted by BuildPlan.
type BuildOpts struct {
	ParentPlanID string
	ParentNodeID string
	RepoPath     string
	WorktreeRoot string
}

// BuildPlan compiles spec into a validated, immutable-topology PlanInstance.
// Pure: it performs no I/O beyond reading the process working directory as a
// repoPath default. Returns *ValidationError on any structural problem.
func BuildPlan(spec model.PlanSpec, opts BuildOpts) (*model.PlanInstance, error) {
	if opts.ParentPlanID != "" {
		spec.ParentPlanID = opts.ParentPlanID
	}
	if opts.ParentNodeID != "" {
		spec.ParentNodeID = opts.ParentNodeID
	}
	if opts.RepoPath != "" {
		spec.RepoPath = opts.RepoPath
	}
	if opts.WorktreeRoot != "" {
		spec.WorktreeRoot = opts.WorktreeRoot
	}

	built, group, err := BuildNodes(spec.Jobs, BuildNodesOpts{RepoPath: spec.RepoPath})
	if err != nil {
		return nil, err
	}
	_ = group // top-level BuildPlan does not nest under a parent group

	plan := &model.PlanInstance{
		ID:                 uuid.NewString(),
		Spec:               spec,
		Nodes:              built.Nodes,
		ProducerIDToNodeID: built.ProducerIDToNodeID,
		NodeStates:         built.NodeStates,
		Groups:             built.Groups,
		GroupStates:        built.GroupStates,
		GroupPathToID:      built.GroupPathToID,
		CreatedAt:          time.Now().UnixMilli(),
	}

	plan.RepoPath = spec.RepoPath
	if plan.RepoPath == "" {
		if wd, err := os.Getwd(); err == nil {
			plan.RepoPath = wd
		}
	}

	plan.BaseBranch = spec.BaseBranch
	if plan.BaseBranch == "" {
		plan.BaseBranch = defaultBaseBranch
	}
	plan.TargetBranch = spec.TargetBranch
	if plan.TargetBranch == "" {
		plan.TargetBranch = plan.BaseBranch
	}

	plan.WorktreeRoot = spec.WorktreeRoot
	plan.MaxParallel = spec.MaxParallel // 0 == unlimited; see SPEC_FULL.md §4 open question (a)

	if spec.CleanUpSuccessfulWork != nil {
		plan.CleanUpSuccessfulWork = *spec.CleanUpSuccessfulWork
	} else {
		plan.CleanUpSuccessfulWork = true
	}

	verifyRI, err := model.NormalizeWorkSpec(spec.VerifyRISpec)
	if err != nil {
		return nil, newValidationError("invalid verifyRiSpec", err.Error())
	}

	injectSnapshotValidation(plan, verifyRI)
	recomputeRootsAndLeaves(plan)
	seedInitialStatuses(plan)

	return plan, nil
}

// BuildSingleJobPlan is a convenience wrapper building a one-node plan from a
// bare job spec. The node's display name is slugified into its producerId
// (lowercased, each run of non-alphanumeric characters replaced by a hyphen,
// leading/trailing hyphens trimmed, padded with "x" to at least 3
// characters) when the caller did not set one.
func BuildSingleJobPlan(job model.JobNodeSpec, opts BuildOpts) (*model.PlanInstance, error) {
	if job.ProducerID == "" {
		job.ProducerID = slugify(job.Name)
	}
	return BuildPlan(model.PlanSpec{
		Name: job.Name,
		Jobs: []model.JobNodeSpec{job},
	}, opts)
}

func slugify(name string) string {
	lower := strings.ToLower(name)
	slug := nonAlphaNum.ReplaceAllString(lower, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) < 3 {
		slug = slug + strings.Repeat("x", 3-len(slug))
	}
	return slug
}

// BuildNodesOpts carries the optional parent-group scoping for BuildNodes.
type BuildNodesOpts struct {
	Group    string
	RepoPath string
}

// BuiltNodes is the materialized node/group output of BuildNodes, reused by
// both BuildPlan and the reshaper.
type BuiltNodes struct {
	Nodes              map[string]*model.JobNode
	ProducerIDToNodeID map[string]string
	NodeStates         map[string]*model.NodeExecutionState
	Groups             map[string]*model.GroupInstance
	GroupStates        map[string]*model.GroupExecutionState
	GroupPathToID      map[string]string
}

// BuildNodes validates and materializes a flat list of node specs into owned
// JobNode records plus their auto-created group hierarchy. It does not inject
// the snapshot-validation node and does not compute roots/leaves — both are
// the caller's responsibility (BuildPlan).
func BuildNodes(specs []model.JobNodeSpec, opts BuildNodesOpts) (*BuiltNodes, error) {
	if err := validateSpecs(specs); err != nil {
		return nil, err
	}

	out := &BuiltNodes{
		Nodes:              make(map[string]*model.JobNode),
		ProducerIDToNodeID: make(map[string]string),
		NodeStates:         make(map[string]*model.NodeExecutionState),
		Groups:             make(map[string]*model.GroupInstance),
		GroupStates:        make(map[string]*model.GroupExecutionState),
		GroupPathToID:      make(map[string]string),
	}

	producerToID := make(map[string]string, len(specs))
	for _, s := range specs {
		id := uuid.NewString()
		producerToID[s.ProducerID] = id
	}

	// Resolve dependency producerIds to internal ids and build nodes.
	for _, s := range specs {
		id := producerToID[s.ProducerID]

		work, err := model.NormalizeWorkSpec(s.Work)
		if err != nil {
			return nil, newValidationError("invalid work spec", fmt.Sprintf("%s: %v", s.ProducerID, err))
		}
		pre, err := model.NormalizeWorkSpec(s.Prechecks)
		if err != nil {
			return nil, newValidationError("invalid prechecks spec", fmt.Sprintf("%s: %v", s.ProducerID, err))
		}
		post, err := model.NormalizeWorkSpec(s.Postchecks)
		if err != nil {
			return nil, newValidationError("invalid postchecks spec", fmt.Sprintf("%s: %v", s.ProducerID, err))
		}

		deps := make([]string, 0, len(s.Dependencies))
		for _, d := range s.Dependencies {
			deps = append(deps, producerToID[d])
		}

		group := s.Group
		if group == "" {
			group = opts.Group
		} else if opts.Group != "" {
			group = opts.Group + "/" + group
		}

		node := &model.JobNode{
			ID:               id,
			ProducerID:       s.ProducerID,
			Name:             firstNonEmpty(s.Name, s.ProducerID),
			Task:             s.Task,
			Work:             work,
			Prechecks:        pre,
			Postchecks:       post,
			Instructions:     s.Instructions,
			BaseBranch:       s.BaseBranch,
			Group:            group,
			ExpectsNoChanges: s.ExpectsNoChanges,
			AutoHeal:         s.AutoHeal,
			Dependencies:     deps,
			Dependents:       nil,
		}

		out.Nodes[id] = node
		out.ProducerIDToNodeID[s.ProducerID] = id
		out.NodeStates[id] = &model.NodeExecutionState{Status: model.StatusPending}
	}

	// Reverse edges (dependents), computed from dependencies, in insertion order (§5).
	for _, s := range specs {
		id := producerToID[s.ProducerID]
		for _, d := range s.Dependencies {
			depID := producerToID[d]
			depNode := out.Nodes[depID]
			depNode.Dependents = append(depNode.Dependents, id)
		}
	}

	if err := detectCycle(out.Nodes); err != nil {
		return nil, err
	}

	materializeGroups(out)

	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func validateSpecs(specs []model.JobNodeSpec) error {
	var details []string
	seen := make(map[string]bool)
	duplicatesReported := make(map[string]bool)

	for _, s := range specs {
		if strings.TrimSpace(s.ProducerID) == "" {
			details = append(details, "a job is missing a producerId")
			continue
		}
		if s.SubPlan != nil {
			details = append(details, fmt.Sprintf("%q: subPlan nodes are not supported", s.ProducerID))
			continue
		}
		if seen[s.ProducerID] {
			if !duplicatesReported[s.ProducerID] {
				details = append(details, fmt.Sprintf("duplicate producerId %q", s.ProducerID))
				duplicatesReported[s.ProducerID] = true
			}
			continue
		}
		seen[s.ProducerID] = true
	}

	for _, s := range specs {
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				details = append(details, fmt.Sprintf("%q depends on unknown producerId %q", s.ProducerID, dep))
			}
		}
	}

	if len(details) > 0 {
		return newValidationError("invalid plan specification", details...)
	}
	return nil
}

// detectCycle runs a DFS with white/gray/black coloring over the dependency
// edges (a node's Dependencies, not Dependents) after ids are resolved. A
// self-edge counts as a cycle (§4.1).
func detectCycle(nodes map[string]*model.JobNode) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(nodes))
	for id := range nodes {
		colors[id] = white
	}

	var cyclePath []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		colors[id] = gray
		cyclePath = append(cyclePath, id)
		for _, dep := range nodes[id].Dependencies {
			if dep == id {
				return true
			}
			if colors[dep] == gray {
				return true
			}
			if colors[dep] == white && dfs(dep) {
				return true
			}
		}
		cyclePath = cyclePath[:len(cyclePath)-1]
		colors[id] = black
		return false
	}

	for id := range nodes {
		if colors[id] == white {
			cyclePath = nil
			if dfs(id) {
				names := make([]string, 0, len(cyclePath))
				for _, nid := range cyclePath {
					names = append(names, nodes[nid].ProducerID)
				}
				return newValidationError("circular dependency detected",
					fmt.Sprintf("Circular dependency among: %s", strings.Join(names, ", ")))
			}
		}
	}
	return nil
}
