package rpc

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/JeromySt/dagconductor/internal/model"
)

const maxDependencies = 100

// validateJobNodeSpec checks the wire-level constraints §6 places on every
// job node spec, independent of where it's used (create_plan, create_job,
// add_node): producerId shape, a bounded dependency count, and a non-empty
// task.
func validateJobNodeSpec(w JobNodeSpecWire) error {
	if !model.ProducerIDPattern.MatchString(w.ProducerID) {
		return fmt.Errorf("invalid producerId %q", w.ProducerID)
	}
	if strings.TrimSpace(w.Task) == "" {
		return fmt.Errorf("job %q: task must not be empty", w.ProducerID)
	}
	if len(w.Dependencies) > maxDependencies {
		return fmt.Errorf("job %q: too many dependencies (%d > %d)", w.ProducerID, len(w.Dependencies), maxDependencies)
	}
	return nil
}

// ToPlanSpec validates req and converts it to a model.PlanSpec, the shape
// planbuilder.BuildPlan accepts. Used by both create_plan (§6) and the CLI's
// plan-file validation path, so the two never drift.
func ToPlanSpec(req CreatePlanRequest) (model.PlanSpec, error) {
	if err := validateCreatePlanRequest(req); err != nil {
		return model.PlanSpec{}, err
	}
	jobs := make([]model.JobNodeSpec, len(req.Jobs))
	for i, j := range req.Jobs {
		jobs[i] = j.toModel()
	}
	spec := model.PlanSpec{
		Name:         req.Name,
		BaseBranch:   req.BaseBranch,
		TargetBranch: req.TargetBranch,
		MaxParallel:  req.MaxParallel,
		Jobs:         jobs,
	}
	if req.CleanUpSuccessfulWork != nil {
		spec.CleanUpSuccessfulWork = req.CleanUpSuccessfulWork
	}
	return spec, nil
}

func validateCreatePlanRequest(req CreatePlanRequest) error {
	if name := strings.TrimSpace(req.Name); name == "" || len(req.Name) > 256 {
		return fmt.Errorf("name must be between 1 and 256 characters")
	}
	if len(req.Jobs) == 0 {
		return fmt.Errorf("jobs must contain at least one entry")
	}
	if req.MaxParallel != 0 && (req.MaxParallel < 1 || req.MaxParallel > 32) {
		return fmt.Errorf("maxParallel must be between 1 and 32")
	}
	for _, job := range req.Jobs {
		if err := validateJobNodeSpec(job); err != nil {
			return err
		}
	}
	return nil
}

func validatePlanStatusFilter(status string) error {
	if status == "" {
		return nil
	}
	if !validPlanStatuses[status] {
		return fmt.Errorf("unrecognized status filter %q", status)
	}
	return nil
}

// validateFileMoveSafety guards file-imported node specs (§6): the resolved
// path must stay inside root, must not traverse out via "..", and must not
// name a source-control metadata directory.
func validateFileMoveSafety(root, path string) error {
	if path == "" {
		return fmt.Errorf("path must not be empty")
	}
	cleanRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return fmt.Errorf("resolve root %q: %w", root, err)
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(cleanRoot, candidate)
	}
	candidate, err = filepath.Abs(filepath.Clean(candidate))
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}
	rel, err := filepath.Rel(cleanRoot, candidate)
	if err != nil {
		return fmt.Errorf("path %q is not under %q", path, root)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes workspace root %q", path, root)
	}
	for _, segment := range strings.Split(rel, string(filepath.Separator)) {
		switch segment {
		case ".git", ".hg", ".svn":
			return fmt.Errorf("path %q touches source-control metadata (%s)", path, segment)
		}
	}
	return nil
}
