// Package rpc validates and dispatches the control-plane requests of §6:
// schema-checked records in, a uniform {success, ...} / {success: false,
// error} envelope out. It owns no state of its own — every request is
// resolved against a *runner.Runner, an *internal/store.Store, and the
// internal/reshaper functions.
package rpc

import "github.com/JeromySt/dagconductor/internal/model"

// Response is the uniform CLI/RPC return shape (§6): either a success
// payload or an error string, never both.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(data interface{}) Response {
	return Response{Success: true, Data: data}
}

func fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

// JobNodeSpecWire is the wire shape of a job node spec accepted by
// create_plan/create_job/add_node (§6), and also the shape a YAML plan file
// decodes a node into (internal/cmd's `plan create`). Field names and
// casing match the spec's "accepted fields" list verbatim.
type JobNodeSpecWire struct {
	ProducerID       string      `json:"producer_id" yaml:"producerId"`
	Task             string      `json:"task" yaml:"task"`
	Dependencies     []string    `json:"dependencies" yaml:"dependencies,omitempty"`
	Work             interface{} `json:"work,omitempty" yaml:"work,omitempty"`
	Prechecks        interface{} `json:"prechecks,omitempty" yaml:"prechecks,omitempty"`
	Postchecks       interface{} `json:"postchecks,omitempty" yaml:"postchecks,omitempty"`
	Group            string      `json:"group,omitempty" yaml:"group,omitempty"`
	Name             string      `json:"name,omitempty" yaml:"name,omitempty"`
	BaseBranch       string      `json:"baseBranch,omitempty" yaml:"baseBranch,omitempty"`
	ExpectsNoChanges bool        `json:"expectsNoChanges,omitempty" yaml:"expectsNoChanges,omitempty"`
	AutoHeal         bool        `json:"autoHeal,omitempty" yaml:"autoHeal,omitempty"`
}

func (w JobNodeSpecWire) toModel() model.JobNodeSpec {
	return model.JobNodeSpec{
		ProducerID:       w.ProducerID,
		Name:             w.Name,
		Task:             w.Task,
		Dependencies:     w.Dependencies,
		Work:             w.Work,
		Prechecks:        w.Prechecks,
		Postchecks:       w.Postchecks,
		Group:            w.Group,
		BaseBranch:       w.BaseBranch,
		ExpectsNoChanges: w.ExpectsNoChanges,
		AutoHeal:         w.AutoHeal,
	}
}

// CreatePlanRequest is create_plan's request record (§6), and also the
// top-level shape of a YAML plan file passed to `conductor run`/`plan create`.
type CreatePlanRequest struct {
	Name                  string            `json:"name" yaml:"name"`
	BaseBranch            string            `json:"baseBranch,omitempty" yaml:"baseBranch,omitempty"`
	TargetBranch          string            `json:"targetBranch,omitempty" yaml:"targetBranch,omitempty"`
	MaxParallel           int               `json:"maxParallel,omitempty" yaml:"maxParallel,omitempty"`
	CleanUpSuccessfulWork *bool             `json:"cleanUpSuccessfulWork,omitempty" yaml:"cleanUpSuccessfulWork,omitempty"`
	Jobs                  []JobNodeSpecWire `json:"jobs" yaml:"jobs"`
}

// CreateJobRequest appends one job to an already-built, still-modifiable
// plan (§6 "create_job"); implemented as a thin wrapper over the reshaper's
// AddNode since a single job is exactly what that operation accepts.
type CreateJobRequest struct {
	PlanID string          `json:"planId"`
	Job    JobNodeSpecWire `json:"job"`
}

// PlanIDRequest covers every RPC whose only input is a plan id:
// get_plan_status, cancel_plan, delete_plan, retry_plan.
type PlanIDRequest struct {
	ID string `json:"id"`
}

// ListPlansRequest is list_plans's request record.
type ListPlansRequest struct {
	Status string `json:"status,omitempty"`
}

// NodeRequest covers get_node_details, get_node_attempts, retry_plan_node,
// get_node_failure_context.
type NodeRequest struct {
	PlanID string `json:"planId"`
	NodeID string `json:"nodeId"`
}

// GetNodeLogsRequest is get_node_logs's request record. Offset resumes a
// prior read at a byte offset into the log file (§6); Tail, when Offset is
// zero, trims to the last N entries instead.
type GetNodeLogsRequest struct {
	PlanID string `json:"planId"`
	NodeID string `json:"nodeId"`
	Tail   int    `json:"tail,omitempty"`
	Offset int64  `json:"offset,omitempty"`
}

// AddNodeRequest is add_node's request record: one or more new nodes,
// applied in order (so a later node may depend on an earlier one in the
// same request once it's been inserted).
type AddNodeRequest struct {
	PlanID string            `json:"plan_id"`
	Nodes  []JobNodeSpecWire `json:"nodes"`
}

var validPlanStatuses = map[string]bool{
	"pending": true, "running": true, "paused": true, "succeeded": true,
	"failed": true, "partial": true, "canceled": true,
}
