package model

// PlanSpec is the user-authored input to the plan builder (§4.1). It is the
// in-memory decoded form of a create_plan RPC payload or a YAML plan file.
type PlanSpec struct {
	Name                  string
	BaseBranch            string
	TargetBranch          string
	MaxParallel           int
	CleanUpSuccessfulWork *bool
	// AutoHeal is the plan-level auto-heal default (§4.5.5): a node with
	// autoHeal unset inherits this value.
	AutoHeal              bool
	VerifyRISpec          interface{} // normalized via NormalizeWorkSpec
	Jobs                  []JobNodeSpec
	RepoPath              string
	WorktreeRoot          string
	ParentPlanID          string
	ParentNodeID          string
}

// JobNodeSpec is a single user-authored node within a PlanSpec.
type JobNodeSpec struct {
	ProducerID       string
	Name             string
	Task             string
	Dependencies     []string
	Work             interface{}
	Prechecks        interface{}
	Postchecks       interface{}
	Instructions     string
	Group            string
	BaseBranch       string
	ExpectsNoChanges bool
	AutoHeal         bool

	// SubPlan is a legacy field; any non-empty value is rejected by the builder (§9b).
	SubPlan interface{}
}

// PlanInstance is the built, immutable-topology plan with its mutable runtime state (§3).
type PlanInstance struct {
	ID   string
	Spec PlanSpec

	Nodes             map[string]*JobNode
	ProducerIDToNodeID map[string]string
	NodeStates        map[string]*NodeExecutionState

	Groups         map[string]*GroupInstance
	GroupStates    map[string]*GroupExecutionState
	GroupPathToID  map[string]string

	Roots  []string
	Leaves []string

	RepoPath     string
	BaseBranch   string
	TargetBranch string
	WorktreeRoot string

	CreatedAt int64
	StartedAt *int64
	EndedAt   *int64

	StateVersion int

	CleanUpSuccessfulWork bool
	MaxParallel           int
	IsPaused              bool
}

// BumpVersion increments the plan's monotone state-version counter (invariant 8, §3).
func (p *PlanInstance) BumpVersion() {
	p.StateVersion++
}

// Node returns the node for id, or nil if unknown.
func (p *PlanInstance) Node(id string) *JobNode {
	return p.Nodes[id]
}

// State returns the execution state for node id, or nil if unknown.
func (p *PlanInstance) State(id string) *NodeExecutionState {
	return p.NodeStates[id]
}

// NodeByProducerID resolves a producerId to its node, or nil if unknown.
func (p *PlanInstance) NodeByProducerID(producerID string) *JobNode {
	id, ok := p.ProducerIDToNodeID[producerID]
	if !ok {
		return nil
	}
	return p.Nodes[id]
}
