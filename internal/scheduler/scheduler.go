// Package scheduler selects which ready nodes to launch next, under global
// and per-plan concurrency caps and dependent-count priority (§4.3). It is
// stateless: every call is a pure function of its inputs.
package scheduler

import (
	"sort"

	"github.com/JeromySt/dagconductor/internal/model"
)

// DefaultGlobalMaxParallel is the scheduler's default global concurrency cap (§4.3).
const DefaultGlobalMaxParallel = 8

// StatusQuery is the subset of statemachine.StateMachine the scheduler needs.
// Kept as a narrow interface so scheduler has no import-time dependency on
// the state machine package.
type StatusQuery interface {
	GetReadyNodes() []string
	GetNodeStatus(nodeID string) (model.NodeStatus, bool)
}

// Scheduler tracks the mutable global concurrency cap. Selection itself is
// stateless given the inputs; only the cap is runtime-adjustable (§4.3
// "mutable at runtime").
type Scheduler struct {
	globalMaxParallel int
}

// New creates a Scheduler with the default global cap.
func New() *Scheduler {
	return &Scheduler{globalMaxParallel: DefaultGlobalMaxParallel}
}

// SetGlobalMaxParallel updates the global concurrency cap shared by all plans.
func (s *Scheduler) SetGlobalMaxParallel(n int) {
	s.globalMaxParallel = n
}

// GlobalMaxParallel returns the current global concurrency cap.
func (s *Scheduler) GlobalMaxParallel() int {
	return s.globalMaxParallel
}

// workPerforming reports whether a node does real work (has a work spec),
// as opposed to a coordination-only node (§4.3 step 2 parenthetical). Nodes
// with no work spec (e.g. pure dependency joins) never count toward a plan's
// in-flight-work count.
func workPerforming(node *model.JobNode) bool {
	return node.Work != nil
}

// SelectNodes returns, in priority order, the node ids the runner should
// transition to scheduled right now.
//
//   - G = globalMaxParallel - currentGlobalRunning; G<=0 returns no nodes.
//   - P = plan.MaxParallel (0 = unlimited); R = count of work-performing nodes
//     currently scheduled|running; if P>0 and P-R<=0 returns no nodes.
//   - capacity = G if P==0 else min(G, P-R).
//   - ready nodes are sorted by descending dependent count, then ascending name,
//     and the first `capacity` are returned. Unknown ids are skipped.
func (s *Scheduler) SelectNodes(plan *model.PlanInstance, sm StatusQuery, currentGlobalRunning int) []string {
	g := s.globalMaxParallel - currentGlobalRunning
	if g <= 0 {
		return nil
	}

	capacity := g
	if plan.MaxParallel > 0 {
		r := 0
		for _, node := range plan.Nodes {
			if !workPerforming(node) {
				continue
			}
			st, ok := sm.GetNodeStatus(node.ID)
			if ok && (st == model.StatusScheduled || st == model.StatusRunning) {
				r++
			}
		}
		remaining := plan.MaxParallel - r
		if remaining <= 0 {
			return nil
		}
		if remaining < capacity {
			capacity = remaining
		}
	}

	ready := sm.GetReadyNodes()
	candidates := make([]*model.JobNode, 0, len(ready))
	for _, id := range ready {
		if node, ok := plan.Nodes[id]; ok {
			candidates = append(candidates, node)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if len(candidates[i].Dependents) != len(candidates[j].Dependents) {
			return len(candidates[i].Dependents) > len(candidates[j].Dependents)
		}
		return candidates[i].Name < candidates[j].Name
	})

	if len(candidates) > capacity {
		candidates = candidates[:capacity]
	}

	out := make([]string, 0, len(candidates))
	for _, n := range candidates {
		out = append(out, n.ID)
	}
	return out
}
