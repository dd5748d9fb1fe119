package supervisor

import (
	"sync"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/task"
)

// aggregation tracks the partial/final results of a fanned-out task until
// its JoinMode is satisfied (§4.4).
type aggregation struct {
	mu       sync.Mutex
	t        *task.Task
	strict   bool // AggregationPolicy == "strict": any sub-agent error fails the whole join
	expected map[string]bool
	results  map[string]*task.Result
	done     bool
}

func newAggregation(t *task.Task, agentIDs []string, strict bool) *aggregation {
	expected := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		expected[id] = true
	}
	return &aggregation{
		t:        t,
		strict:   strict,
		expected: expected,
		results:  make(map[string]*task.Result, len(agentIDs)),
	}
}

// addResult records r and reports whether the join is now decided, along
// with the terminal (possibly merged) result or error. It is a no-op once
// the aggregation is already done (defends against duplicate/late
// redelivery under the bus's at-least-once guarantee).
func (a *aggregation) addResult(r *task.Result) (decided bool, final *task.Result, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done || r.Partial {
		return false, nil, nil
	}
	if !a.expected[r.AgentID] {
		return false, nil, nil // unexpected agent, ignore
	}
	a.results[r.AgentID] = r

	if a.strict && r.Err != nil {
		a.done = true
		return true, nil, apperrors.AggregationFailed("sub-agent " + r.AgentID + " failed: " + r.Err.Error())
	}

	switch a.t.JoinMode {
	case task.JoinAny:
		if r.Err == nil {
			a.done = true
			return true, r, nil
		}
		if len(a.results) == len(a.expected) {
			a.done = true
			return true, nil, apperrors.AggregationFailed("no sub-agent of " + a.t.ID + " succeeded")
		}
		return false, nil, nil

	case task.JoinQuorum:
		successes := 0
		for _, res := range a.results {
			if res.Err == nil {
				successes++
			}
		}
		if successes >= a.t.JoinQuorumK {
			a.done = true
			return true, r, nil
		}
		if len(a.results) == len(a.expected) {
			a.done = true
			return true, nil, apperrors.AggregationFailed("quorum not reached for task " + a.t.ID)
		}
		return false, nil, nil

	default: // JoinAll
		if len(a.results) < len(a.expected) {
			return false, nil, nil
		}
		a.done = true
		for _, res := range a.results {
			if res.Err != nil {
				return true, nil, apperrors.AggregationFailed("sub-agent " + res.AgentID + " failed: " + res.Err.Error())
			}
		}
		return true, r, nil
	}
}
