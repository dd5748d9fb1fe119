package orchestrator

import "github.com/kdlbs/agentmesh/internal/task"

// validTaskTransitions encodes the Task state machine of §4.5:
// Pending -> Dispatched -> Running -> a terminal state. Terminal states are
// sinks; nothing transitions out of them.
var validTaskTransitions = map[task.State]map[task.State]bool{
	task.StatePending: {
		task.StateDispatched: true,
		task.StateCancelled:  true,
		task.StateFailed:     true,
	},
	task.StateDispatched: {
		task.StateRunning:   true,
		task.StateCancelled: true,
		task.StateFailed:    true,
		task.StateTimedOut:  true,
	},
	task.StateRunning: {
		task.StateCompleted: true,
		task.StateFailed:    true,
		task.StateCancelled: true,
		task.StateTimedOut:  true,
	},
}

// canTransitionTask reports whether from -> to is a legal Task state edge.
func canTransitionTask(from, to task.State) bool {
	if from == to {
		return false
	}
	edges, ok := validTaskTransitions[from]
	return ok && edges[to]
}
