// Package orchestrator implements the root dispatcher of spec.md §4.5: the
// entry point for client-submitted work. It classifies intent, routes tasks
// to the right Supervisor(s), joins multi-capability fan-out, and streams
// results back to the Session Layer.
package orchestrator

import (
	"time"

	"github.com/kdlbs/agentmesh/internal/task"
)

// SubmitOptions carries the per-submission overrides accepted by SubmitTask.
// Capability, when set, skips classification (§4.5 step 3). JoinMode and
// JoinQuorumK govern the join across supervisors when Capabilities names
// more than one capability; each sub-task also carries them, and a
// Supervisor applies them when it fans that sub-task out to several agents.
type SubmitOptions struct {
	Capability   string
	Capabilities []string
	Priority     int
	Deadline     time.Time
	JoinMode     task.JoinMode
	JoinQuorumK  int
}

// SupervisorInventory describes one registered Supervisor for describe().
type SupervisorInventory struct {
	ID           string
	Capabilities []string
}

// Inventory is the result of describe(): the administrative snapshot of
// routable supervisors and capabilities.
type Inventory struct {
	Supervisors []SupervisorInventory
}

// Stats is the result of stats(): aggregate counters for the Administrative
// API (§6).
type Stats struct {
	TotalSubmitted int64
	TotalCompleted int64
	TotalFailed    int64
	TotalCancelled int64
	InFlight       int64
}
