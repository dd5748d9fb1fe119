// Package task defines the Task, TaskResult, and RouteDecision types shared
// by the Supervisor and Orchestrator (spec.md §4.4, §4.5).
package task

import (
	"time"

	"github.com/google/uuid"
)

// State is the Task lifecycle state machine: Pending -> Dispatched ->
// Running -> a terminal state (Completed, Failed, Cancelled, TimedOut).
type State string

const (
	StatePending    State = "PENDING"
	StateDispatched State = "DISPATCHED"
	StateRunning    State = "RUNNING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
	StateTimedOut   State = "TIMED_OUT"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// JoinMode controls how a Supervisor aggregates fan-out sub-agent results
// (§4.4).
type JoinMode string

const (
	JoinAll    JoinMode = "all"
	JoinAny    JoinMode = "any"
	JoinQuorum JoinMode = "quorum"
)

// Task is the unit of work flowing from a Session through the Orchestrator
// to a Supervisor and its SubAgents.
type Task struct {
	ID            string
	SessionID     string
	CorrelationID string
	Capability    string
	Priority      int
	Payload       map[string]any
	JoinMode      JoinMode
	JoinQuorumK   int
	Deadline      time.Time
	State         State
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewTask builds a Pending task with a fresh ID.
func NewTask(sessionID, capability string, priority int, payload map[string]any, deadline time.Time) *Task {
	now := time.Now().UTC()
	id := uuid.New().String()
	return &Task{
		ID:            id,
		SessionID:     sessionID,
		CorrelationID: id,
		Capability:    capability,
		Priority:      priority,
		Payload:       payload,
		JoinMode:      JoinAll,
		Deadline:      deadline,
		State:         StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Result carries a sub-agent's answer to one task, partial or final. Status
// is only meaningful when Partial is false; it mirrors State's terminal
// values (Completed, Failed, Cancelled, TimedOut) so callers never have to
// re-derive a terminal disposition from Err alone.
type Result struct {
	TaskID       string
	AgentID      string
	Partial      bool
	Status       State
	Output       map[string]any
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
	TokensUsed   int
	CostEstimate float64
	Timestamp    time.Time
}

// RouteDecision records why the Orchestrator picked a given Supervisor for
// a Task, for the audit trail exposed on the Administrative API (§6).
// Candidates lists every supervisor id that was eligible for Capability,
// in the order they were ranked; SupervisorID is always a member of
// Candidates.
type RouteDecision struct {
	TaskID       string
	Capability   string
	SupervisorID string
	Candidates   []string
	Reason       string
	DecidedAt    time.Time
}
