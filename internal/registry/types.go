// Package registry implements the Agent Registry of spec.md §4.2: the
// catalog of live SubAgents and Supervisors, their capabilities, and their
// health state.
package registry

import "time"

// State is the agent lifecycle state machine: Initializing -> Ready <->
// Busy -> Degraded -> Offline. A heartbeat brings a Degraded agent back to
// Ready. Offline is terminal except for a fresh Register call, which always
// starts an agent back at Initializing.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateBusy         State = "BUSY"
	StateDegraded     State = "DEGRADED"
	StateOffline      State = "OFFLINE"
)

// validTransitions enumerates the allowed state machine edges.
var validTransitions = map[State]map[State]bool{
	StateInitializing: {StateReady: true, StateOffline: true, StateDegraded: true},
	StateReady:        {StateBusy: true, StateDegraded: true, StateOffline: true},
	StateBusy:         {StateReady: true, StateDegraded: true, StateOffline: true},
	StateDegraded:     {StateReady: true, StateOffline: true},
	StateOffline:      {}, // only re-Register moves out of Offline
}

// CanTransition reports whether moving from "from" to "to" is legal.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Agent is one registered entity: a SubAgent or Supervisor, addressable on
// the Message Bus by ID and discoverable by capability.
type Agent struct {
	ID            string
	Capabilities  []string
	State         State
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Metadata      map[string]string
}

// snapshot returns a defensive copy safe to hand to callers outside the
// registry's lock.
func (a *Agent) snapshot() *Agent {
	caps := make([]string, len(a.Capabilities))
	copy(caps, a.Capabilities)
	meta := make(map[string]string, len(a.Metadata))
	for k, v := range a.Metadata {
		meta[k] = v
	}
	cp := *a
	cp.Capabilities = caps
	cp.Metadata = meta
	return &cp
}
