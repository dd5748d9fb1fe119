package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/common/logger"
)

// Registry tracks every live agent and indexes them by capability. Writes
// (Register, Deregister, Heartbeat, SetState, Sweep) hold the write lock;
// reads (Get, Find, List) take the read lock, giving the registry a single-
// writer/many-reader discipline matching the rest of the corpus's
// mutex-protected catalogs.
type Registry struct {
	mu             sync.RWMutex
	agents         map[string]*Agent
	byCapability   map[string]map[string]bool // capability -> set of agent IDs
	heartbeatMiss  int           // missed heartbeats before Degraded
	offlineMiss    int           // missed heartbeats before Offline
	heartbeatEvery time.Duration
	logger         *logger.Logger
}

// New builds an empty Registry. heartbeatInterval is the expected interval
// between Heartbeat calls; Sweep uses it to judge staleness.
func New(heartbeatInterval time.Duration, heartbeatMiss, offlineMiss int, log *logger.Logger) *Registry {
	return &Registry{
		agents:         make(map[string]*Agent),
		byCapability:   make(map[string]map[string]bool),
		heartbeatEvery: heartbeatInterval,
		heartbeatMiss:  heartbeatMiss,
		offlineMiss:    offlineMiss,
		logger:         log,
	}
}

// Register adds a new agent, or resets an existing one to Initializing if
// it re-registers (e.g. after a restart). Capabilities must be non-empty.
func (r *Registry) Register(id string, capabilities []string, metadata map[string]string) (*Agent, error) {
	if id == "" {
		return nil, apperrors.InvalidRequest("agent id is required")
	}
	if len(capabilities) == 0 {
		return nil, apperrors.InvalidRequest("agent must declare at least one capability")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	agent := &Agent{
		ID:            id,
		Capabilities:  append([]string(nil), capabilities...),
		State:         StateInitializing,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Metadata:      metadata,
	}

	if existing, ok := r.agents[id]; ok {
		r.unindex(existing)
	}

	r.agents[id] = agent
	r.index(agent)

	r.logger.Info("agent registered", zap.String("agent_id", id), zap.Strings("capabilities", capabilities))
	return agent.snapshot(), nil
}

// Deregister removes an agent entirely.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return apperrors.NotFound("agent", id)
	}
	r.unindex(agent)
	delete(r.agents, id)
	r.logger.Info("agent deregistered", zap.String("agent_id", id))
	return nil
}

// Heartbeat records liveness for id and optimistically moves it out of
// Degraded back to Ready (recovery), leaving Busy/Offline untouched since
// those are driven by explicit SetState calls.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return apperrors.NotFound("agent", id)
	}
	agent.LastHeartbeat = time.Now().UTC()
	if agent.State == StateDegraded {
		agent.State = StateReady
	}
	return nil
}

// SetState transitions id's state, enforcing the legal state machine edges.
func (r *Registry) SetState(id string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return apperrors.NotFound("agent", id)
	}
	if !CanTransition(agent.State, to) {
		return apperrors.Conflict(fmt.Sprintf("agent %q cannot transition %s -> %s", id, agent.State, to))
	}
	agent.State = to
	return nil
}

// Get returns a defensive copy of the agent with id.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	return agent.snapshot(), nil
}

// Find returns every Ready agent offering capability, for the Supervisor's
// selection step.
func (r *Registry) Find(capability string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCapability[capability]
	result := make([]*Agent, 0, len(ids))
	for id := range ids {
		agent := r.agents[id]
		if agent != nil && agent.State == StateReady {
			result = append(result, agent.snapshot())
		}
	}
	return result
}

// List returns every registered agent regardless of state.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		result = append(result, agent.snapshot())
	}
	return result
}

// Sweep scans for agents whose heartbeat has gone stale relative to
// heartbeatEvery, demoting them to Degraded after heartbeatMiss misses and
// to Offline after offlineMiss misses. Intended to run on a ticker.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.heartbeatEvery <= 0 {
		return
	}
	now := time.Now().UTC()
	for id, agent := range r.agents {
		if agent.State == StateOffline {
			continue
		}
		misses := int(now.Sub(agent.LastHeartbeat) / r.heartbeatEvery)
		switch {
		case misses >= r.offlineMiss:
			if CanTransition(agent.State, StateOffline) {
				agent.State = StateOffline
				r.logger.Warn("agent marked offline on missed heartbeats",
					zap.String("agent_id", id), zap.Int("misses", misses))
			}
		case misses >= r.heartbeatMiss:
			if CanTransition(agent.State, StateDegraded) {
				agent.State = StateDegraded
				r.logger.Warn("agent marked degraded on missed heartbeats",
					zap.String("agent_id", id), zap.Int("misses", misses))
			}
		}
	}
}

func (r *Registry) index(agent *Agent) {
	for _, capability := range agent.Capabilities {
		if r.byCapability[capability] == nil {
			r.byCapability[capability] = make(map[string]bool)
		}
		r.byCapability[capability][agent.ID] = true
	}
}

func (r *Registry) unindex(agent *Agent) {
	for _, capability := range agent.Capabilities {
		delete(r.byCapability[capability], agent.ID)
		if len(r.byCapability[capability]) == 0 {
			delete(r.byCapability, capability)
		}
	}
}
