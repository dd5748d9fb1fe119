package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/agentmesh/internal/bus"
	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/common/config"
	"github.com/kdlbs/agentmesh/internal/common/logger"
	"github.com/kdlbs/agentmesh/internal/journal"
	"github.com/kdlbs/agentmesh/internal/supervisor"
	"github.com/kdlbs/agentmesh/internal/task"
)

const mailboxID = "orchestrator"

// maxRouteAudit bounds the in-memory RouteDecision audit trail returned by
// the Administrative API (§6).
const maxRouteAudit = 500

// trackedTask is the Orchestrator's bookkeeping for one client-submitted
// task while it is in flight: the logical task, a channel streaming its
// PartialResult/TaskResult sequence to the Session Layer, and — for
// multi-capability tasks — the join state across the supervisors it fanned
// out to.
type trackedTask struct {
	mu          sync.Mutex
	t           *task.Task
	stream      chan *task.Result
	expected    map[string]bool // supervisor id -> awaited
	results     map[string]*task.Result
	done        bool
	cancelFuncs []func()
}

// Orchestrator is the root dispatcher of §4.5.
type Orchestrator struct {
	cfg        config.OrchestratorConfig
	supervisors map[string]*supervisorEntry
	classifier Classifier
	bus        bus.Bus
	journal    *journal.Journal // optional; nil disables crash-recovery logging
	logger     *logger.Logger

	tasksMu sync.Mutex
	tasks   map[string]*trackedTask

	routeMu    sync.Mutex
	routeAudit []task.RouteDecision

	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	totalCancelled atomic.Int64
}

// New builds an Orchestrator over the given supervisors (keyed by
// supervisor id, matching cfg.Supervisors).
func New(cfg config.OrchestratorConfig, supervisors map[string]*supervisor.Supervisor, supervisorCfg map[string]config.SupervisorConfig, classifier Classifier, b bus.Bus, j *journal.Journal, log *logger.Logger) (*Orchestrator, error) {
	entries := make(map[string]*supervisorEntry, len(supervisors))
	for id, sup := range supervisors {
		sc, ok := supervisorCfg[id]
		if !ok {
			return nil, apperrors.Internal("no configuration found for supervisor "+id, nil)
		}
		caps := make(map[string]bool, len(sc.Capabilities))
		for _, c := range sc.Capabilities {
			caps[c] = true
		}
		entries[id] = &supervisorEntry{id: id, sup: sup, capabilities: caps}
	}

	o := &Orchestrator{
		cfg:         cfg,
		supervisors: entries,
		classifier:  classifier,
		bus:         b,
		journal:     j,
		logger:      log.With(zap.String("component", "orchestrator")),
		tasks:       make(map[string]*trackedTask),
	}

	if _, err := b.Subscribe(mailboxID, o.handleInbound); err != nil {
		return nil, apperrors.Internal("subscribe orchestrator mailbox", err)
	}
	return o, nil
}

// SubmitTask implements the §4.5 dispatch algorithm: validate, assign id and
// deadline, classify, select supervisor(s), record a RouteDecision, and emit
// the task for dispatch.
func (o *Orchestrator) SubmitTask(ctx context.Context, sessionID, taskType string, payload map[string]any, opts SubmitOptions) (string, error) {
	if sessionID == "" {
		return "", apperrors.Unauthorized("task submission requires an authenticated session")
	}
	if taskType == "" {
		return "", apperrors.InvalidRequest("task type is required")
	}

	deadline := opts.Deadline
	if deadline.IsZero() {
		d := o.cfg.DefaultTaskDeadline
		if d <= 0 {
			d = 5 * time.Minute
		}
		deadline = time.Now().Add(d)
	}

	capabilities, err := o.resolveCapabilities(ctx, taskType, payload, opts)
	if err != nil {
		return "", err
	}

	chosen, candidatesByCapability, err := selectSupervisors(o.supervisors, capabilities)
	if err != nil {
		return "", err
	}

	joinMode := opts.JoinMode
	if joinMode == "" {
		joinMode = task.JoinMode(o.cfg.DefaultJoinMode)
	}
	if joinMode == "" {
		joinMode = task.JoinAll
	}

	parent := task.NewTask(sessionID, capabilities[0], opts.Priority, payload, deadline)
	parent.JoinMode = joinMode
	parent.JoinQuorumK = opts.JoinQuorumK

	tt := &trackedTask{
		t:        parent,
		stream:   make(chan *task.Result, 32),
		expected: make(map[string]bool, len(chosen)),
		results:  make(map[string]*task.Result, len(chosen)),
	}
	for id := range chosen {
		tt.expected[id] = true
	}

	o.tasksMu.Lock()
	o.tasks[parent.ID] = tt
	o.tasksMu.Unlock()

	o.totalSubmitted.Add(1)
	o.appendRecord(ctx, journal.KindTaskCreated, parent.ID, map[string]any{"sessionId": sessionID, "taskType": taskType})

	capBySupervisor := representativeCapability(chosen, capabilities)
	for id, entry := range chosen {
		cap := capBySupervisor[id]
		o.recordRouteDecision(parent.ID, cap, id, candidatesByCapability[cap], chosenReason(chosen, id))

		subTask := *parent
		subTask.Capability = capBySupervisor[id]
		subTask.State = task.StateDispatched

		if err := entry.sup.Enqueue(&subTask); err != nil {
			o.failTask(ctx, tt, id, err)
			continue
		}
		o.appendRecord(ctx, journal.KindTaskDispatched, parent.ID, map[string]any{"supervisorId": id})
	}

	return parent.ID, nil
}

// resolveCapabilities applies §4.5 step 3: explicit capability/capabilities
// bypass classification; otherwise a Classifier call resolves the task type.
func (o *Orchestrator) resolveCapabilities(ctx context.Context, taskType string, payload map[string]any, opts SubmitOptions) ([]string, error) {
	if opts.Capability != "" {
		return []string{opts.Capability}, nil
	}
	if len(opts.Capabilities) > 0 {
		return opts.Capabilities, nil
	}
	if o.classifier == nil {
		return nil, apperrors.InvalidRequest("task type " + taskType + " requires classification, but no classifier is configured")
	}
	return o.classifier.Classify(ctx, taskType, payload)
}

// representativeCapability picks, for each chosen supervisor, one of the
// requested capabilities it actually declares — used to populate the
// sub-task's single Capability field when a supervisor was selected to
// cover more than one requested capability.
func representativeCapability(chosen map[string]*supervisorEntry, capabilities []string) map[string]string {
	result := make(map[string]string, len(chosen))
	for id, e := range chosen {
		for _, c := range capabilities {
			if e.capabilities[c] {
				result[id] = c
				break
			}
		}
	}
	return result
}

func chosenReason(chosen map[string]*supervisorEntry, id string) string {
	if len(chosen) == 1 {
		return "sole supervisor covering required capability"
	}
	return "lowest load/highest success rate among covering supervisors"
}

// CancelTask implements §4.5's cancellation: emit Cancel to every supervisor
// still tracking the task and force-finalize it as Cancelled.
func (o *Orchestrator) CancelTask(ctx context.Context, sessionID, taskID string) error {
	o.tasksMu.Lock()
	tt, ok := o.tasks[taskID]
	o.tasksMu.Unlock()
	if !ok {
		return apperrors.NotFound("task", taskID)
	}

	tt.mu.Lock()
	if tt.t.SessionID != sessionID {
		tt.mu.Unlock()
		return apperrors.Unauthorized("task " + taskID + " does not belong to this session")
	}
	if tt.done {
		tt.mu.Unlock()
		return nil
	}
	for id := range tt.expected {
		if e, ok := o.supervisors[id]; ok {
			e.sup.Cancel(ctx, taskID)
		}
	}
	tt.done = true
	tt.t.State = task.StateCancelled
	now := time.Now().UTC()
	tt.mu.Unlock()

	o.emit(tt, &task.Result{
		TaskID:     taskID,
		Status:     task.StateCancelled,
		StartedAt:  tt.t.CreatedAt,
		FinishedAt: now,
		Err:        apperrors.Cancelled("task " + taskID + " cancelled by client"),
		Timestamp:  now,
	})
	close(tt.stream)

	o.totalCancelled.Add(1)
	o.appendRecord(ctx, journal.KindTaskTerminal, taskID, map[string]any{"state": string(task.StateCancelled)})

	o.tasksMu.Lock()
	delete(o.tasks, taskID)
	o.tasksMu.Unlock()
	return nil
}

// StreamResults returns the channel of PartialResult/TaskResult values for
// taskID, closed once the task reaches a terminal state.
func (o *Orchestrator) StreamResults(taskID string) (<-chan *task.Result, error) {
	o.tasksMu.Lock()
	tt, ok := o.tasks[taskID]
	o.tasksMu.Unlock()
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	return tt.stream, nil
}

// Describe returns the supervisor/capability inventory for the
// Administrative API.
func (o *Orchestrator) Describe() Inventory {
	inv := Inventory{Supervisors: make([]SupervisorInventory, 0, len(o.supervisors))}
	for id, e := range o.supervisors {
		caps := make([]string, 0, len(e.capabilities))
		for c := range e.capabilities {
			caps = append(caps, c)
		}
		inv.Supervisors = append(inv.Supervisors, SupervisorInventory{ID: id, Capabilities: caps})
	}
	return inv
}

// Stats returns aggregate counters for the Administrative API.
func (o *Orchestrator) Stats() Stats {
	o.tasksMu.Lock()
	inFlight := int64(len(o.tasks))
	o.tasksMu.Unlock()

	return Stats{
		TotalSubmitted: o.totalSubmitted.Load(),
		TotalCompleted: o.totalCompleted.Load(),
		TotalFailed:    o.totalFailed.Load(),
		TotalCancelled: o.totalCancelled.Load(),
		InFlight:       inFlight,
	}
}

// RouteAudit returns the bounded in-memory RouteDecision audit trail.
func (o *Orchestrator) RouteAudit() []task.RouteDecision {
	o.routeMu.Lock()
	defer o.routeMu.Unlock()
	out := make([]task.RouteDecision, len(o.routeAudit))
	copy(out, o.routeAudit)
	return out
}

func (o *Orchestrator) recordRouteDecision(taskID, capability, supervisorID string, candidates []string, reason string) {
	rd := task.RouteDecision{
		TaskID:       taskID,
		Capability:   capability,
		SupervisorID: supervisorID,
		Candidates:   candidates,
		Reason:       reason,
		DecidedAt:    time.Now().UTC(),
	}
	o.routeMu.Lock()
	o.routeAudit = append(o.routeAudit, rd)
	if len(o.routeAudit) > maxRouteAudit {
		o.routeAudit = o.routeAudit[len(o.routeAudit)-maxRouteAudit:]
	}
	o.routeMu.Unlock()
}

// handleInbound demultiplexes TaskResult/PartialResult messages forwarded by
// Supervisors into the right tracked task's stream, and resolves the join
// once every expected supervisor has answered (or, for any/quorum join
// modes, once the condition is met early).
func (o *Orchestrator) handleInbound(ctx context.Context, msg *bus.Message) error {
	if msg.Kind != bus.KindTaskResult && msg.Kind != bus.KindPartialResult {
		return nil
	}
	taskID, _ := msg.Payload["taskId"].(string)
	if taskID == "" {
		return nil
	}

	o.tasksMu.Lock()
	tt, ok := o.tasks[taskID]
	o.tasksMu.Unlock()
	if !ok {
		return nil
	}

	result := &task.Result{
		TaskID:    taskID,
		AgentID:   msg.From,
		Partial:   msg.Kind == bus.KindPartialResult,
		Output:    msg.Payload,
		Timestamp: time.Now().UTC(),
	}
	if errMsg, ok := msg.Payload["error"].(string); ok && errMsg != "" {
		result.Err = apperrors.Wrap(apperrors.AggregationFailed(errMsg), "sub-agent reported failure")
	}
	if tokens, ok := msg.Payload["tokensUsed"].(int); ok {
		result.TokensUsed = tokens
	}

	if result.Partial {
		o.emit(tt, result)
		return nil
	}

	o.resolve(ctx, tt, result)
	return nil
}

// resolve folds one supervisor's final result into tt's join state,
// finalizing the parent task once the join condition for its JoinMode is
// satisfied.
func (o *Orchestrator) resolve(ctx context.Context, tt *trackedTask, r *task.Result) {
	tt.mu.Lock()
	if tt.done {
		tt.mu.Unlock()
		return
	}
	tt.results[r.AgentID] = r

	decided, final, err := evaluateJoin(tt)
	if !decided {
		tt.mu.Unlock()
		return
	}
	tt.done = true
	tt.t.State = task.StateCompleted
	if err != nil {
		tt.t.State = task.StateFailed
	}
	now := time.Now().UTC()
	tt.mu.Unlock()

	if err != nil {
		final = &task.Result{TaskID: tt.t.ID, Err: err}
	}
	final.Status = tt.t.State
	final.StartedAt = tt.t.CreatedAt
	final.FinishedAt = now
	o.emit(tt, final)
	close(tt.stream)

	if err != nil {
		o.totalFailed.Add(1)
	} else {
		o.totalCompleted.Add(1)
	}
	o.appendRecord(ctx, journal.KindTaskTerminal, tt.t.ID, map[string]any{"state": string(tt.t.State)})

	o.tasksMu.Lock()
	delete(o.tasks, tt.t.ID)
	o.tasksMu.Unlock()
}

// evaluateJoin applies tt.t.JoinMode to the results collected so far.
// Caller must hold tt.mu.
func evaluateJoin(tt *trackedTask) (decided bool, final *task.Result, err error) {
	switch tt.t.JoinMode {
	case task.JoinAny:
		for _, r := range tt.results {
			if r.Err == nil {
				return true, r, nil
			}
		}
		if len(tt.results) == len(tt.expected) {
			return true, nil, apperrors.AggregationFailed("no supervisor succeeded for task " + tt.t.ID)
		}
		return false, nil, nil

	case task.JoinQuorum:
		successes := 0
		var last *task.Result
		for _, r := range tt.results {
			if r.Err == nil {
				successes++
				last = r
			}
		}
		if successes >= tt.t.JoinQuorumK {
			return true, last, nil
		}
		if len(tt.results) == len(tt.expected) {
			return true, nil, apperrors.AggregationFailed("quorum not reached for task " + tt.t.ID)
		}
		return false, nil, nil

	default: // JoinAll
		if len(tt.results) < len(tt.expected) {
			return false, nil, nil
		}
		var last *task.Result
		for _, r := range tt.results {
			if r.Err != nil {
				return true, nil, apperrors.AggregationFailed("supervisor " + r.AgentID + " failed: " + r.Err.Error())
			}
			last = r
		}
		return true, last, nil
	}
}

func (o *Orchestrator) emit(tt *trackedTask, r *task.Result) {
	select {
	case tt.stream <- r:
	default:
		o.logger.Warn("dropping result, stream buffer full", zap.String("task_id", tt.t.ID))
	}
}

// failTask force-finalizes tt as Failed when dispatch itself could not reach
// a supervisor (e.g. its queue is full).
func (o *Orchestrator) failTask(ctx context.Context, tt *trackedTask, supervisorID string, err error) {
	tt.mu.Lock()
	if tt.done {
		tt.mu.Unlock()
		return
	}
	tt.done = true
	tt.t.State = task.StateFailed
	now := time.Now().UTC()
	tt.mu.Unlock()

	o.emit(tt, &task.Result{
		TaskID:     tt.t.ID,
		AgentID:    supervisorID,
		Status:     task.StateFailed,
		StartedAt:  tt.t.CreatedAt,
		FinishedAt: now,
		Err:        err,
		Timestamp:  now,
	})
	close(tt.stream)

	o.totalFailed.Add(1)
	o.appendRecord(ctx, journal.KindTaskTerminal, tt.t.ID, map[string]any{"state": string(task.StateFailed), "error": err.Error()})

	o.tasksMu.Lock()
	delete(o.tasks, tt.t.ID)
	o.tasksMu.Unlock()
}

// appendRecord writes a journal record if a journal is configured; failures
// are logged but never block dispatch.
func (o *Orchestrator) appendRecord(ctx context.Context, kind journal.Kind, taskID string, payload map[string]any) {
	if o.journal == nil {
		return
	}
	rec := journal.Record{
		WallClock: time.Now().UnixNano(),
		Kind:      kind,
		TaskID:    taskID,
		Payload:   payload,
	}
	if _, err := o.journal.Append(ctx, rec); err != nil {
		o.logger.Warn("failed to append journal record", zap.String("task_id", taskID), zap.String("kind", string(kind)), zap.Error(err))
	}
}
