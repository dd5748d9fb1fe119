// Package supervisor implements the Supervisor tier of spec.md §4.4: it
// owns a capability domain, selects sub-agents from the Agent Registry,
// fans a task out to one or more of them, and aggregates their results
// according to the task's join mode.
package supervisor

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
	"github.com/kdlbs/agentmesh/internal/registry"
	"github.com/kdlbs/agentmesh/internal/task"
)

// Status is a point-in-time snapshot for the Administrative API.
type Status struct {
	ID               string
	QueueDepth       int
	InFlight         int64
	MaxInFlight      int
	TotalProcessed   int64
	TotalFailed      int64
}

// Supervisor processes one capability domain's task queue.
type Supervisor struct {
	id       string
	cfg      config.SupervisorConfig
	queue    *Queue
	registry *registry.Registry
	bus      bus.Bus
	logger   *logger.Logger

	inFlight       atomic.Int64
	totalProcessed atomic.Int64
	totalFailed    atomic.Int64
	fanOutCursor   atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]*aggregation

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Supervisor named id over the given capability domain.
func New(id string, cfg config.SupervisorConfig, reg *registry.Registry, b bus.Bus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		id:       id,
		cfg:      cfg,
		queue:    NewQueue(cfg.QueueCapacity),
		registry: reg,
		bus:      b,
		logger:   log.With(zap.String("supervisor_id", id)),
		pending:  make(map[string]*aggregation),
	}
}

// Start subscribes to this supervisor's mailbox and begins the dispatch
// loop. Stop, or cancelling ctx, stops it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return apperrors.Conflict("supervisor " + s.id + " already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if _, err := s.bus.Subscribe(s.id, s.handleInbound); err != nil {
		return apperrors.Internal("subscribe supervisor mailbox", err)
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	s.logger.Info("supervisor started", zap.Int("max_in_flight", s.cfg.MaxInFlight))
	return nil
}

// Stop halts the dispatch loop and waits for it to exit.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return apperrors.Conflict("supervisor " + s.id + " is not running")
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("supervisor stopped")
	return nil
}

// Enqueue admits t to this supervisor's internal priority+FIFO queue.
func (s *Supervisor) Enqueue(t *task.Task) error {
	return s.queue.Enqueue(t)
}

// Cancel removes a not-yet-dispatched task from the queue, or drops its
// aggregation state if it was already dispatched and notifies every
// sub-agent it was fanned out to with a Cancel message addressed to that
// agent's own mailbox.
func (s *Supervisor) Cancel(ctx context.Context, taskID string) {
	if s.queue.Remove(taskID) {
		return
	}

	s.pendingMu.Lock()
	agg, ok := s.pending[taskID]
	if ok {
		delete(s.pending, taskID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return
	}

	s.inFlight.Add(-1)
	agg.mu.Lock()
	agentIDs := make([]string, 0, len(agg.expected))
	for agentID := range agg.expected {
		agentIDs = append(agentIDs, agentID)
	}
	agg.mu.Unlock()

	for _, agentID := range agentIDs {
		msg := bus.NewMessage(bus.KindCancel, s.id, agentID, taskID, map[string]any{"taskId": taskID})
		if err := s.bus.Publish(ctx, msg); err != nil {
			s.logger.Warn("failed to publish cancel", zap.String("task_id", taskID), zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// Status returns a snapshot of the supervisor's load for the
// Administrative API.
func (s *Supervisor) Status() Status {
	return Status{
		ID:             s.id,
		QueueDepth:     s.queue.Len(),
		InFlight:       s.inFlight.Load(),
		MaxInFlight:    s.cfg.MaxInFlight,
		TotalProcessed: s.totalProcessed.Load(),
		TotalFailed:    s.totalFailed.Load(),
	}
}

func (s *Supervisor) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

func (s *Supervisor) drain(ctx context.Context) {
	for s.cfg.MaxInFlight <= 0 || s.inFlight.Load() < int64(s.cfg.MaxInFlight) {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		t := s.queue.Dequeue()
		if t == nil {
			return
		}
		s.dispatch(ctx, t)
	}
}

func (s *Supervisor) dispatch(ctx context.Context, t *task.Task) {
	candidates := s.registry.Find(t.Capability)
	if len(candidates) == 0 {
		s.logger.Warn("no capable agent found", zap.String("task_id", t.ID), zap.String("capability", t.Capability))
		s.publishResult(ctx, t, nil, apperrors.NoCapableAgent(t.Capability))
		return
	}

	fanOut := 1
	if n, ok := t.Payload["fanOut"].(int); ok && n > 1 {
		fanOut = n
	}
	cursor := int(s.fanOutCursor.Load())
	targets, next := splitTargets(candidates, fanOut, cursor)
	s.fanOutCursor.Store(int64(next))

	agentIDs := make([]string, len(targets))
	for i, a := range targets {
		agentIDs[i] = a.ID
	}

	agg := newAggregation(t, agentIDs, s.cfg.AggregationPolicy == "strict")
	s.pendingMu.Lock()
	s.pending[t.ID] = agg
	s.pendingMu.Unlock()

	s.inFlight.Add(1)

	for _, agentID := range agentIDs {
		msg := bus.NewMessage(bus.KindTaskRequest, s.id, agentID, t.CorrelationID, map[string]any{
			"taskId":     t.ID,
			"capability": t.Capability,
			"payload":    t.Payload,
			"deadline":   t.Deadline,
		})
		if err := s.bus.Publish(ctx, msg); err != nil {
			s.logger.Error("failed to publish task request", zap.String("task_id", t.ID), zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// handleInbound processes TaskResult/PartialResult messages from sub-agents
// addressed to this supervisor.
func (s *Supervisor) handleInbound(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case bus.KindTaskResult, bus.KindPartialResult:
		s.handleResult(ctx, msg)
	case bus.KindHeartbeat:
		_ = s.registry.Heartbeat(msg.From)
	}
	return nil
}

func (s *Supervisor) handleResult(ctx context.Context, msg *bus.Message) {
	taskID, _ := msg.Payload["taskId"].(string)
	if taskID == "" {
		return
	}

	s.pendingMu.Lock()
	agg, ok := s.pending[taskID]
	s.pendingMu.Unlock()
	if !ok {
		return // already finalized or unknown; at-least-once redelivery, safe to drop
	}

	result := &task.Result{
		TaskID:    taskID,
		AgentID:   msg.From,
		Partial:   msg.Kind == bus.KindPartialResult,
		Output:    msg.Payload,
		Timestamp: time.Now().UTC(),
	}
	if errMsg, ok := msg.Payload["error"].(string); ok && errMsg != "" {
		result.Err = apperrors.ProviderError(apperrors.ProviderTransient, errMsg, nil)
	}
	if tokens, ok := msg.Payload["tokensUsed"].(int); ok {
		result.TokensUsed = tokens
	}

	if result.Partial {
		s.forwardPartial(ctx, taskID, msg)
		return
	}

	decided, final, err := agg.addResult(result)
	if !decided {
		return
	}

	s.pendingMu.Lock()
	delete(s.pending, taskID)
	s.pendingMu.Unlock()

	s.inFlight.Add(-1)
	s.publishResult(ctx, agg.t, final, err)
}

func (s *Supervisor) forwardPartial(ctx context.Context, taskID string, msg *bus.Message) {
	fwd := bus.NewMessage(bus.KindPartialResult, s.id, "orchestrator", msg.CorrelationID, msg.Payload)
	if err := s.bus.Publish(ctx, fwd); err != nil {
		s.logger.Warn("failed to forward partial result", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *Supervisor) publishResult(ctx context.Context, t *task.Task, final *task.Result, err error) {
	if err != nil {
		s.totalFailed.Add(1)
	} else {
		s.totalProcessed.Add(1)
	}

	payload := map[string]any{"taskId": t.ID}
	if final != nil {
		payload["output"] = final.Output
		payload["tokensUsed"] = final.TokensUsed
	}
	if err != nil {
		payload["error"] = err.Error()
	}

	msg := bus.NewMessage(bus.KindTaskResult, s.id, "orchestrator", t.CorrelationID, payload)
	if pubErr := s.bus.Publish(ctx, msg); pubErr != nil {
		s.logger.Error("failed to publish final task result", zap.String("task_id", t.ID), zap.Error(pubErr))
	}
}
