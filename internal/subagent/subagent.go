// Package subagent implements the SubAgent tier of spec.md §4.3: the leaf
// worker a Supervisor fans a task out to. A SubAgent receives a TaskRequest
// off its own mailbox, runs it through a capability.Provider behind the
// Provider Pool's admission gate, and publishes the TaskResult back.
package subagent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/agentmesh/internal/bus"
	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/common/logger"
	"github.com/kdlbs/agentmesh/internal/providerpool"
	"github.com/kdlbs/agentmesh/internal/registry"
	"github.com/kdlbs/agentmesh/pkg/capability"
)

// Config binds one SubAgent identity to the provider it calls through and
// the per-call token estimate the Provider Pool admits it under (§4.1).
type Config struct {
	ID              string
	Capabilities    []string
	ProviderID      string
	EstimatedTokens int
}

// SubAgent is the runtime counterpart of one Agent Registry entry: it owns
// no state the Registry or Supervisor don't already track, only the
// in-flight cancel funcs needed to honor a Cancel message.
type SubAgent struct {
	cfg      Config
	provider capability.Provider
	pool     *providerpool.Manager
	reg      *registry.Registry
	bus      bus.Bus
	logger   *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a SubAgent. It does not touch the Registry or bus until Start.
func New(cfg Config, provider capability.Provider, pool *providerpool.Manager, reg *registry.Registry, b bus.Bus, log *logger.Logger) *SubAgent {
	return &SubAgent{
		cfg:      cfg,
		provider: provider,
		pool:     pool,
		reg:      reg,
		bus:      b,
		logger:   log.With(zap.String("agent_id", cfg.ID)),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start registers the agent, marks it Ready, and subscribes to its mailbox.
func (a *SubAgent) Start() error {
	agent, err := a.reg.Register(a.cfg.ID, a.cfg.Capabilities, nil)
	if err != nil {
		return err
	}
	if err := a.reg.SetState(agent.ID, registry.StateReady); err != nil {
		return err
	}
	if _, err := a.bus.Subscribe(a.cfg.ID, a.handleInbound); err != nil {
		return apperrors.Internal("subscribe sub-agent mailbox", err)
	}
	return nil
}

// handleInbound is the bus handler for this agent's mailbox. TaskRequest
// processing runs on its own goroutine: the bus hands handlers a
// short-lived per-delivery context that must not gate the task's own
// lifetime.
func (a *SubAgent) handleInbound(_ context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case bus.KindTaskRequest:
		go a.process(msg)
	case bus.KindCancel:
		a.cancel(msg)
	}
	return nil
}

func (a *SubAgent) cancel(msg *bus.Message) {
	taskID, _ := msg.Payload["taskId"].(string)
	if taskID == "" {
		return
	}
	a.mu.Lock()
	cancel, ok := a.cancels[taskID]
	if ok {
		delete(a.cancels, taskID)
	}
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *SubAgent) process(msg *bus.Message) {
	taskID, _ := msg.Payload["taskId"].(string)
	if taskID == "" {
		return
	}
	cap, _ := msg.Payload["capability"].(string)
	payload, _ := msg.Payload["payload"].(map[string]any)

	ctx := context.Background()
	if deadline, ok := msg.Payload["deadline"].(time.Time); ok && !deadline.IsZero() {
		var dcancel context.CancelFunc
		ctx, dcancel = context.WithDeadline(ctx, deadline)
		defer dcancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancels[taskID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.cancels, taskID)
		a.mu.Unlock()
		cancel()
	}()

	output, tokensUsed, err := a.invoke(ctx, cap, payload)
	if ctx.Err() == context.Canceled {
		err = apperrors.Cancelled("task " + taskID + " cancelled while running on sub-agent " + a.cfg.ID)
	}
	a.publishResult(taskID, msg, output, tokensUsed, err)
}

func (a *SubAgent) invoke(ctx context.Context, capName string, payload map[string]any) (map[string]any, int, error) {
	pool, err := a.pool.Get(a.cfg.ProviderID)
	if err != nil {
		return nil, 0, err
	}

	var resp capability.Response
	err = pool.Submit(ctx, a.cfg.EstimatedTokens, func(ctx context.Context) (int, error) {
		r, callErr := a.provider.Invoke(ctx, capability.Request{
			ProviderID: a.cfg.ProviderID,
			Capability: capName,
			Payload:    payload,
		})
		if callErr != nil {
			return 0, callErr
		}
		resp = r
		return r.TokensUsed, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return resp.Result, resp.TokensUsed, nil
}

func (a *SubAgent) publishResult(taskID string, req *bus.Message, output map[string]any, tokensUsed int, err error) {
	payload := map[string]any{"taskId": taskID, "tokensUsed": tokensUsed}
	if output != nil {
		payload["output"] = output
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	reply := bus.NewMessage(bus.KindTaskResult, a.cfg.ID, req.From, req.CorrelationID, payload)
	if pubErr := a.bus.Publish(context.Background(), reply); pubErr != nil {
		a.logger.Error("failed to publish task result", zap.String("task_id", taskID), zap.Error(pubErr))
	}
}
