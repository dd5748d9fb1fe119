package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/agentmesh/internal/bus"
	"github.com/kdlbs/agentmesh/internal/common/config"
	"github.com/kdlbs/agentmesh/internal/common/logger"
	"github.com/kdlbs/agentmesh/internal/registry"
	"github.com/kdlbs/agentmesh/internal/task"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

func newTestSupervisor(t *testing.T, cfg config.SupervisorConfig) (*Supervisor, *registry.Registry, bus.Bus) {
	t.Helper()
	log := testLogger(t)
	reg := registry.New(time.Second, 3, 6, log)
	b := bus.NewMemoryBus(64, bus.DropNewest, log)
	sup := New("domain-sup", cfg, reg, b, log)
	return sup, reg, b
}

func TestSupervisor_DispatchesToReadyAgentAndAggregatesAllJoin(t *testing.T) {
	sup, reg, b := newTestSupervisor(t, config.SupervisorConfig{MaxInFlight: 4, QueueCapacity: 16, AggregationPolicy: "best-effort"})
	agent, err := reg.Register("agent-1", []string{"summarize"}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(agent.ID, registry.StateReady))

	var received *bus.Message
	_, err = b.Subscribe("agent-1", func(ctx context.Context, msg *bus.Message) error {
		received = msg
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	t1 := task.NewTask("session-1", "summarize", 5, map[string]any{"text": "hi"}, time.Now().Add(time.Minute))
	require.NoError(t, sup.Enqueue(t1))

	require.Eventually(t, func() bool { return received != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, bus.KindTaskRequest, received.Kind)
	assert.Equal(t, "agent-1", received.To)

	// simulate the sub-agent responding
	resultMsg := bus.NewMessage(bus.KindTaskResult, "agent-1", "domain-sup", t1.CorrelationID, map[string]any{
		"taskId": t1.ID,
		"output": "done",
	})
	require.NoError(t, sup.handleInbound(ctx, resultMsg))

	require.Eventually(t, func() bool { return sup.Status().TotalProcessed == 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisor_NoCapableAgentFailsImmediately(t *testing.T) {
	sup, _, b := newTestSupervisor(t, config.SupervisorConfig{MaxInFlight: 4, QueueCapacity: 16})

	var got *bus.Message
	_, err := b.Subscribe("orchestrator", func(ctx context.Context, msg *bus.Message) error {
		got = msg
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	t1 := task.NewTask("session-1", "no-such-capability", 1, nil, time.Now().Add(time.Minute))
	require.NoError(t, sup.Enqueue(t1))

	require.Eventually(t, func() bool { return got != nil }, time.Second, 5*time.Millisecond)
	assert.Contains(t, got.Payload["error"], "no ready agent")
	assert.Equal(t, int64(1), sup.Status().TotalFailed)
}

func TestSupervisor_CancelRemovesQueuedTask(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, config.SupervisorConfig{MaxInFlight: 1, QueueCapacity: 16})

	t1 := task.NewTask("session-1", "summarize", 1, nil, time.Now().Add(time.Minute))
	require.NoError(t, sup.Enqueue(t1))
	assert.Equal(t, 1, sup.Status().QueueDepth)

	sup.Cancel(context.Background(), t1.ID)
	assert.Equal(t, 0, sup.Status().QueueDepth)
}

func TestSupervisor_CancelDispatchedTaskNotifiesSubAgent(t *testing.T) {
	sup, reg, b := newTestSupervisor(t, config.SupervisorConfig{MaxInFlight: 4, QueueCapacity: 16, AggregationPolicy: "best-effort"})
	agent, err := reg.Register("agent-1", []string{"summarize"}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(agent.ID, registry.StateReady))

	var cancelMsg *bus.Message
	_, err = b.Subscribe("agent-1", func(ctx context.Context, msg *bus.Message) error {
		if msg.Kind == bus.KindCancel {
			cancelMsg = msg
		}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	t1 := task.NewTask("session-1", "summarize", 5, nil, time.Now().Add(time.Minute))
	require.NoError(t, sup.Enqueue(t1))

	require.Eventually(t, func() bool {
		sup.pendingMu.Lock()
		_, ok := sup.pending[t1.ID]
		sup.pendingMu.Unlock()
		return ok
	}, time.Second, 5*time.Millisecond)

	sup.Cancel(context.Background(), t1.ID)

	require.Eventually(t, func() bool { return cancelMsg != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "agent-1", cancelMsg.To, "Cancel must be addressed to the dispatched sub-agent, not the task id")
	assert.Equal(t, t1.ID, cancelMsg.Payload["taskId"])

	sup.pendingMu.Lock()
	_, ok := sup.pending[t1.ID]
	sup.pendingMu.Unlock()
	assert.False(t, ok, "cancelled task's aggregation state must be dropped")
}

func TestSupervisor_StartTwiceReturnsConflict(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, config.SupervisorConfig{MaxInFlight: 1, QueueCapacity: 16})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	err := sup.Start(ctx)
	require.Error(t, err)
}
