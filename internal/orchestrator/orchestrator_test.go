package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kdlbs/agentmesh/internal/bus"
	"github.com/kdlbs/agentmesh/internal/common/config"
	"github.com/kdlbs/agentmesh/internal/common/logger"
	"github.com/kdlbs/agentmesh/internal/registry"
	"github.com/kdlbs/agentmesh/internal/supervisor"
	"github.com/kdlbs/agentmesh/internal/task"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

type testHarness struct {
	b        bus.Bus
	reg      *registry.Registry
	sups     map[string]*supervisor.Supervisor
	supCfg   map[string]config.SupervisorConfig
	cancelFn context.CancelFunc
}

func newHarness(t *testing.T, domains map[string][]string) *testHarness {
	t.Helper()
	log := testLogger(t)
	b := bus.NewMemoryBus(128, bus.DropNewest, log)
	reg := registry.New(time.Second, 3, 6, log)

	sups := make(map[string]*supervisor.Supervisor)
	supCfg := make(map[string]config.SupervisorConfig)

	ctx, cancel := context.WithCancel(context.Background())
	for id, caps := range domains {
		cfg := config.SupervisorConfig{Capabilities: caps, MaxInFlight: 4, QueueCapacity: 16, AggregationPolicy: "best-effort"}
		sup := supervisor.New(id, cfg, reg, b, log)
		require.NoError(t, sup.Start(ctx))
		sups[id] = sup
		supCfg[id] = cfg
	}

	return &testHarness{b: b, reg: reg, sups: sups, supCfg: supCfg, cancelFn: cancel}
}

func (h *testHarness) registerEchoAgent(t *testing.T, agentID string, capabilities []string) {
	t.Helper()
	agent, err := h.reg.Register(agentID, capabilities, nil)
	require.NoError(t, err)
	require.NoError(t, h.reg.SetState(agent.ID, registry.StateReady))

	_, err = h.b.Subscribe(agentID, func(ctx context.Context, msg *bus.Message) error {
		if msg.Kind != bus.KindTaskRequest {
			return nil
		}
		taskID, _ := msg.Payload["taskId"].(string)
		reply := bus.NewMessage(bus.KindTaskResult, agentID, msg.From, msg.CorrelationID, map[string]any{
			"taskId": taskID,
			"output": "echoed",
		})
		return h.b.Publish(ctx, reply)
	})
	require.NoError(t, err)
}

func TestOrchestrator_SubmitSingleCapabilityTaskAndStreamResult(t *testing.T) {
	h := newHarness(t, map[string][]string{"sup-a": {"summarize"}})
	defer h.cancelFn()
	h.registerEchoAgent(t, "agent-a", []string{"summarize"})

	orch, err := New(config.OrchestratorConfig{DefaultTaskDeadline: time.Minute}, h.sups, h.supCfg, nil, h.b, nil, testLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	taskID, err := orch.SubmitTask(ctx, "session-1", "summary", map[string]any{"text": "hi"}, SubmitOptions{Capability: "summarize"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	stream, err := orch.StreamResults(taskID)
	require.NoError(t, err)

	select {
	case r := <-stream:
		require.NotNil(t, r)
		require.NoError(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}

	require.Eventually(t, func() bool { return orch.Stats().TotalCompleted == 1 }, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_NoCapableSupervisorFailsSubmit(t *testing.T) {
	h := newHarness(t, map[string][]string{"sup-a": {"summarize"}})
	defer h.cancelFn()

	orch, err := New(config.OrchestratorConfig{DefaultTaskDeadline: time.Minute}, h.sups, h.supCfg, nil, h.b, nil, testLogger(t))
	require.NoError(t, err)

	_, err = orch.SubmitTask(context.Background(), "session-1", "translate", nil, SubmitOptions{Capability: "translate"})
	require.Error(t, err)
}

func TestOrchestrator_SubmitRequiresSession(t *testing.T) {
	h := newHarness(t, map[string][]string{"sup-a": {"summarize"}})
	defer h.cancelFn()

	orch, err := New(config.OrchestratorConfig{}, h.sups, h.supCfg, nil, h.b, nil, testLogger(t))
	require.NoError(t, err)

	_, err = orch.SubmitTask(context.Background(), "", "summary", nil, SubmitOptions{Capability: "summarize"})
	require.Error(t, err)
}

func TestOrchestrator_MultiCapabilityJoinAllWaitsForBothSupervisors(t *testing.T) {
	h := newHarness(t, map[string][]string{
		"sup-a": {"summarize"},
		"sup-b": {"translate"},
	})
	defer h.cancelFn()
	h.registerEchoAgent(t, "agent-a", []string{"summarize"})
	h.registerEchoAgent(t, "agent-b", []string{"translate"})

	orch, err := New(config.OrchestratorConfig{DefaultTaskDeadline: time.Minute, DefaultJoinMode: "all"}, h.sups, h.supCfg, nil, h.b, nil, testLogger(t))
	require.NoError(t, err)

	taskID, err := orch.SubmitTask(context.Background(), "session-1", "multi", nil, SubmitOptions{
		Capabilities: []string{"summarize", "translate"},
		JoinMode:     task.JoinAll,
	})
	require.NoError(t, err)

	stream, err := orch.StreamResults(taskID)
	require.NoError(t, err)

	select {
	case r := <-stream:
		require.NotNil(t, r)
		require.NoError(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for joined result")
	}
}

func TestOrchestrator_CancelTaskRemovesTracking(t *testing.T) {
	h := newHarness(t, map[string][]string{"sup-a": {"summarize"}})
	defer h.cancelFn()

	orch, err := New(config.OrchestratorConfig{DefaultTaskDeadline: time.Minute}, h.sups, h.supCfg, nil, h.b, nil, testLogger(t))
	require.NoError(t, err)

	taskID, err := orch.SubmitTask(context.Background(), "session-1", "summary", nil, SubmitOptions{Capability: "summarize"})
	require.NoError(t, err)

	require.NoError(t, orch.CancelTask(context.Background(), "session-1", taskID))
	require.Equal(t, int64(1), orch.Stats().TotalCancelled)

	_, err = orch.StreamResults(taskID)
	require.Error(t, err)
}

func TestOrchestrator_CancelTaskEmitsCancelledResultBeforeClosingStream(t *testing.T) {
	h := newHarness(t, map[string][]string{"sup-a": {"summarize"}})
	defer h.cancelFn()

	orch, err := New(config.OrchestratorConfig{DefaultTaskDeadline: time.Minute}, h.sups, h.supCfg, nil, h.b, nil, testLogger(t))
	require.NoError(t, err)

	taskID, err := orch.SubmitTask(context.Background(), "session-1", "summary", nil, SubmitOptions{Capability: "summarize"})
	require.NoError(t, err)

	stream, err := orch.StreamResults(taskID)
	require.NoError(t, err)

	require.NoError(t, orch.CancelTask(context.Background(), "session-1", taskID))

	select {
	case r, ok := <-stream:
		require.True(t, ok, "a terminal Result must be sent before the stream closes")
		require.Equal(t, task.StateCancelled, r.Status)
		require.Error(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancelled result")
	}

	_, ok := <-stream
	require.False(t, ok, "stream must close after the terminal result")
}

func TestOrchestrator_DescribeReturnsSupervisorInventory(t *testing.T) {
	h := newHarness(t, map[string][]string{"sup-a": {"summarize"}})
	defer h.cancelFn()

	orch, err := New(config.OrchestratorConfig{}, h.sups, h.supCfg, nil, h.b, nil, testLogger(t))
	require.NoError(t, err)

	inv := orch.Describe()
	require.Len(t, inv.Supervisors, 1)
	require.Equal(t, "sup-a", inv.Supervisors[0].ID)
}
