package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kdlbs/agentmesh/internal/bus"
	"github.com/kdlbs/agentmesh/internal/common/config"
	"github.com/kdlbs/agentmesh/internal/common/logger"
	"github.com/kdlbs/agentmesh/internal/orchestrator"
	"github.com/kdlbs/agentmesh/internal/registry"
	"github.com/kdlbs/agentmesh/internal/supervisor"
	"github.com/kdlbs/agentmesh/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

// fakeTransport records every envelope written to it instead of touching a
// real socket.
type fakeTransport struct {
	mu     sync.Mutex
	frames []*protocol.Envelope
	closed bool
}

func (f *fakeTransport) WriteEnvelope(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) snapshot() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Envelope, len(f.frames))
	copy(out, f.frames)
	return out
}

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	log := testLogger(t)
	b := bus.NewMemoryBus(128, bus.DropNewest, log)
	reg := registry.New(time.Second, 3, 6, log)

	supCfg := config.SupervisorConfig{Capabilities: []string{"summarize"}, MaxInFlight: 4, QueueCapacity: 16, AggregationPolicy: "best-effort"}
	sup := supervisor.New("sup-a", supCfg, reg, b, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, sup.Start(ctx))

	agent, err := reg.Register("agent-a", []string{"summarize"}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.SetState(agent.ID, registry.StateReady))

	_, err = b.Subscribe("agent-a", func(ctx context.Context, msg *bus.Message) error {
		if msg.Kind != bus.KindTaskRequest {
			return nil
		}
		taskID, _ := msg.Payload["taskId"].(string)
		reply := bus.NewMessage(bus.KindTaskResult, "agent-a", msg.From, msg.CorrelationID, map[string]any{
			"taskId": taskID,
			"output": "echoed",
		})
		return b.Publish(ctx, reply)
	})
	require.NoError(t, err)

	orch, err := orchestrator.New(
		config.OrchestratorConfig{DefaultTaskDeadline: time.Minute},
		map[string]*supervisor.Supervisor{"sup-a": sup},
		map[string]config.SupervisorConfig{"sup-a": supCfg},
		nil, b, nil, log,
	)
	require.NoError(t, err)
	return orch
}

func TestSession_SubmitStreamsResultBack(t *testing.T) {
	orch := newTestOrchestrator(t)
	log := testLogger(t)
	transport := &fakeTransport{}

	sess := New("sess-1", "user-1", transport, orch, DefaultConfig(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	defer sess.Close()

	taskID, err := sess.Submit(context.Background(), protocol.SubmitPayload{
		TaskType:   "summary",
		Payload:    map[string]any{"text": "hi"},
		Capability: "summarize",
	})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		for _, env := range transport.snapshot() {
			if env.Kind == protocol.KindResult && env.TaskID == taskID {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSession_SubmitRejectedWhenOutboundBufferSaturated(t *testing.T) {
	orch := newTestOrchestrator(t)
	log := testLogger(t)
	transport := &fakeTransport{}

	cfg := DefaultConfig()
	cfg.ClientBufferFrames = 1
	sess := New("sess-1", "user-1", transport, orch, cfg, log)
	defer sess.Close()

	sess.outbound <- &protocol.Envelope{Kind: protocol.KindPing}

	_, err := sess.Submit(context.Background(), protocol.SubmitPayload{
		TaskType:   "summary",
		Capability: "summarize",
	})
	require.Error(t, err)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	orch := newTestOrchestrator(t)
	log := testLogger(t)
	transport := &fakeTransport{}
	sess := New("sess-1", "user-1", transport, orch, DefaultConfig(), log)

	sess.Close()
	sess.Close()
	require.True(t, transport.closed)
}

func TestSession_IdleSessionClosesAfterTimeout(t *testing.T) {
	orch := newTestOrchestrator(t)
	log := testLogger(t)
	transport := &fakeTransport{}

	cfg := Config{
		IdleTimeout:        10 * time.Millisecond,
		PingInterval:       5 * time.Millisecond,
		MaxMissedPings:     3,
		ClientBufferFrames: 8,
	}
	sess := New("sess-1", "user-1", transport, orch, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Eventually(t, func() bool {
		return transport.closed
	}, time.Second, time.Millisecond)
}
