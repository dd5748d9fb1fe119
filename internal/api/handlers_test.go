package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/agentmesh/internal/bus"
	"github.com/kdlbs/agentmesh/internal/common/config"
	"github.com/kdlbs/agentmesh/internal/common/logger"
	"github.com/kdlbs/agentmesh/internal/orchestrator"
	"github.com/kdlbs/agentmesh/internal/providerpool"
	"github.com/kdlbs/agentmesh/internal/registry"
	"github.com/kdlbs/agentmesh/internal/session"
	"github.com/kdlbs/agentmesh/internal/supervisor"
	"github.com/kdlbs/agentmesh/pkg/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return l
}

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, credential string) (identity.Principal, error) {
	return identity.Principal{ID: credential}, nil
}

func newTestHandler(t *testing.T) (*Handler, *WSHandler, *registry.Registry) {
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

	providers := providerpool.NewManager(&config.Config{}, log)

	handler := NewHandler(orch, reg, providers, log)
	wsHandler := NewWSHandler(orch, stubVerifier{}, session.DefaultConfig(), log)
	return handler, wsHandler, reg
}

func TestSubmitTask_AcceptsAndReturnsTaskID(t *testing.T) {
	handler, wsHandler, _ := newTestHandler(t)
	router := NewRouter(handler, wsHandler, testLogger(t))

	body, _ := json.Marshal(map[string]any{
		"sessionId":  "session-1",
		"taskType":   "summary",
		"capability": "summarize",
		"payload":    map[string]any{"text": "hi"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["taskId"])
}

func TestSubmitTask_RejectsMissingTaskType(t *testing.T) {
	handler, wsHandler, _ := newTestHandler(t)
	router := NewRouter(handler, wsHandler, testLogger(t))

	body, _ := json.Marshal(map[string]any{"sessionId": "session-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAgents_ReturnsRegisteredAgent(t *testing.T) {
	handler, wsHandler, _ := newTestHandler(t)
	router := NewRouter(handler, wsHandler, testLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/agents", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "agent-a")
}

func TestDescribe_ReturnsSupervisorInventory(t *testing.T) {
	handler, wsHandler, _ := newTestHandler(t)
	router := NewRouter(handler, wsHandler, testLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/describe", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "sup-a")
}

func TestCancelTask_RequiresSessionIDQueryParam(t *testing.T) {
	handler, wsHandler, _ := newTestHandler(t)
	router := NewRouter(handler, wsHandler, testLogger(t))

	req := httptest.NewRequest(http.MethodDelete, "/v1/tasks/unknown-task", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
