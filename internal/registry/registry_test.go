package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/agentmesh/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(100*time.Millisecond, 2, 4, log)
}

func TestRegistry_RegisterAndFind(t *testing.T) {
	r := newTestRegistry(t)

	agent, err := r.Register("agent-1", []string{"code.review"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, agent.State)

	require.NoError(t, r.SetState("agent-1", StateReady))

	found := r.Find("code.review")
	require.Len(t, found, 1)
	assert.Equal(t, "agent-1", found[0].ID)

	assert.Empty(t, r.Find("unknown.capability"))
}

func TestRegistry_RegisterRequiresCapabilities(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("agent-1", nil, nil)
	assert.Error(t, err)
}

func TestRegistry_FindExcludesNonReady(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("agent-1", []string{"code.review"}, nil)
	require.NoError(t, err)
	// still Initializing, not Ready
	assert.Empty(t, r.Find("code.review"))
}

func TestRegistry_IllegalTransitionRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("agent-1", []string{"code.review"}, nil)
	require.NoError(t, err)

	err = r.SetState("agent-1", StateBusy)
	assert.Error(t, err, "Initializing cannot jump directly to Busy")
}

func TestRegistry_HeartbeatRecoversFromDegraded(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("agent-1", []string{"code.review"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState("agent-1", StateReady))
	require.NoError(t, r.SetState("agent-1", StateDegraded))

	require.NoError(t, r.Heartbeat("agent-1"))

	agent, err := r.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, agent.State)
}

func TestRegistry_SweepDemotesStaleAgents(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("agent-1", []string{"code.review"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState("agent-1", StateReady))

	time.Sleep(250 * time.Millisecond) // >= 2 missed heartbeats at 100ms
	r.Sweep()

	agent, err := r.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, StateDegraded, agent.State)

	time.Sleep(250 * time.Millisecond) // now >= 4 missed heartbeats total
	r.Sweep()

	agent, err = r.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, StateOffline, agent.State)
}

func TestRegistry_DeregisterRemovesFromCapabilityIndex(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("agent-1", []string{"code.review"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetState("agent-1", StateReady))

	require.NoError(t, r.Deregister("agent-1"))
	assert.Empty(t, r.Find("code.review"))

	_, err = r.Get("agent-1")
	assert.Error(t, err)
}
