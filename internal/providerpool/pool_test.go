package providerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/common/config"
	"github.com/kdlbs/agentmesh/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestPool_AdmitsWithinLimit(t *testing.T) {
	p := NewPool("p1", config.ProviderConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		MaxConcurrent:     2,
		QueueCapacity:     5,
		RetryMaxAttempts:  1,
	}, testLogger(t))

	var calls atomic.Int32
	err := p.Submit(context.Background(), 10, func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), p.Stats().Admitted)
}

func TestPool_RejectsWhenTokenBudgetExhausted(t *testing.T) {
	p := NewPool("p1", config.ProviderConfig{
		RequestsPerWindow: 100,
		TokensPerWindow:   50,
		WindowDuration:    time.Minute,
		MaxConcurrent:     1,
		QueueCapacity:     5,
		RetryMaxAttempts:  1,
	}, testLogger(t))

	err := p.Submit(context.Background(), 40, func(ctx context.Context) (int, error) { return 40, nil })
	require.NoError(t, err)

	err = p.Submit(context.Background(), 20, func(ctx context.Context) (int, error) { return 20, nil })
	require.Error(t, err)
	assert.Equal(t, apperrors.KindBudgetExhausted, apperrors.KindOf(err))
}

func TestPool_RejectsWhenQueueFull(t *testing.T) {
	p := NewPool("p1", config.ProviderConfig{
		RequestsPerWindow: 1000,
		WindowDuration:    time.Second,
		MaxConcurrent:     1,
		QueueCapacity:     1,
		RetryMaxAttempts:  1,
	}, testLogger(t))

	// Manually saturate the queue-depth counter to simulate a full wait queue.
	p.counters.queueDepth.Store(1)

	err := p.Submit(context.Background(), 0, func(ctx context.Context) (int, error) { return 0, nil })
	require.Error(t, err)
	assert.Equal(t, apperrors.KindBackpressure, apperrors.KindOf(err))
}

func TestPool_RetriesTransientProviderErrors(t *testing.T) {
	p := NewPool("p1", config.ProviderConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Second,
		MaxConcurrent:     1,
		QueueCapacity:     5,
		RetryMaxAttempts:  3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
	}, testLogger(t))

	var attempts atomic.Int32
	err := p.Submit(context.Background(), 0, func(ctx context.Context) (int, error) {
		n := attempts.Add(1)
		if n < 3 {
			return 0, apperrors.ProviderError(apperrors.ProviderTransient, "transient", errors.New("boom"))
		}
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, uint64(1), p.Stats().RetriedCalls, "only one retry cycle should be counted per Submit")
}

func TestPool_DoesNotRetryNonRetryableProviderErrors(t *testing.T) {
	p := NewPool("p1", config.ProviderConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Second,
		MaxConcurrent:     1,
		QueueCapacity:     5,
		RetryMaxAttempts:  5,
		InitialBackoff:    time.Millisecond,
	}, testLogger(t))

	var attempts atomic.Int32
	err := p.Submit(context.Background(), 0, func(ctx context.Context) (int, error) {
		attempts.Add(1)
		return 0, apperrors.ProviderError(apperrors.ProviderBadRequest, "bad request", errors.New("nope"))
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load(), "bad-request provider errors must not be retried")
}

func TestPool_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	p := NewPool("p1", config.ProviderConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Second,
		MaxConcurrent:     1,
		QueueCapacity:     5,
		RetryMaxAttempts:  1,
		DegradeThreshold:  2,
	}, testLogger(t))

	for i := 0; i < 2; i++ {
		_ = p.Submit(context.Background(), 0, func(ctx context.Context) (int, error) {
			return 0, apperrors.ProviderError(apperrors.ProviderUnavailable, "down", errors.New("x"))
		})
	}

	assert.Equal(t, Offline, p.Health())

	err := p.Submit(context.Background(), 0, func(ctx context.Context) (int, error) { return 0, nil })
	require.Error(t, err, "an open circuit must refuse calls without invoking fn")
}
