package providerpool

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/common/config"
	"github.com/kdlbs/agentmesh/internal/common/logger"
)

// Pool gates calls to a single external provider. Admission order is:
// bounded FIFO wait queue (reject immediately if the queue itself is full),
// token-bucket rate admission, a concurrency semaphore, then the circuit
// breaker wrapping a retrying call to fn.
type Pool struct {
	id            string
	limiter       *rate.Limiter
	tokens        *tokenBudget
	sem           chan struct{}
	queueCapacity int64
	retryCfg      RetryConfig
	circuit       *Circuit
	counters      counters
	logger        *logger.Logger
}

// NewPool builds a Pool for providerID from its ProviderConfig.
func NewPool(providerID string, cfg config.ProviderConfig, log *logger.Logger) *Pool {
	window := cfg.WindowDuration
	if window <= 0 {
		window = time.Minute
	}
	requestsPerSecond := float64(cfg.RequestsPerWindow) / window.Seconds()
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	burst := cfg.RequestsPerWindow
	if burst <= 0 {
		burst = 1
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	p := &Pool{
		id:            providerID,
		limiter:       rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		tokens:        newTokenBudget(int64(cfg.TokensPerWindow), window),
		sem:           make(chan struct{}, maxConcurrent),
		queueCapacity: int64(cfg.QueueCapacity),
		retryCfg: RetryConfig{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			Jitter:         cfg.Jitter,
		},
		logger: log,
	}

	degradeThreshold := cfg.DegradeThreshold
	p.circuit = NewCircuit(providerID, CircuitConfig{
		MaxConsecutiveFailures: degradeThreshold,
		OnHealthChange: func(id string, from, to Health) {
			log.Warn("provider health changed",
				zap.String("provider_id", id), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return p
}

// Ticket represents an admitted, in-flight call slot. Callers must call
// Release exactly once when the call completes.
type Ticket struct {
	pool *Pool
}

// Release returns the concurrency slot held by the ticket.
func (t *Ticket) Release() {
	t.pool.counters.inFlight.Add(-1)
	<-t.pool.sem
}

// Submit admits a single call to the provider: it takes a FIFO queue slot
// and a token-budget reservation of estimatedTokens, then waits (respecting
// ctx) for a rate-limiter token and a concurrency slot, then runs fn under
// circuit-breaker protection with retry of retryable provider errors. fn
// reports the actual token count the call consumed, which reconciles
// against estimatedTokens once the call completes (§4.1 admission
// condition 3). If the queue is already at capacity, or the token budget for
// the current window is exhausted, Submit fails fast rather than queuing
// further.
func (p *Pool) Submit(ctx context.Context, estimatedTokens int, fn func(ctx context.Context) (int, error)) error {
	if p.queueCapacity > 0 && p.counters.queueDepth.Load() >= p.queueCapacity {
		p.counters.rejected.Add(1)
		return apperrors.Backpressure("provider " + p.id + " wait queue is full")
	}

	p.counters.queueDepth.Add(1)
	defer p.counters.queueDepth.Add(-1)

	if !p.tokens.reserve(estimatedTokens) {
		p.counters.rejected.Add(1)
		return apperrors.BudgetExhausted("provider " + p.id + " token budget for the current window is exhausted")
	}

	if err := p.limiter.Wait(ctx); err != nil {
		p.tokens.reconcile(estimatedTokens, 0)
		p.counters.rejected.Add(1)
		return apperrors.QueueTimeout("provider " + p.id + " rate admission wait: " + err.Error())
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.tokens.reconcile(estimatedTokens, 0)
		p.counters.rejected.Add(1)
		return apperrors.QueueTimeout("provider " + p.id + " concurrency wait: " + ctx.Err().Error())
	}

	p.counters.inFlight.Add(1)
	p.counters.admitted.Add(1)
	ticket := &Ticket{pool: p}
	defer ticket.Release()

	attempts := 0
	actualTokens := 0
	err := p.circuit.Execute(ctx, func() error {
		return Retry(ctx, p.retryCfg, func() error {
			attempts++
			tokens, callErr := fn(ctx)
			actualTokens = tokens
			return callErr
		})
	})
	p.tokens.reconcile(estimatedTokens, actualTokens)
	if attempts > 1 {
		p.counters.retriedCalls.Add(1)
	}
	return err
}

// Health reports the provider's current circuit health.
func (p *Pool) Health() Health {
	return p.circuit.Health()
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	used, perWindow := p.tokens.snapshot()
	return p.counters.snapshot(p.id, p.Health(), used, perWindow)
}
