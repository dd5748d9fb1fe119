package providerpool

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
)

// Health is the provider health state of spec.md §4.1: Healthy, Degraded,
// Offline. It is a renaming of gobreaker's closed/half-open/open onto the
// orchestration domain's vocabulary.
type Health int

const (
	Healthy  Health = Health(gobreaker.StateClosed)
	Degraded Health = Health(gobreaker.StateHalfOpen)
	Offline  Health = Health(gobreaker.StateOpen)
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

var (
	errCircuitOpen     = errors.New("provider circuit is open")
	errTooManyRequests = errors.New("too many probe requests while provider is degraded")
)

// CircuitConfig configures the breaker backing one provider.
type CircuitConfig struct {
	MaxConsecutiveFailures int
	OpenTimeout            time.Duration
	HalfOpenMaxProbes      int
	OnHealthChange         func(providerID string, from, to Health)
}

// Circuit wraps a gobreaker.CircuitBreaker, translating its states into
// the Provider Pool's Healthy/Degraded/Offline vocabulary.
type Circuit struct {
	providerID string
	gb         *gobreaker.CircuitBreaker[any]
}

// NewCircuit builds a Circuit for providerID.
func NewCircuit(providerID string, cfg CircuitConfig) *Circuit {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}

	maxFailures := uint32(cfg.MaxConsecutiveFailures)
	settings := gobreaker.Settings{
		Name:        providerID,
		MaxRequests: uint32(cfg.HalfOpenMaxProbes),
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	if cfg.OnHealthChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnHealthChange(providerID, Health(from), Health(to))
		}
	}

	return &Circuit{
		providerID: providerID,
		gb:         gobreaker.NewCircuitBreaker[any](settings),
	}
}

// Health returns the provider's current health.
func (c *Circuit) Health() Health {
	return Health(c.gb.State())
}

// Execute runs fn under circuit breaker protection. When the circuit is
// Offline or a half-open probe slot is unavailable, fn is not called and a
// ProviderError with ProviderUnavailable is returned immediately so the
// caller does not wait out a call it knows will be refused.
func (c *Circuit) Execute(_ context.Context, fn func() error) error {
	_, err := c.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) {
		return apperrors.ProviderError(apperrors.ProviderUnavailable, "provider circuit is open", errCircuitOpen)
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.ProviderError(apperrors.ProviderUnavailable, "provider is probing recovery", errTooManyRequests)
	}
	return err
}
