package providerpool

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
)

// RetryConfig configures the exponential backoff applied to a provider
// call's Transient/RateLimited/Unavailable failures (§4.1, §7).
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
}

// Retry runs fn, retrying on errors whose apperrors.ProviderSubKind reports
// Retryable(), using exponential backoff. Non-retryable provider errors
// (Auth, BadRequest) and non-apperrors errors are returned on first
// occurrence without retry, since the spec requires they surface
// immediately rather than exhaust the retry budget.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialBackoff > 0 {
		bo.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		bo.MaxInterval = cfg.MaxBackoff
	}
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	} else {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withCtx := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var ae *apperrors.Error
		if errors.As(err, &ae) && ae.Kind == apperrors.KindProviderError && ae.ProviderSub.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}, withCtx)
}
