// Package providerpool implements the Provider Pool of spec.md §4.1: it
// gates calls into external model providers behind per-provider token-bucket
// admission, a bounded concurrency cap, a bounded FIFO wait queue, a circuit
// breaker, and exponential-backoff retry of transient failures.
package providerpool

import "sync/atomic"

// Stats is a point-in-time snapshot of one provider's pool state, surfaced
// on the Administrative API (§6).
type Stats struct {
	ProviderID      string
	Health          Health
	InFlight        int64
	QueueDepth      int64
	Admitted        uint64
	Rejected        uint64
	RetriedCalls    uint64
	UsedTokens      int64
	TokensPerWindow int64
}

type counters struct {
	inFlight     atomic.Int64
	queueDepth   atomic.Int64
	admitted     atomic.Uint64
	rejected     atomic.Uint64
	retriedCalls atomic.Uint64
}

func (c *counters) snapshot(id string, h Health, usedTokens, tokensPerWindow int64) Stats {
	return Stats{
		ProviderID:      id,
		Health:          h,
		InFlight:        c.inFlight.Load(),
		QueueDepth:      c.queueDepth.Load(),
		Admitted:        c.admitted.Load(),
		Rejected:        c.rejected.Load(),
		RetriedCalls:    c.retriedCalls.Load(),
		UsedTokens:      usedTokens,
		TokensPerWindow: tokensPerWindow,
	}
}
