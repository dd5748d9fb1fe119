package orchestrator

import (
	"context"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/providerpool"
)

// Classifier resolves a task type's required capability set. Task types that
// already declare their capabilities bypass the Classifier entirely (§4.5
// step 3); it is only consulted when SubmitOptions leaves Capability and
// Capabilities empty.
type Classifier interface {
	Classify(ctx context.Context, taskType string, payload map[string]any) ([]string, error)
}

// StaticClassifier resolves task types declared ahead of time in
// configuration, with no external call — the common case where task types
// map onto capabilities one-to-one.
type StaticClassifier struct {
	rules map[string][]string
}

// NewStaticClassifier builds a StaticClassifier from a taskType->capabilities
// mapping.
func NewStaticClassifier(rules map[string][]string) *StaticClassifier {
	return &StaticClassifier{rules: rules}
}

func (c *StaticClassifier) Classify(_ context.Context, taskType string, _ map[string]any) ([]string, error) {
	caps, ok := c.rules[taskType]
	if !ok || len(caps) == 0 {
		return nil, apperrors.InvalidRequest("unknown task type " + taskType + " has no declared capabilities")
	}
	return caps, nil
}

// ClassifyFunc performs the actual external classification call (e.g. a
// cheap LLM prompt). It is injected by the composition root so this package
// never depends on a concrete model client.
type ClassifyFunc func(ctx context.Context, taskType string, payload map[string]any) ([]string, error)

// ProviderClassifier routes classification through the Provider Pool, so a
// classification call is rate-limited, retried, and circuit-broken exactly
// like any other provider call (§4.5 step 3: "subject to the same Provider
// Pool rules").
type ProviderClassifier struct {
	pool       *providerpool.Manager
	providerID string
	call       ClassifyFunc
}

// NewProviderClassifier builds a ProviderClassifier that submits through the
// named provider's pool.
func NewProviderClassifier(pool *providerpool.Manager, providerID string, call ClassifyFunc) *ProviderClassifier {
	return &ProviderClassifier{pool: pool, providerID: providerID, call: call}
}

func (c *ProviderClassifier) Classify(ctx context.Context, taskType string, payload map[string]any) ([]string, error) {
	p, err := c.pool.Get(c.providerID)
	if err != nil {
		return nil, err
	}

	var caps []string
	err = p.Submit(ctx, 0, func(ctx context.Context) (int, error) {
		result, callErr := c.call(ctx, taskType, payload)
		if callErr != nil {
			return 0, callErr
		}
		caps = result
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if len(caps) == 0 {
		return nil, apperrors.InvalidRequest("classification returned no capabilities for task type " + taskType)
	}
	return caps, nil
}
