package capability

import "context"

// EchoProvider is the zero-configuration reference Provider: it makes no
// external call and returns its input payload as output, charging a token
// cost proportional to the payload's size. It is the default a SubAgent
// invokes through absent an explicit provider wiring; a production
// deployment replaces it with a real model-backed Provider at the
// composition root.
type EchoProvider struct{}

// Invoke implements Provider.
func (EchoProvider) Invoke(_ context.Context, req Request) (Response, error) {
	tokens := 0
	for k, v := range req.Payload {
		tokens += len(k)
		if s, ok := v.(string); ok {
			tokens += len(s)
		}
	}
	if tokens == 0 {
		tokens = 1
	}
	return Response{Result: req.Payload, TokensUsed: tokens}, nil
}
