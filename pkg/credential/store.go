// Package credential defines the CredentialStore collaborator of spec.md
// §6: resolves a provider id to the secret the Provider Pool needs to call
// it, without that secret ever passing through application logging.
package credential

import "context"

// Store resolves providerID to its credential material. Resolve's return
// value must never be logged by any caller; implementations typically back
// onto a vault or secrets manager owned outside this module.
type Store interface {
	Resolve(ctx context.Context, providerID string) (secret string, err error)
}
