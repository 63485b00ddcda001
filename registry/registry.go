// Package registry defines the cross-node metadata mirror the engine's
// delete path writes through to, plus a bbolt-backed local adapter.
package registry

import "context"

// Mirror is the external, cross-node discovery KV the spec treats as an
// out-of-scope collaborator. The engine only ever deletes through it (on
// stream delete), best-effort with retries — it never reads it back.
type Mirror interface {
	Delete(ctx context.Context, streamID string) error
}
