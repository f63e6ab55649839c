// Package storage implements the pluggable key-value persistence the
// Session Engine uses to keep the current session and PKCE verifiers across
// process restarts.
package storage

import "context"

// Adapter is the three-operation contract the Session Engine persists
// through. Implementations may be purely local (in-memory, sqlite) or
// remote; the Session Engine always calls these under its own lock, so an
// Adapter never needs to provide its own concurrency guarantees beyond
// basic goroutine safety.
type Adapter interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}
