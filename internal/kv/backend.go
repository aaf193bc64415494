// Package kv provides the key-value persistence backends for the wallet's
// credential store: an in-memory map for tests and single-node deployments,
// and Redis for anything that needs to survive a restart.
package kv

import "context"

// Backend is a minimal key-value store with read-after-write consistency per
// key. Absence of a key is an expected state, reported via the found flag,
// never as an error.
type Backend interface {
	// Get retrieves a value. Returns (value, found, error).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value unconditionally.
	Set(ctx context.Context, key string, value []byte) error

	// Update applies mutate atomically: no concurrent Update or Set on the
	// same key interleaves between the read and the write. Returning an error
	// from mutate aborts the update and leaves the key untouched.
	Update(ctx context.Context, key string, mutate func(old []byte, found bool) ([]byte, error)) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
