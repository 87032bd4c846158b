// Package kv defines the thin key-value abstraction (spec §4, §6) that
// every state store in this repository is built on: get/set string,
// hash-get-all, hash-multi-set, delete, key listing, and an advisory
// named lock with a timeout. The production implementation is Redis
// (core/kv.RedisStore); MemStore is an in-memory double used by tests
// that do not need a live Redis.
package kv

import (
	"context"
	"time"
)

// Store is the external key-value collaborator described in spec §6.
type Store interface {
	// GetString returns the string stored at key, or ("", false, nil) if
	// absent.
	GetString(ctx context.Context, key string) (string, bool, error)

	// SetString stores value at key.
	SetString(ctx context.Context, key, value string) error

	// HGetAll returns the full hash stored at key. An absent key returns
	// an empty, non-nil map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HMSet writes every field in fields into the hash at key.
	HMSet(ctx context.Context, key string, fields map[string]string) error

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Keys returns every key matching pattern (a Redis-style glob).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Lock acquires a named advisory lock, blocking until acquired,
	// ttl elapses without acquisition, or ctx is cancelled. The returned
	// unlock func is idempotent and safe to call via defer.
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, err error)
}
