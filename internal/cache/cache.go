package cache

import (
	"context"
	"time"
)

// Cache stores serialized API responses under a TTL. An entry past its TTL
// must never be returned; Get treats it as a miss.
type Cache interface {
	// Get returns the cached value for key, or found=false on a miss or
	// an expired entry.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key for the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// ClearExpired removes entries past their TTL and returns how many
	// were dropped. Backends that expire server-side may return zero.
	ClearExpired(ctx context.Context) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
