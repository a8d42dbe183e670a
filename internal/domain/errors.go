package domain

import "errors"

// Engine errors
var (
	// ErrNotFound means the upstream API reports the entity does not
	// exist. Callers treat it as "nothing to ingest", not a failure.
	ErrNotFound = errors.New("entity not found upstream")

	// ErrRateLimited means the upstream API throttled the call. The
	// caller must back off per the rate-limit state, never retry inline.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUpstreamUnavailable covers 5xx responses and transport errors.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrPersistenceConflict means the store rejected a duplicate key.
	// For death events this is benign: the dedup watermark already
	// caught the case, or a race did.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrConfiguration marks malformed input, fatal to that call only.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrGuildNotFound means the locally configured guild id is unknown.
	ErrGuildNotFound = errors.New("guild not found")
)

// IsRetryable reports whether an error is transient upstream trouble that
// the next tick can be expected to clear.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamUnavailable)
}

// IsNotFoundError checks if an error is a not-found type error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrGuildNotFound)
}
