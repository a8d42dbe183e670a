package gamedata

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/guild-monitor/internal/domain"
)

// fallbackWindow bounds the gate's sleep when the server never reported a
// reset time for the current window.
const fallbackWindow = 60 * time.Second

// RateLimitState tracks the upstream API's limit/remaining/reset metadata.
// It is shared by every task that touches the client, so all access goes
// through the mutex. Only the client's response handling updates it.
type RateLimitState struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	now       func() time.Time
}

// NewRateLimitState creates rate-limit state seeded with the configured
// per-window limit. The first server response overrides the seed.
func NewRateLimitState(limit int) *RateLimitState {
	return &RateLimitState{
		limit:     limit,
		remaining: limit,
		now:       time.Now,
	}
}

// UpdateFromHeaders applies the server-reported rate-limit metadata.
// Missing or malformed headers leave the corresponding field untouched.
func (s *RateLimitState) UpdateFromHeaders(h http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, err := strconv.Atoi(h.Get("X-RateLimit-Limit")); err == nil && v > 0 {
		s.limit = v
	}
	if v, err := strconv.Atoi(h.Get("X-RateLimit-Remaining")); err == nil && v >= 0 {
		s.remaining = v
	}
	if v, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil && v > 0 {
		s.resetAt = time.Unix(v, 0)
	}
}

// Wait blocks until the caller may issue one request. When the window is
// exhausted it sleeps until the server-reported reset, recomputed from the
// server rather than assumed, then assumes a fresh window. The sleep is
// always bounded and honors context cancellation.
func (s *RateLimitState) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.remaining > 0 {
			// Conservative local decrement; the next response's
			// headers correct any drift.
			s.remaining--
			s.mu.Unlock()
			return nil
		}

		// A reset that already passed means the window is fresh; refill
		// instead of sleeping.
		if !s.resetAt.IsZero() && !s.now().Before(s.resetAt) {
			s.remaining = s.limit
			s.resetAt = time.Time{}
			s.mu.Unlock()
			continue
		}

		wait := s.resetAt.Sub(s.now())
		if wait <= 0 || wait > fallbackWindow {
			wait = fallbackWindow
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.mu.Lock()
		if !s.now().Before(s.resetAt) {
			s.remaining = s.limit
			s.resetAt = time.Time{}
		}
		s.mu.Unlock()
	}
}

// Snapshot returns a read-only copy of the current state
func (s *RateLimitState) Snapshot() domain.RateLimitSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.RateLimitSnapshot{
		Limit:     s.limit,
		Remaining: s.remaining,
		ResetAt:   s.resetAt,
	}
}
