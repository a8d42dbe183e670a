package gamedata

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/guild-monitor/internal/domain"
)

// CharacterFetcher is the slice of the client the dispatcher needs.
type CharacterFetcher interface {
	FetchCharacter(ctx context.Context, name string) (domain.CharacterRecord, error)
	RateLimit() domain.RateLimitSnapshot
}

// Dispatcher fans character lookups out against the client under a bounded
// concurrency ceiling, pacing chunks so the whole batch stays inside the
// upstream rate limit.
type Dispatcher struct {
	fetcher     CharacterFetcher
	concurrency int
	logger      *slog.Logger

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a batch dispatcher
func NewDispatcher(fetcher CharacterFetcher, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Dispatcher{
		fetcher:     fetcher,
		concurrency: concurrency,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FetchMany fetches records for all names and returns them keyed by
// lowercased name. The result is partial on failure: a lookup error for one
// name is logged and that name is simply absent; it never aborts siblings
// or the batch. Empty input is a no-op.
func (d *Dispatcher) FetchMany(ctx context.Context, names []string) (map[string]domain.CharacterRecord, error) {
	results := make(map[string]domain.CharacterRecord, len(names))
	if len(names) == 0 {
		return results, nil
	}

	var mu sync.Mutex
	for start := 0; start < len(names); start += d.concurrency {
		end := start + d.concurrency
		if end > len(names) {
			end = len(names)
		}
		chunk := names[start:end]

		var wg sync.WaitGroup
		for _, name := range chunk {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				record, err := d.fetcher.FetchCharacter(ctx, name)
				if err != nil {
					d.logger.Warn("character fetch failed",
						"character", name,
						"error", err,
					)
					return
				}
				mu.Lock()
				results[strings.ToLower(name)] = record
				mu.Unlock()
			}(name)
		}
		wg.Wait()

		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		// Pace the next chunk from the live rate-limit state so that
		// chunks_per_minute * concurrency stays at or under the limit.
		if end < len(names) {
			if err := d.sleep(ctx, d.chunkDelay()); err != nil {
				return results, err
			}
		}
	}

	return results, nil
}

func (d *Dispatcher) chunkDelay() time.Duration {
	limit := d.fetcher.RateLimit().Limit
	if limit <= 0 {
		limit = 60
	}
	return time.Minute * time.Duration(d.concurrency) / time.Duration(limit)
}
