package gamedata

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guild-monitor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls   atomic.Int32
	failFor map[string]error
	limit   int
}

func (f *fakeFetcher) FetchCharacter(ctx context.Context, name string) (domain.CharacterRecord, error) {
	f.calls.Add(1)
	if err, ok := f.failFor[strings.ToLower(name)]; ok {
		return domain.CharacterRecord{}, err
	}
	return domain.CharacterRecord{Name: name, World: "Antica"}, nil
}

func (f *fakeFetcher) RateLimit() domain.RateLimitSnapshot {
	limit := f.limit
	if limit == 0 {
		limit = 60
	}
	return domain.RateLimitSnapshot{Limit: limit, Remaining: limit}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestFetchManyReturnsLowercasedKeys(t *testing.T) {
	d := NewDispatcher(&fakeFetcher{}, 5, testLogger())
	d.sleep = noSleep

	results, err := d.FetchMany(context.Background(), []string{"Knight Bob", "Mage Alice"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, results, "knight bob")
	assert.Contains(t, results, "mage alice")
	assert.Equal(t, "Knight Bob", results["knight bob"].Name)
}

func TestFetchManyIsolatesSingleFailure(t *testing.T) {
	names := make([]string, 10)
	for i := range names {
		names[i] = fmt.Sprintf("Player %d", i)
	}
	fetcher := &fakeFetcher{failFor: map[string]error{
		"player 3": domain.ErrUpstreamUnavailable,
	}}
	d := NewDispatcher(fetcher, 4, testLogger())
	d.sleep = noSleep

	results, err := d.FetchMany(context.Background(), names)
	require.NoError(t, err, "a single lookup failure must not raise")
	assert.Len(t, results, 9)
	assert.NotContains(t, results, "player 3")
	assert.Equal(t, int32(10), fetcher.calls.Load(), "siblings of a failed name still run")
}

func TestFetchManyEmptyInputIsNoOp(t *testing.T) {
	fetcher := &fakeFetcher{}
	d := NewDispatcher(fetcher, 5, testLogger())
	d.sleep = noSleep

	results, err := d.FetchMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, fetcher.calls.Load())
}

func TestFetchManyPacesChunksFromRateLimit(t *testing.T) {
	var slept []time.Duration
	d := NewDispatcher(&fakeFetcher{limit: 60}, 5, testLogger())
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}

	names := make([]string, 12)
	for i := range names {
		names[i] = fmt.Sprintf("Player %d", i)
	}

	_, err := d.FetchMany(context.Background(), names)
	require.NoError(t, err)

	// Three chunks of five-five-two means two inter-chunk delays, each
	// sized so chunks_per_minute * concurrency <= limit.
	require.Len(t, slept, 2)
	for _, dur := range slept {
		assert.Equal(t, time.Minute*5/60, dur)
	}
}

func TestFetchManyStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &fakeFetcher{}
	d := NewDispatcher(fetcher, 2, testLogger())
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := d.FetchMany(ctx, []string{"a", "b", "c", "d"})
	assert.ErrorIs(t, err, context.Canceled)
}
