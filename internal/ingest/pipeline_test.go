package ingest

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guild-monitor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore mimics the persistence contract: a unique (player, occurredAt)
// index with conflict-as-no-op, and a monotonic watermark.
type fakeStore struct {
	mu           sync.Mutex
	players      map[string]*domain.TrackedPlayer
	events       map[string]domain.DeathEvent
	insertErrFor map[string]error
	advanceErr   error
}

func newFakeStore(players ...domain.TrackedPlayer) *fakeStore {
	s := &fakeStore{
		players:      make(map[string]*domain.TrackedPlayer),
		events:       make(map[string]domain.DeathEvent),
		insertErrFor: make(map[string]error),
	}
	for i := range players {
		p := players[i]
		s.players[p.ID] = &p
	}
	return s
}

func (s *fakeStore) ListActivePlayers(ctx context.Context) ([]domain.TrackedPlayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TrackedPlayer
	for _, p := range s.players {
		out = append(out, *p)
	}
	return out, nil
}

func (s *fakeStore) InsertDeathEvents(ctx context.Context, events []domain.DeathEvent) ([]domain.DeathEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted []domain.DeathEvent
	for _, e := range events {
		if err, ok := s.insertErrFor[e.PlayerID]; ok {
			return inserted, err
		}
		key := e.PlayerID + "|" + e.OccurredAt.UTC().Format(time.RFC3339)
		if _, exists := s.events[key]; exists {
			continue
		}
		s.events[key] = e
		inserted = append(inserted, e)
	}
	return inserted, nil
}

func (s *fakeStore) AdvanceDeathWatermark(ctx context.Context, playerID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advanceErr != nil {
		err := s.advanceErr
		s.advanceErr = nil
		return err
	}
	if p, ok := s.players[playerID]; ok && ts.After(p.LastDeathCheckAt) {
		p.LastDeathCheckAt = ts
	}
	return nil
}

func (s *fakeStore) watermark(playerID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players[playerID].LastDeathCheckAt
}

func (s *fakeStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeDispatcher struct {
	records map[string]domain.CharacterRecord
}

func (d *fakeDispatcher) FetchMany(ctx context.Context, names []string) (map[string]domain.CharacterRecord, error) {
	out := make(map[string]domain.CharacterRecord)
	for _, name := range names {
		if record, ok := d.records[strings.ToLower(name)]; ok {
			out[strings.ToLower(name)] = record
		}
	}
	return out, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.DeathEvent
}

func (n *fakeNotifier) DeathRecorded(event domain.DeathEvent) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func knightBob() domain.TrackedPlayer {
	return domain.TrackedPlayer{
		ID:               "p1",
		Name:             "Knight Bob",
		World:            "Antica",
		GuildID:          "g1",
		Level:            120,
		LastDeathCheckAt: t0,
	}
}

func TestPipelineIngestsNewDeath(t *testing.T) {
	store := newFakeStore(knightBob())
	dispatcher := &fakeDispatcher{records: map[string]domain.CharacterRecord{
		"knight bob": {
			Name:  "Knight Bob",
			World: "Antica",
			RecentDeaths: []domain.Death{{
				OccurredAt: t0.Add(5 * time.Second),
				Level:      119,
				Reason:     "Slain by an orc",
				Killers:    []domain.Killer{{Name: "Orc", IsPlayer: false}},
			}},
		},
	}}
	notifier := &fakeNotifier{}

	p := NewPipeline(store, dispatcher, notifier, time.Second, testLogger())
	p.RunOnce(context.Background())

	assert.Equal(t, 1, store.eventCount())
	assert.Equal(t, t0.Add(5*time.Second), store.watermark("p1"))
	require.Equal(t, 1, notifier.count())

	event := notifier.events[0]
	assert.Equal(t, domain.ClassificationPVE, event.Classification)
	assert.Equal(t, "Knight Bob", event.PlayerName)
	assert.Equal(t, t0.Add(5*time.Second), event.OccurredAt)
}

func TestPipelineReIngestionIsIdempotent(t *testing.T) {
	store := newFakeStore(knightBob())
	dispatcher := &fakeDispatcher{records: map[string]domain.CharacterRecord{
		"knight bob": {
			Name:  "Knight Bob",
			World: "Antica",
			RecentDeaths: []domain.Death{
				{OccurredAt: t0.Add(5 * time.Second), Killers: []domain.Killer{{Name: "Orc"}}},
				{OccurredAt: t0.Add(-time.Hour), Killers: []domain.Killer{{Name: "Dragon"}}},
			},
		},
	}}
	notifier := &fakeNotifier{}

	p := NewPipeline(store, dispatcher, notifier, time.Second, testLogger())
	p.RunOnce(context.Background())
	require.Equal(t, 1, store.eventCount())
	wmAfterFirst := store.watermark("p1")

	// Upstream still reports the same recent-deaths window.
	p.RunOnce(context.Background())

	assert.Equal(t, 1, store.eventCount(), "second tick must ingest nothing new")
	assert.Equal(t, wmAfterFirst, store.watermark("p1"), "watermark unchanged without new deaths")
	assert.Equal(t, 1, notifier.count())
}

func TestPipelineWatermarkIsMonotonic(t *testing.T) {
	store := newFakeStore(knightBob())
	dispatcher := &fakeDispatcher{records: map[string]domain.CharacterRecord{
		"knight bob": {
			Name:  "Knight Bob",
			World: "Antica",
			// Everything at or before the watermark.
			RecentDeaths: []domain.Death{
				{OccurredAt: t0},
				{OccurredAt: t0.Add(-time.Minute)},
			},
		},
	}}

	p := NewPipeline(store, dispatcher, nil, time.Second, testLogger())
	p.RunOnce(context.Background())

	assert.Equal(t, 0, store.eventCount())
	assert.Equal(t, t0, store.watermark("p1"), "watermark never moves backwards")
}

func TestPipelineDedupsByTimestamp(t *testing.T) {
	store := newFakeStore(knightBob())
	dispatcher := &fakeDispatcher{records: map[string]domain.CharacterRecord{
		"knight bob": {
			Name:  "Knight Bob",
			World: "Antica",
			// Two deaths in the same second with different reasons
			// collide on the (player, occurredAt) key and persist
			// as one row.
			RecentDeaths: []domain.Death{
				{OccurredAt: t0.Add(5 * time.Second), Reason: "Slain by an orc"},
				{OccurredAt: t0.Add(5 * time.Second), Reason: "Crushed by a golem"},
			},
		},
	}}

	p := NewPipeline(store, dispatcher, nil, time.Second, testLogger())
	p.RunOnce(context.Background())

	assert.Equal(t, 1, store.eventCount())
	assert.Equal(t, t0.Add(5*time.Second), store.watermark("p1"))
}

func TestPipelineRetryAfterWatermarkFailureDoesNotRenotify(t *testing.T) {
	store := newFakeStore(knightBob())
	// The event persists but the watermark advance fails once, so the
	// next tick re-derives the same death.
	store.advanceErr = assert.AnError

	dispatcher := &fakeDispatcher{records: map[string]domain.CharacterRecord{
		"knight bob": {
			Name:  "Knight Bob",
			World: "Antica",
			RecentDeaths: []domain.Death{
				{OccurredAt: t0.Add(5 * time.Second), Killers: []domain.Killer{{Name: "Orc"}}},
			},
		},
	}}
	notifier := &fakeNotifier{}

	p := NewPipeline(store, dispatcher, notifier, time.Second, testLogger())
	p.RunOnce(context.Background())

	require.Equal(t, 1, store.eventCount())
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, t0, store.watermark("p1"), "watermark advance failed")

	// Retry tick: the insert conflicts away to nothing, so the stored
	// death is not emitted a second time.
	p.RunOnce(context.Background())

	assert.Equal(t, 1, store.eventCount())
	assert.Equal(t, 1, notifier.count(), "an already-stored death is emitted exactly once")
	assert.Equal(t, t0.Add(5*time.Second), store.watermark("p1"))
}

func TestPipelineIsolatesPerPlayerFailures(t *testing.T) {
	alice := domain.TrackedPlayer{
		ID: "p2", Name: "Mage Alice", World: "Antica", GuildID: "g1", LastDeathCheckAt: t0,
	}
	store := newFakeStore(knightBob(), alice)
	store.insertErrFor["p1"] = assert.AnError

	death := []domain.Death{{OccurredAt: t0.Add(10 * time.Second)}}
	dispatcher := &fakeDispatcher{records: map[string]domain.CharacterRecord{
		"knight bob": {Name: "Knight Bob", World: "Antica", RecentDeaths: death},
		"mage alice": {Name: "Mage Alice", World: "Antica", RecentDeaths: death},
	}}

	p := NewPipeline(store, dispatcher, nil, time.Second, testLogger())
	p.RunOnce(context.Background())

	// Alice is unaffected by Bob's persistence failure.
	assert.Equal(t, 1, store.eventCount())
	assert.Equal(t, t0.Add(10*time.Second), store.watermark("p2"))

	// Bob's watermark stays put so the next tick retries.
	assert.Equal(t, t0, store.watermark("p1"))
}

func TestPipelineStartStopIsRestartSafe(t *testing.T) {
	store := newFakeStore()
	p := NewPipeline(store, &fakeDispatcher{}, nil, 10*time.Millisecond, testLogger())

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx), "double start is a no-op")
	assert.True(t, p.IsRunning())

	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
	require.NoError(t, p.Stop(), "double stop is a no-op")

	// Restart after stop spins the loop back up.
	require.NoError(t, p.Start(ctx))
	assert.True(t, p.IsRunning())
	require.NoError(t, p.Stop())
}
