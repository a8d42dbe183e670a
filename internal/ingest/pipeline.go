package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/guild-monitor/internal/domain"
)

// Store is the slice of the persistent store the pipeline consumes.
// InsertDeathEvents returns the subset of events actually inserted;
// duplicates swallowed by the unique index are absent from it.
type Store interface {
	ListActivePlayers(ctx context.Context) ([]domain.TrackedPlayer, error)
	InsertDeathEvents(ctx context.Context, events []domain.DeathEvent) ([]domain.DeathEvent, error)
	AdvanceDeathWatermark(ctx context.Context, playerID string, ts time.Time) error
}

// Dispatcher fans character fetches out against the game-data client.
type Dispatcher interface {
	FetchMany(ctx context.Context, names []string) (map[string]domain.CharacterRecord, error)
}

// Notifier receives each newly persisted death event. The pipeline's only
// contract is that the event now exists exactly once in the store;
// delivery belongs to the collaborator behind this interface.
type Notifier interface {
	DeathRecorded(event domain.DeathEvent)
}

// Pipeline periodically ingests new deaths for every tracked player. Each
// player's death watermark (the occurred-at of its most recently ingested
// death) is the dedup boundary: the upstream API returns the same
// recent-deaths window on every call, so only deaths strictly after the
// watermark are new.
type Pipeline struct {
	store      Store
	dispatcher Dispatcher
	notifier   Notifier
	interval   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	now func() time.Time
}

// NewPipeline creates a death ingestion pipeline
func NewPipeline(store Store, dispatcher Dispatcher, notifier Notifier, interval time.Duration, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		dispatcher: dispatcher,
		notifier:   notifier,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
	}
}

// Start begins the periodic ingestion loop. Calling Start on a running
// pipeline is a no-op; calling it after Stop spins the loop back up with
// fresh channels, so repeated restarts never leak timers.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	p.logger.Info("death ingestion pipeline started", "interval", p.interval)

	go p.run(ctx, stopCh, doneCh)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to drain. Idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.running = false
	p.mu.Unlock()

	close(stopCh)
	<-doneCh

	p.logger.Info("death ingestion pipeline stopped")
	return nil
}

// IsRunning reports whether the ingestion loop is alive. The supervisor's
// health probe restarts the pipeline when this goes false unexpectedly.
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// run is the main loop. Ticks are serialized by construction: the next
// tick cannot fire while the previous one is still on this goroutine, an
// overrunning tick just starts the next one late.
func (p *Pipeline) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// RunOnce executes a single ingestion tick (useful for manual triggers)
func (p *Pipeline) RunOnce(ctx context.Context) {
	p.tick(ctx)
}

// tick runs one full ingestion pass. Per-player failures are logged and
// isolated; they never abort the tick or block other players.
func (p *Pipeline) tick(ctx context.Context) {
	startTime := p.now()

	players, err := p.store.ListActivePlayers(ctx)
	if err != nil {
		p.logger.Error("failed to list tracked players", "error", err)
		return
	}
	if len(players) == 0 {
		return
	}

	byWorld := make(map[string][]domain.TrackedPlayer)
	for _, player := range players {
		byWorld[player.World] = append(byWorld[player.World], player)
	}

	newDeaths := 0
	errorCount := 0

	for world, worldPlayers := range byWorld {
		if ctx.Err() != nil {
			return
		}

		names := make([]string, len(worldPlayers))
		for i, player := range worldPlayers {
			names[i] = player.Name
		}

		records, err := p.dispatcher.FetchMany(ctx, names)
		if err != nil {
			p.logger.Error("batch fetch failed for world", "world", world, "error", err)
			errorCount++
			continue
		}

		for _, player := range worldPlayers {
			record, ok := records[strings.ToLower(player.Name)]
			if !ok {
				// Fetch failed or character gone upstream; the
				// dispatcher already logged it.
				continue
			}
			n, err := p.ingestPlayer(ctx, player, record)
			if err != nil {
				p.logger.Error("death ingestion failed for player",
					"player", player.Name,
					"world", player.World,
					"error", err,
				)
				errorCount++
				continue
			}
			newDeaths += n
		}
	}

	p.logger.Info("ingestion tick completed",
		"duration", p.now().Sub(startTime),
		"players", len(players),
		"worlds", len(byWorld),
		"new_deaths", newDeaths,
		"errors", errorCount,
	)
}

// ingestPlayer diffs one player's reported deaths against its watermark,
// persists the new ones and advances the watermark. Returns how many
// events were persisted.
func (p *Pipeline) ingestPlayer(ctx context.Context, player domain.TrackedPlayer, record domain.CharacterRecord) (int, error) {
	var events []domain.DeathEvent
	maxSeen := player.LastDeathCheckAt

	for _, death := range record.RecentDeaths {
		if death.OccurredAt.After(maxSeen) {
			maxSeen = death.OccurredAt
		}
		if !death.OccurredAt.After(player.LastDeathCheckAt) {
			continue
		}
		events = append(events, domain.DeathEvent{
			PlayerID:       player.ID,
			PlayerName:     player.Name,
			World:          player.World,
			GuildID:        player.GuildID,
			OccurredAt:     death.OccurredAt,
			Level:          death.Level,
			Killers:        death.Killers,
			Classification: domain.ClassifyDeath(death.Killers),
			RawReason:      death.Reason,
		})
	}

	var inserted []domain.DeathEvent
	if len(events) > 0 {
		var err error
		inserted, err = p.store.InsertDeathEvents(ctx, events)
		if err != nil {
			// Watermark stays put so the next tick retries these
			// deaths.
			return 0, err
		}
		if len(inserted) < len(events) {
			// Unique-index collision: either a racing tick got
			// there first, or two distinct deaths share one
			// second and the store keeps a single row.
			p.logger.Warn("death events collided with existing rows",
				"player", player.Name,
				"dropped", len(events)-len(inserted),
			)
		}
		// Only rows that actually landed are emitted. A retry after a
		// failed watermark advance re-derives the same events, but they
		// conflict away to nothing and stay silent.
		if p.notifier != nil {
			for _, event := range inserted {
				p.notifier.DeathRecorded(event)
			}
		}
	}

	if maxSeen.After(player.LastDeathCheckAt) {
		if err := p.store.AdvanceDeathWatermark(ctx, player.ID, maxSeen); err != nil {
			return len(inserted), err
		}
	}
	return len(inserted), nil
}
