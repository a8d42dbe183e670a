package presence

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/guild-monitor/internal/domain"
)

// Store is the slice of the persistent store the reconciler consumes.
type Store interface {
	ListWorlds(ctx context.Context) ([]string, error)
	ListPlayersByWorld(ctx context.Context, world string) ([]domain.TrackedPlayer, error)
	SetWorldOffline(ctx context.Context, world string) error
	SetPlayersOnline(ctx context.Context, world string, names []string, seenAt time.Time) error
	InsertOnlineTransitions(ctx context.Context, transitions []domain.OnlineTransition) error
}

// RosterFetcher fetches a world's online roster from the game-data client.
type RosterFetcher interface {
	FetchWorldRoster(ctx context.Context, world string) (domain.WorldRoster, error)
}

// Notifier receives each offline-to-online flip.
type Notifier interface {
	PlayerWentOnline(player domain.TrackedPlayer, level int, at time.Time)
}

// Reconciler periodically reconciles stored online flags against the
// authoritative world rosters. Each world is updated in two phases:
// everyone offline, then roster names flipped online. The full rewrite is
// deliberately not an incremental diff, so a tick that crashed mid-update
// is corrected by the next successful one.
type Reconciler struct {
	store    Store
	fetcher  RosterFetcher
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	now func() time.Time
}

// NewReconciler creates a presence reconciliation loop
func NewReconciler(store Store, fetcher RosterFetcher, notifier Notifier, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start begins the periodic reconciliation loop. Safe to call repeatedly.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	r.logger.Info("presence reconciler started", "interval", r.interval)

	go r.run(ctx, stopCh, doneCh)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to drain. Idempotent.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.running = false
	r.mu.Unlock()

	close(stopCh)
	<-doneCh

	r.logger.Info("presence reconciler stopped")
	return nil
}

// IsRunning reports whether the reconciliation loop is alive
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// RunOnce executes a single reconciliation tick
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.tick(ctx)
}

// tick reconciles every world with active tracked players. A roster-fetch
// failure for one world logs and moves on to the next.
func (r *Reconciler) tick(ctx context.Context) {
	startTime := r.now()

	worlds, err := r.store.ListWorlds(ctx)
	if err != nil {
		r.logger.Error("failed to list worlds", "error", err)
		return
	}

	reconciled := 0
	errorCount := 0
	flips := 0

	for _, world := range worlds {
		if ctx.Err() != nil {
			return
		}
		n, err := r.reconcileWorld(ctx, world)
		if err != nil {
			r.logger.Error("failed to reconcile world", "world", world, "error", err)
			errorCount++
			continue
		}
		reconciled++
		flips += n
	}

	r.logger.Info("presence tick completed",
		"duration", r.now().Sub(startTime),
		"worlds", reconciled,
		"went_online", flips,
		"errors", errorCount,
	)
}

// reconcileWorld runs the two-phase update for one world and returns how
// many players flipped online.
func (r *Reconciler) reconcileWorld(ctx context.Context, world string) (int, error) {
	players, err := r.store.ListPlayersByWorld(ctx, world)
	if err != nil {
		return 0, err
	}
	if len(players) == 0 {
		return 0, nil
	}

	roster, err := r.fetcher.FetchWorldRoster(ctx, world)
	if err != nil {
		// Leave stored state untouched; it goes stale rather than
		// wrongly offline, and the next successful tick corrects it.
		return 0, err
	}

	rosterLevels := make(map[string]int, len(roster.Online))
	for _, entry := range roster.Online {
		rosterLevels[strings.ToLower(entry.Name)] = entry.Level
	}

	now := r.now()

	// Phase one: everyone offline.
	if err := r.store.SetWorldOffline(ctx, world); err != nil {
		return 0, err
	}

	// Phase two: flip roster names online.
	var onlineNames []string
	var transitions []domain.OnlineTransition
	var wentOnline []struct {
		player domain.TrackedPlayer
		level  int
	}
	for _, player := range players {
		level, online := rosterLevels[strings.ToLower(player.Name)]
		if !online {
			continue
		}
		onlineNames = append(onlineNames, strings.ToLower(player.Name))
		if player.IsOnline {
			continue
		}
		if level == 0 {
			level = player.Level
		}
		transitions = append(transitions, domain.OnlineTransition{
			PlayerID:   player.ID,
			IsOnline:   true,
			Level:      level,
			RecordedAt: now,
		})
		wentOnline = append(wentOnline, struct {
			player domain.TrackedPlayer
			level  int
		}{player, level})
	}

	if err := r.store.SetPlayersOnline(ctx, world, onlineNames, now); err != nil {
		return 0, err
	}

	// Only went-online flips are recorded; logging every offline flip
	// would swamp the history table.
	if err := r.store.InsertOnlineTransitions(ctx, transitions); err != nil {
		r.logger.Warn("failed to record online transitions", "world", world, "error", err)
	}

	if r.notifier != nil {
		for _, w := range wentOnline {
			r.notifier.PlayerWentOnline(w.player, w.level, now)
		}
	}

	return len(transitions), nil
}
