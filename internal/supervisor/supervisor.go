package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guild-monitor/internal/config"
	"github.com/guild-monitor/internal/domain"
)

// Task is a periodic worker the supervisor owns. Start and Stop must both
// be idempotent; IsRunning reports loop liveness for the health probe.
type Task interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
}

// Store is the slice of the persistent store the supervisor consumes.
type Store interface {
	Ping(ctx context.Context) error
	DeleteTransitionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
	GetGuild(ctx context.Context, guildID string) (*domain.Guild, error)
	UpsertGuildMembers(ctx context.Context, guild domain.Guild, members []domain.GuildMember) (int, error)
}

// GameClient is the slice of the game-data client the supervisor consumes.
type GameClient interface {
	Healthcheck(ctx context.Context) error
	ClearExpired(ctx context.Context) (int, error)
	FetchGuildRoster(ctx context.Context, guildName, world string) (domain.GuildDetails, error)
}

// Status is the engine's operational snapshot
type Status struct {
	Running     bool     `json:"running"`
	ActiveTasks []string `json:"active_tasks"`
}

// Supervisor owns the engine's periodic tasks: the death ingestion
// pipeline, the presence reconciler, an hourly cleanup and a health probe.
// Each task runs on its own schedule, so a slow tick in one never delays
// another. The probe restarting a dead pipeline is the system's only
// self-healing action.
type Supervisor struct {
	pipeline Task
	presence Task
	store    Store
	client   GameClient
	cfg      *config.SupervisorConfig
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// New creates a supervisor
func New(pipeline, presence Task, store Store, client GameClient, cfg *config.SupervisorConfig, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		pipeline: pipeline,
		presence: presence,
		store:    store,
		client:   client,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start brings the owned tasks up and launches the cleanup and probe
// schedules. Calling Start twice is a no-op. A failed task start rolls
// back whatever came up, leaving the supervisor stopped and restartable.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := s.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("starting ingestion pipeline: %w", err)
	}
	if err := s.presence.Start(ctx); err != nil {
		if stopErr := s.pipeline.Stop(); stopErr != nil {
			s.logger.Error("failed to stop ingestion pipeline", "error", stopErr)
		}
		return fmt.Errorf("starting presence reconciler: %w", err)
	}

	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.loop(ctx, s.stopCh, s.cfg.CleanupInterval, s.cleanup)
	go s.loop(ctx, s.stopCh, s.cfg.ProbeInterval, s.probe)

	s.logger.Info("supervisor started",
		"probe_interval", s.cfg.ProbeInterval,
		"cleanup_interval", s.cfg.CleanupInterval,
	)
	return nil
}

// Stop cancels every owned schedule and stops the tasks. Idempotent:
// calling it twice is a no-op, not an error.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	if err := s.pipeline.Stop(); err != nil {
		s.logger.Error("failed to stop ingestion pipeline", "error", err)
	}
	if err := s.presence.Stop(); err != nil {
		s.logger.Error("failed to stop presence reconciler", "error", err)
	}

	s.logger.Info("supervisor stopped")
	return nil
}

// IsRunning reports whether the supervisor is active
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the operational snapshot for the status endpoint
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	var tasks []string
	if s.pipeline.IsRunning() {
		tasks = append(tasks, "death_ingestion")
	}
	if s.presence.IsRunning() {
		tasks = append(tasks, "presence_reconciliation")
	}
	if running {
		tasks = append(tasks, "cleanup", "health_probe")
	}
	return Status{Running: running, ActiveTasks: tasks}
}

// SyncGuild forces an immediate out-of-band roster fetch and upsert for
// one configured guild, the entry point behind user-triggered "sync now".
func (s *Supervisor) SyncGuild(ctx context.Context, guildID string) (int, error) {
	guild, err := s.store.GetGuild(ctx, guildID)
	if err != nil {
		return 0, err
	}

	details, err := s.client.FetchGuildRoster(ctx, guild.Name, guild.World)
	if err != nil {
		return 0, fmt.Errorf("fetching guild roster: %w", err)
	}

	count, err := s.store.UpsertGuildMembers(ctx, *guild, details.Members)
	if err != nil {
		return 0, fmt.Errorf("upserting guild members: %w", err)
	}

	s.logger.Info("guild roster synced",
		"guild", guild.Name,
		"world", guild.World,
		"members", count,
	)
	return count, nil
}

func (s *Supervisor) loop(ctx context.Context, stopCh chan struct{}, interval time.Duration, fn func(ctx context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// probe checks, in order, storage reachability, upstream reachability and
// pipeline liveness. A dead pipeline is restarted; everything else is
// logged and left to the next tick.
func (s *Supervisor) probe(ctx context.Context) {
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health probe: storage unreachable", "error", err)
	}

	if err := s.client.Healthcheck(ctx); err != nil {
		s.logger.Error("health probe: upstream api unreachable", "error", err)
	}

	if !s.pipeline.IsRunning() {
		s.logger.Warn("health probe: ingestion pipeline not running, restarting")
		if err := s.pipeline.Start(ctx); err != nil {
			s.logger.Error("failed to restart ingestion pipeline", "error", err)
		} else {
			s.logger.Info("ingestion pipeline restarted")
		}
	}
}

// cleanup is pure storage hygiene: old transition history, expired cache
// entries and stale usage log rows.
func (s *Supervisor) cleanup(ctx context.Context) {
	now := s.now()

	removed, err := s.store.DeleteTransitionsBefore(ctx, now.Add(-s.cfg.TransitionRetention))
	if err != nil {
		s.logger.Error("cleanup: failed to prune transitions", "error", err)
	}

	expired, err := s.client.ClearExpired(ctx)
	if err != nil {
		s.logger.Error("cleanup: failed to clear expired cache entries", "error", err)
	}

	usage, err := s.store.DeleteUsageBefore(ctx, now.Add(-s.cfg.UsageLogRetention))
	if err != nil {
		s.logger.Error("cleanup: failed to prune usage log", "error", err)
	}

	s.logger.Info("cleanup completed",
		"transitions_removed", removed,
		"cache_entries_removed", expired,
		"usage_rows_removed", usage,
	)
}
