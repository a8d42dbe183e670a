package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/guild-monitor/internal/config"
	"github.com/guild-monitor/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping verifies database reachability with a trivial round trip
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS guilds (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			world VARCHAR(64) NOT NULL,
			active BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(name, world)
		)`,
		`CREATE TABLE IF NOT EXISTS tracked_players (
			id VARCHAR(36) PRIMARY KEY,
			character_name VARCHAR(255) NOT NULL,
			world VARCHAR(64) NOT NULL,
			guild_id VARCHAR(36) NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
			level INT DEFAULT 0,
			vocation VARCHAR(64) DEFAULT '',
			is_online BOOLEAN DEFAULT FALSE,
			last_seen_at TIMESTAMPTZ,
			last_death_check_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(character_name, world)
		)`,
		`CREATE TABLE IF NOT EXISTS death_events (
			id VARCHAR(36) PRIMARY KEY,
			player_id VARCHAR(36) NOT NULL REFERENCES tracked_players(id) ON DELETE CASCADE,
			occurred_at TIMESTAMPTZ NOT NULL,
			level INT NOT NULL,
			killers JSONB NOT NULL,
			classification VARCHAR(8) NOT NULL,
			raw_reason TEXT DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(player_id, occurred_at)
		)`,
		`CREATE TABLE IF NOT EXISTS online_transitions (
			id VARCHAR(36) PRIMARY KEY,
			player_id VARCHAR(36) NOT NULL REFERENCES tracked_players(id) ON DELETE CASCADE,
			is_online BOOLEAN NOT NULL,
			level INT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_usage_log (
			id BIGSERIAL PRIMARY KEY,
			endpoint VARCHAR(255) NOT NULL,
			outcome VARCHAR(32) NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_players_world ON tracked_players(world)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_players_guild ON tracked_players(guild_id)`,
		`CREATE INDEX IF NOT EXISTS idx_death_events_player ON death_events(player_id, occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_online_transitions_recorded ON online_transitions(recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_api_usage_log_created ON api_usage_log(created_at)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// isUniqueViolation reports whether err is a duplicate-key failure
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetGuild retrieves a configured guild by id
func (r *Repository) GetGuild(ctx context.Context, guildID string) (*domain.Guild, error) {
	query := `SELECT id, name, world, active FROM guilds WHERE id = $1`
	var g domain.Guild
	err := r.pool.QueryRow(ctx, query, guildID).Scan(&g.ID, &g.Name, &g.World, &g.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrGuildNotFound
		}
		return nil, fmt.Errorf("getting guild: %w", err)
	}
	return &g, nil
}

// ListActiveGuilds retrieves every guild still flagged active
func (r *Repository) ListActiveGuilds(ctx context.Context) ([]domain.Guild, error) {
	query := `SELECT id, name, world, active FROM guilds WHERE active ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing guilds: %w", err)
	}
	defer rows.Close()

	var guilds []domain.Guild
	for rows.Next() {
		var g domain.Guild
		if err := rows.Scan(&g.ID, &g.Name, &g.World, &g.Active); err != nil {
			return nil, fmt.Errorf("scanning guild: %w", err)
		}
		guilds = append(guilds, g)
	}
	return guilds, nil
}

func scanTrackedPlayer(row pgx.Row) (domain.TrackedPlayer, error) {
	var p domain.TrackedPlayer
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.World,
		&p.GuildID,
		&p.Level,
		&p.Vocation,
		&p.IsOnline,
		&p.LastSeenAt,
		&p.LastDeathCheckAt,
	)
	return p, err
}

// ListActivePlayers retrieves every tracked player whose guild is active
func (r *Repository) ListActivePlayers(ctx context.Context) ([]domain.TrackedPlayer, error) {
	query := `
		SELECT p.id, p.character_name, p.world, p.guild_id, p.level, p.vocation,
		       p.is_online, p.last_seen_at, p.last_death_check_at
		FROM tracked_players p
		JOIN guilds g ON g.id = p.guild_id
		WHERE g.active
		ORDER BY p.world, p.character_name
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing active players: %w", err)
	}
	defer rows.Close()

	var players []domain.TrackedPlayer
	for rows.Next() {
		p, err := scanTrackedPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning player: %w", err)
		}
		players = append(players, p)
	}
	return players, nil
}

// ListPlayersByWorld retrieves tracked players of active guilds in a world
func (r *Repository) ListPlayersByWorld(ctx context.Context, world string) ([]domain.TrackedPlayer, error) {
	query := `
		SELECT p.id, p.character_name, p.world, p.guild_id, p.level, p.vocation,
		       p.is_online, p.last_seen_at, p.last_death_check_at
		FROM tracked_players p
		JOIN guilds g ON g.id = p.guild_id
		WHERE g.active AND p.world = $1
		ORDER BY p.character_name
	`
	rows, err := r.pool.Query(ctx, query, world)
	if err != nil {
		return nil, fmt.Errorf("listing players by world: %w", err)
	}
	defer rows.Close()

	var players []domain.TrackedPlayer
	for rows.Next() {
		p, err := scanTrackedPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning player: %w", err)
		}
		players = append(players, p)
	}
	return players, nil
}

// ListWorlds retrieves the distinct worlds with active tracked players
func (r *Repository) ListWorlds(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT p.world
		FROM tracked_players p
		JOIN guilds g ON g.id = p.guild_id
		WHERE g.active
		ORDER BY p.world
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing worlds: %w", err)
	}
	defer rows.Close()

	var worlds []string
	for rows.Next() {
		var world string
		if err := rows.Scan(&world); err != nil {
			return nil, fmt.Errorf("scanning world: %w", err)
		}
		worlds = append(worlds, world)
	}
	return worlds, nil
}

// UpsertGuildMembers inserts or refreshes tracked players for a guild
// roster. Existing rows keep their id, online flag and death watermark.
func (r *Repository) UpsertGuildMembers(ctx context.Context, guild domain.Guild, members []domain.GuildMember) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO tracked_players (id, character_name, world, guild_id, level, vocation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (character_name, world)
		DO UPDATE SET guild_id = $4, level = $5, vocation = $6, updated_at = $7
	`
	now := time.Now()
	for _, m := range members {
		batch.Queue(query, uuid.New().String(), m.Name, guild.World, guild.ID, m.Level, m.Vocation, now)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range members {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("upserting guild members: %w", err)
		}
	}
	return len(members), nil
}

// InsertDeathEvents persists new death events and returns the subset that
// actually landed as rows. The unique index on (player_id, occurred_at) is
// the final dedup authority: the upstream API has no stable death id, so
// two genuinely distinct deaths in the same second collide and are kept as
// one row. Duplicate-key conflicts are a benign no-op, never an error, and
// the conflicting event is simply absent from the returned subset.
func (r *Repository) InsertDeathEvents(ctx context.Context, events []domain.DeathEvent) ([]domain.DeathEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO death_events (id, player_id, occurred_at, level, killers, classification, raw_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (player_id, occurred_at) DO NOTHING
	`
	now := time.Now()
	queued := make([]domain.DeathEvent, len(events))
	for i, e := range events {
		killersJSON, err := json.Marshal(e.Killers)
		if err != nil {
			return nil, fmt.Errorf("marshaling killers: %w", err)
		}
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		queued[i] = e
		batch.Queue(query, e.ID, e.PlayerID, e.OccurredAt, e.Level, killersJSON, string(e.Classification), e.RawReason, now)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted []domain.DeathEvent
	for i := range queued {
		tag, err := br.Exec()
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return inserted, fmt.Errorf("inserting death events: %w", err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, queued[i])
		}
	}
	return inserted, nil
}

// AdvanceDeathWatermark moves a player's death watermark forward. The
// GREATEST guard keeps the watermark monotonic even under a racing tick.
func (r *Repository) AdvanceDeathWatermark(ctx context.Context, playerID string, ts time.Time) error {
	query := `
		UPDATE tracked_players
		SET last_death_check_at = GREATEST(last_death_check_at, $2), updated_at = $3
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, playerID, ts, time.Now()); err != nil {
		return fmt.Errorf("advancing death watermark: %w", err)
	}
	return nil
}

// SetWorldOffline marks every tracked player in a world offline. First
// phase of the presence reconciliation; deliberately unconditional so a
// crashed previous tick leaves nothing stuck online.
func (r *Repository) SetWorldOffline(ctx context.Context, world string) error {
	query := `UPDATE tracked_players SET is_online = FALSE, updated_at = $2 WHERE world = $1`
	if _, err := r.pool.Exec(ctx, query, world, time.Now()); err != nil {
		return fmt.Errorf("marking world offline: %w", err)
	}
	return nil
}

// SetPlayersOnline flips the named players online and stamps last_seen_at.
// Matching is case-insensitive; names come in lowercased from the roster.
func (r *Repository) SetPlayersOnline(ctx context.Context, world string, names []string, seenAt time.Time) error {
	if len(names) == 0 {
		return nil
	}
	query := `
		UPDATE tracked_players
		SET is_online = TRUE, last_seen_at = $3, updated_at = $3
		WHERE world = $1 AND LOWER(character_name) = ANY($2)
	`
	if _, err := r.pool.Exec(ctx, query, world, names, seenAt); err != nil {
		return fmt.Errorf("marking players online: %w", err)
	}
	return nil
}

// InsertOnlineTransitions appends went-online history records
func (r *Repository) InsertOnlineTransitions(ctx context.Context, transitions []domain.OnlineTransition) error {
	if len(transitions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO online_transitions (id, player_id, is_online, level, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, t := range transitions {
		id := t.ID
		if id == "" {
			id = uuid.New().String()
		}
		batch.Queue(query, id, t.PlayerID, t.IsOnline, t.Level, t.RecordedAt)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range transitions {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting online transitions: %w", err)
		}
	}
	return nil
}

// DeleteTransitionsBefore removes transition history older than cutoff
func (r *Repository) DeleteTransitionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM online_transitions WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old transitions: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteUsageBefore removes api usage log rows older than cutoff
func (r *Repository) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM api_usage_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old usage rows: %w", err)
	}
	return result.RowsAffected(), nil
}

// RecordAPIUsage logs one outbound API call
func (r *Repository) RecordAPIUsage(ctx context.Context, endpoint, outcome string, elapsed time.Duration) error {
	query := `INSERT INTO api_usage_log (endpoint, outcome, duration_ms) VALUES ($1, $2, $3)`
	if _, err := r.pool.Exec(ctx, query, endpoint, outcome, elapsed.Milliseconds()); err != nil {
		return fmt.Errorf("recording api usage: %w", err)
	}
	return nil
}
