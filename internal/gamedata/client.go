package gamedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guild-monitor/internal/cache"
	"github.com/guild-monitor/internal/config"
	"github.com/guild-monitor/internal/domain"
)

// UsageRecorder receives one record per outbound API call, for the usage
// log the supervisor prunes. A nil recorder disables recording.
type UsageRecorder interface {
	RecordAPIUsage(ctx context.Context, endpoint, outcome string, elapsed time.Duration) error
}

// Client is the single point of contact with the external game-data API.
// It caches responses, enforces the rate limit before every outbound call
// and normalizes upstream failures into the domain error taxonomy.
type Client struct {
	httpClient *http.Client
	baseURL    string
	cache      cache.Cache
	limits     *RateLimitState
	usage      UsageRecorder
	logger     *slog.Logger

	characterTTL time.Duration
	worldTTL     time.Duration
	guildTTL     time.Duration

	now func() time.Time
}

// NewClient creates a game-data API client
func NewClient(cfg *config.GameAPIConfig, c cache.Cache, usage UsageRecorder, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		cache:        c,
		limits:       NewRateLimitState(cfg.RateLimit),
		usage:        usage,
		logger:       logger,
		characterTTL: cfg.CharacterTTL,
		worldTTL:     cfg.WorldTTL,
		guildTTL:     cfg.GuildTTL,
		now:          time.Now,
	}
}

// RateLimit returns the current rate-limit state snapshot
func (c *Client) RateLimit() domain.RateLimitSnapshot {
	return c.limits.Snapshot()
}

// ClearExpired drops expired cache entries
func (c *Client) ClearExpired(ctx context.Context) (int, error) {
	return c.cache.ClearExpired(ctx)
}

// Wire types for the external API's JSON payloads.

type apiKiller struct {
	Name   string `json:"name"`
	Player bool   `json:"player"`
	Summon bool   `json:"summon"`
}

type apiDeath struct {
	Time    string      `json:"time"`
	Level   int         `json:"level"`
	Reason  string      `json:"reason"`
	Killers []apiKiller `json:"killers"`
}

type apiCharacterResponse struct {
	Character struct {
		Name     string `json:"name"`
		World    string `json:"world"`
		Level    int    `json:"level"`
		Vocation string `json:"vocation"`
	} `json:"character"`
	Deaths []apiDeath `json:"deaths"`
}

type apiWorldResponse struct {
	World struct {
		Name          string `json:"name"`
		OnlinePlayers []struct {
			Name     string `json:"name"`
			Level    int    `json:"level"`
			Vocation string `json:"vocation"`
		} `json:"online_players"`
	} `json:"world"`
}

type apiGuildResponse struct {
	Guild struct {
		Name    string `json:"name"`
		World   string `json:"world"`
		Members []struct {
			Name     string `json:"name"`
			Level    int    `json:"level"`
			Vocation string `json:"vocation"`
		} `json:"members"`
	} `json:"guild"`
}

// FetchCharacter returns the character snapshot for name, serving a cached
// copy when one is fresh (TTL 5m by default).
func (c *Client) FetchCharacter(ctx context.Context, name string) (domain.CharacterRecord, error) {
	if strings.TrimSpace(name) == "" {
		return domain.CharacterRecord{}, fmt.Errorf("%w: empty character name", domain.ErrConfiguration)
	}

	key := "character:" + strings.ToLower(name)
	var record domain.CharacterRecord
	if ok := c.cached(ctx, key, &record); ok {
		return record, nil
	}

	body, err := c.get(ctx, "/character/"+url.PathEscape(name))
	if err != nil {
		return domain.CharacterRecord{}, err
	}

	var resp apiCharacterResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.CharacterRecord{}, fmt.Errorf("%w: decoding character response: %v", domain.ErrUpstreamUnavailable, err)
	}
	if resp.Character.Name == "" {
		return domain.CharacterRecord{}, fmt.Errorf("%w: character %q", domain.ErrNotFound, name)
	}

	record = domain.CharacterRecord{
		Name:      resp.Character.Name,
		World:     resp.Character.World,
		Level:     resp.Character.Level,
		Vocation:  resp.Character.Vocation,
		FetchedAt: c.now(),
	}
	for _, d := range resp.Deaths {
		occurred, err := time.Parse(time.RFC3339, d.Time)
		if err != nil {
			c.logger.Warn("skipping death with unparseable timestamp",
				"character", name,
				"time", d.Time,
			)
			continue
		}
		death := domain.Death{
			OccurredAt: occurred,
			Level:      d.Level,
			Reason:     d.Reason,
		}
		for _, k := range d.Killers {
			death.Killers = append(death.Killers, domain.Killer{
				Name:     k.Name,
				IsPlayer: k.Player,
				IsSummon: k.Summon,
			})
		}
		record.RecentDeaths = append(record.RecentDeaths, death)
	}

	c.store(ctx, key, record, c.characterTTL)
	return record, nil
}

// FetchWorldRoster returns the names currently online in world, lowercased
// for case-insensitive matching. Online data is volatile; the cache TTL is
// short (60s by default).
func (c *Client) FetchWorldRoster(ctx context.Context, world string) (domain.WorldRoster, error) {
	if strings.TrimSpace(world) == "" {
		return domain.WorldRoster{}, fmt.Errorf("%w: empty world name", domain.ErrConfiguration)
	}

	key := "world:" + strings.ToLower(world)
	var roster domain.WorldRoster
	if ok := c.cached(ctx, key, &roster); ok {
		return roster, nil
	}

	body, err := c.get(ctx, "/world/"+url.PathEscape(world))
	if err != nil {
		return domain.WorldRoster{}, err
	}

	var resp apiWorldResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.WorldRoster{}, fmt.Errorf("%w: decoding world response: %v", domain.ErrUpstreamUnavailable, err)
	}
	if resp.World.Name == "" {
		return domain.WorldRoster{}, fmt.Errorf("%w: world %q", domain.ErrNotFound, world)
	}

	roster = domain.WorldRoster{
		World:     resp.World.Name,
		FetchedAt: c.now(),
	}
	for _, p := range resp.World.OnlinePlayers {
		roster.Online = append(roster.Online, domain.RosterEntry{
			Name:     p.Name,
			Level:    p.Level,
			Vocation: p.Vocation,
		})
	}

	c.store(ctx, key, roster, c.worldTTL)
	return roster, nil
}

// FetchGuildRoster returns the member list for a guild (TTL 10m by default)
func (c *Client) FetchGuildRoster(ctx context.Context, guildName, world string) (domain.GuildDetails, error) {
	if strings.TrimSpace(guildName) == "" || strings.TrimSpace(world) == "" {
		return domain.GuildDetails{}, fmt.Errorf("%w: empty guild or world name", domain.ErrConfiguration)
	}

	key := "guild:" + strings.ToLower(world) + ":" + strings.ToLower(guildName)
	var details domain.GuildDetails
	if ok := c.cached(ctx, key, &details); ok {
		return details, nil
	}

	body, err := c.get(ctx, "/guild/"+url.PathEscape(guildName))
	if err != nil {
		return domain.GuildDetails{}, err
	}

	var resp apiGuildResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.GuildDetails{}, fmt.Errorf("%w: decoding guild response: %v", domain.ErrUpstreamUnavailable, err)
	}
	if resp.Guild.Name == "" {
		return domain.GuildDetails{}, fmt.Errorf("%w: guild %q", domain.ErrNotFound, guildName)
	}

	details = domain.GuildDetails{
		Name:      resp.Guild.Name,
		World:     resp.Guild.World,
		FetchedAt: c.now(),
	}
	for _, m := range resp.Guild.Members {
		details.Members = append(details.Members, domain.GuildMember{
			Name:     m.Name,
			Level:    m.Level,
			Vocation: m.Vocation,
		})
	}

	c.store(ctx, key, details, c.guildTTL)
	return details, nil
}

// Healthcheck verifies the upstream API answers at all. Any HTTP response
// counts as reachable; only transport failures are reported. It bypasses
// the cache and the rate-limit gate since it runs once per probe interval.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// cached loads key into out, returning true on a fresh hit. Cache trouble
// is logged and treated as a miss; the network path still works.
func (c *Client) cached(ctx context.Context, key string, out any) bool {
	data, found, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return false
	}
	if !found {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		return false
	}
	return true
}

func (c *Client) store(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.cache.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// get performs one rate-limited call against the API and returns the raw
// body. The gate may cooperatively sleep until the limiter resets; that is
// the only suspension point besides the I/O itself.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	if err := c.limits.Wait(ctx); err != nil {
		return nil, err
	}

	start := c.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", domain.ErrConfiguration, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordUsage(ctx, endpoint, "transport_error", c.now().Sub(start))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	c.limits.UpdateFromHeaders(resp.Header)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.recordUsage(ctx, endpoint, "not_found", c.now().Sub(start))
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, endpoint)
	case resp.StatusCode == http.StatusTooManyRequests:
		c.recordUsage(ctx, endpoint, "rate_limited", c.now().Sub(start))
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, endpoint)
	case resp.StatusCode >= 500:
		c.recordUsage(ctx, endpoint, "upstream_error", c.now().Sub(start))
		return nil, fmt.Errorf("%w: %s returned %d", domain.ErrUpstreamUnavailable, endpoint, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		c.recordUsage(ctx, endpoint, "unexpected_status", c.now().Sub(start))
		return nil, fmt.Errorf("%w: %s returned %d", domain.ErrUpstreamUnavailable, endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordUsage(ctx, endpoint, "read_error", c.now().Sub(start))
		return nil, fmt.Errorf("%w: reading response: %v", domain.ErrUpstreamUnavailable, err)
	}

	c.recordUsage(ctx, endpoint, "ok", c.now().Sub(start))
	return body, nil
}

func (c *Client) recordUsage(ctx context.Context, endpoint, outcome string, elapsed time.Duration) {
	if c.usage == nil {
		return
	}
	if err := c.usage.RecordAPIUsage(ctx, endpoint, outcome, elapsed); err != nil {
		c.logger.Warn("failed to record api usage", "endpoint", endpoint, "error", err)
	}
}
