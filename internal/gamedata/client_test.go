package gamedata

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guild-monitor/internal/cache"
	"github.com/guild-monitor/internal/config"
	"github.com/guild-monitor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.GameAPIConfig{
		BaseURL:        server.URL,
		RequestTimeout: 2 * time.Second,
		CharacterTTL:   5 * time.Minute,
		WorldTTL:       time.Minute,
		GuildTTL:       10 * time.Minute,
		RateLimit:      60,
		Concurrency:    5,
	}
	return NewClient(cfg, cache.NewMemoryCache(), nil, testLogger()), server
}

const characterBody = `{
	"character": {"name": "Knight Bob", "world": "Antica", "level": 120, "vocation": "Elite Knight"},
	"deaths": [
		{
			"time": "2025-06-01T12:00:05Z",
			"level": 119,
			"reason": "Slain by an orc",
			"killers": [{"name": "Orc", "player": false, "summon": false}]
		}
	]
}`

func TestFetchCharacterParsesResponse(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/character/Knight%20Bob", r.URL.EscapedPath())
		w.Write([]byte(characterBody))
	}))

	record, err := client.FetchCharacter(context.Background(), "Knight Bob")
	require.NoError(t, err)

	assert.Equal(t, "Knight Bob", record.Name)
	assert.Equal(t, "Antica", record.World)
	assert.Equal(t, 120, record.Level)
	require.Len(t, record.RecentDeaths, 1)

	death := record.RecentDeaths[0]
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC), death.OccurredAt.UTC())
	assert.Equal(t, 119, death.Level)
	require.Len(t, death.Killers, 1)
	assert.False(t, death.Killers[0].IsPlayer)
}

func TestFetchCharacterServesCachedCopy(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(characterBody))
	}))

	_, err := client.FetchCharacter(context.Background(), "Knight Bob")
	require.NoError(t, err)

	// Same character, different case: one network call total.
	_, err = client.FetchCharacter(context.Background(), "knight bob")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchCharacterErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"404 maps to not found", http.StatusNotFound, domain.ErrNotFound},
		{"429 maps to rate limited", http.StatusTooManyRequests, domain.ErrRateLimited},
		{"500 maps to upstream unavailable", http.StatusInternalServerError, domain.ErrUpstreamUnavailable},
		{"502 maps to upstream unavailable", http.StatusBadGateway, domain.ErrUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			_, err := client.FetchCharacter(context.Background(), "Knight Bob")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFetchCharacterRejectsEmptyName(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no network call expected")
	}))

	_, err := client.FetchCharacter(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestFetchCharacterUpdatesRateLimitState(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "12")
		w.Write([]byte(characterBody))
	}))

	_, err := client.FetchCharacter(context.Background(), "Knight Bob")
	require.NoError(t, err)

	snap := client.RateLimit()
	assert.Equal(t, 60, snap.Limit)
	assert.Equal(t, 12, snap.Remaining)
}

func TestFetchWorldRoster(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/world/Antica", r.URL.Path)
		w.Write([]byte(`{
			"world": {
				"name": "Antica",
				"online_players": [
					{"name": "Knight Bob", "level": 120, "vocation": "Elite Knight"},
					{"name": "Mage Alice", "level": 88, "vocation": "Master Sorcerer"}
				]
			}
		}`))
	}))

	roster, err := client.FetchWorldRoster(context.Background(), "Antica")
	require.NoError(t, err)
	assert.Equal(t, "Antica", roster.World)
	require.Len(t, roster.Online, 2)
	assert.Equal(t, "Knight Bob", roster.Online[0].Name)

	// Cached within the world TTL.
	_, err = client.FetchWorldRoster(context.Background(), "Antica")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = client.FetchWorldRoster(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestFetchGuildRoster(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"guild": {
				"name": "Red Rose",
				"world": "Antica",
				"members": [{"name": "Knight Bob", "level": 120, "vocation": "Elite Knight"}]
			}
		}`))
	}))

	details, err := client.FetchGuildRoster(context.Background(), "Red Rose", "Antica")
	require.NoError(t, err)
	assert.Equal(t, "Red Rose", details.Name)
	require.Len(t, details.Members, 1)
	assert.Equal(t, 120, details.Members[0].Level)
}

func TestHealthcheck(t *testing.T) {
	client, server := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	// Any HTTP response counts as reachable.
	assert.NoError(t, client.Healthcheck(context.Background()))

	server.Close()
	assert.ErrorIs(t, client.Healthcheck(context.Background()), domain.ErrUpstreamUnavailable)
}
