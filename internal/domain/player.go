package domain

import "time"

// TrackedPlayer is a character the engine monitors on behalf of a guild.
// Identity is (Name, World); the store enforces uniqueness on that pair.
type TrackedPlayer struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	World            string     `json:"world"`
	GuildID          string     `json:"guild_id"`
	Level            int        `json:"level"`
	Vocation         string     `json:"vocation"`
	IsOnline         bool       `json:"is_online"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`
	LastDeathCheckAt time.Time  `json:"last_death_check_at"`
}

// CharacterRecord is a point-in-time snapshot of a character as reported
// by the external game API.
type CharacterRecord struct {
	Name         string    `json:"name"`
	World        string    `json:"world"`
	Level        int       `json:"level"`
	Vocation     string    `json:"vocation"`
	RecentDeaths []Death   `json:"recent_deaths"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Death is a single entry in a character's recent-deaths window.
// OccurredAt comes from the upstream API and is authoritative.
type Death struct {
	OccurredAt time.Time `json:"occurred_at"`
	Level      int       `json:"level"`
	Reason     string    `json:"reason"`
	Killers    []Killer  `json:"killers"`
}

// Killer is one entry in a death's killer list. The upstream API tags each
// entry with whether it was a player character or a summoned creature.
type Killer struct {
	Name     string `json:"name"`
	IsPlayer bool   `json:"player"`
	IsSummon bool   `json:"summon"`
}

// WorldRoster is the set of characters the external API reports as
// currently online in one game world.
type WorldRoster struct {
	World     string        `json:"world"`
	Online    []RosterEntry `json:"online"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// RosterEntry is one online character in a world roster.
type RosterEntry struct {
	Name     string `json:"name"`
	Level    int    `json:"level"`
	Vocation string `json:"vocation"`
}

// GuildDetails is the upstream view of a guild and its member list.
type GuildDetails struct {
	Name      string        `json:"name"`
	World     string        `json:"world"`
	Members   []GuildMember `json:"members"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// GuildMember is one member in a guild roster.
type GuildMember struct {
	Name     string `json:"name"`
	Level    int    `json:"level"`
	Vocation string `json:"vocation"`
}

// Guild is the locally configured guild a set of tracked players belongs to.
// Guild configuration itself is owned by the surrounding product; the engine
// only reads it.
type Guild struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	World  string `json:"world"`
	Active bool   `json:"active"`
}

// OnlineTransition is an append-only record of a tracked player going
// online. Offline flips are intentionally not recorded.
type OnlineTransition struct {
	ID         string    `json:"id"`
	PlayerID   string    `json:"player_id"`
	IsOnline   bool      `json:"is_online"`
	Level      int       `json:"level"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RateLimitSnapshot is a read-only copy of the client's rate-limit state,
// as last reported by the external API's response headers.
type RateLimitSnapshot struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}
