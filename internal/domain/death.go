package domain

import "time"

// Classification distinguishes player-caused deaths from everything else.
type Classification string

const (
	ClassificationPVP Classification = "pvp"
	ClassificationPVE Classification = "pve"
)

// DeathEvent is a persisted, deduplicated death. At most one event exists
// per (PlayerID, OccurredAt); the upstream API exposes no stable death id,
// so the timestamp is the natural key.
type DeathEvent struct {
	ID             string         `json:"id"`
	PlayerID       string         `json:"player_id"`
	PlayerName     string         `json:"player_name"`
	World          string         `json:"world"`
	GuildID        string         `json:"guild_id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Level          int            `json:"level"`
	Killers        []Killer       `json:"killers"`
	Classification Classification `json:"classification"`
	RawReason      string         `json:"raw_reason"`
}

// ClassifyDeath returns PVP if at least one killer is a player character
// (summons don't count as players upstream), PVE otherwise. The decision is
// made from the killer list alone, never inferred from level or guild.
func ClassifyDeath(killers []Killer) Classification {
	for _, k := range killers {
		if k.IsPlayer && !k.IsSummon {
			return ClassificationPVP
		}
	}
	return ClassificationPVE
}
