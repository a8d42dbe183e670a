package notify

import (
	"log/slog"
	"time"

	"github.com/guild-monitor/internal/domain"
)

// Broadcaster is the live-feed side of event fan-out, implemented by the
// websocket hub.
type Broadcaster interface {
	BroadcastDeath(event domain.DeathEvent)
	BroadcastPresence(player domain.TrackedPlayer, level int, at time.Time)
}

// Events fans engine events out to Kafka and the live feed. Both legs are
// fire-and-forget from the caller's perspective: an emit failure is
// logged, never propagated into a tick. Either leg may be nil.
type Events struct {
	kafka  *KafkaPublisher
	hub    Broadcaster
	logger *slog.Logger
}

// NewEvents creates the event fan-out
func NewEvents(kafka *KafkaPublisher, hub Broadcaster, logger *slog.Logger) *Events {
	return &Events{kafka: kafka, hub: hub, logger: logger}
}

// DeathRecorded emits a newly persisted death event
func (e *Events) DeathRecorded(event domain.DeathEvent) {
	if e.kafka != nil {
		if err := e.kafka.Publish(event); err != nil {
			e.logger.Error("failed to publish death event",
				"player", event.PlayerName,
				"world", event.World,
				"error", err,
			)
		}
	}
	if e.hub != nil {
		e.hub.BroadcastDeath(event)
	}
}

// PlayerWentOnline emits an offline-to-online flip to the live feed
func (e *Events) PlayerWentOnline(player domain.TrackedPlayer, level int, at time.Time) {
	if e.hub != nil {
		e.hub.BroadcastPresence(player, level, at)
	}
}
