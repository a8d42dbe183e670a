package notify

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/guild-monitor/internal/config"
	"github.com/guild-monitor/internal/domain"
)

// DeathMessage is the wire format published to the death topic. Consumers
// dedup by (player_name, world, occurred_at), the same key the store uses.
type DeathMessage struct {
	PlayerName     string          `json:"player_name"`
	World          string          `json:"world"`
	GuildID        string          `json:"guild_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Level          int             `json:"level"`
	Classification string          `json:"classification"`
	Killers        []domain.Killer `json:"killers"`
	RawReason      string          `json:"raw_reason"`
}

// KafkaPublisher emits newly persisted death events to Kafka. The engine
// only decides that an event exists; notification delivery lives with the
// topic's consumers.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewKafkaPublisher creates a Kafka death-event publisher
func NewKafkaPublisher(cfg *config.KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, err
	}

	return &KafkaPublisher{
		producer: producer,
		topic:    cfg.DeathTopic,
		logger:   logger,
	}, nil
}

// newKafkaPublisherWithProducer is used by tests to inject a mock producer
func newKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

// Publish sends one death event to the topic, keyed by player name and
// world so all of a player's deaths land in one partition in order.
func (p *KafkaPublisher) Publish(event domain.DeathEvent) error {
	msg := DeathMessage{
		PlayerName:     event.PlayerName,
		World:          event.World,
		GuildID:        event.GuildID,
		OccurredAt:     event.OccurredAt,
		Level:          event.Level,
		Classification: string(event.Classification),
		Killers:        event.Killers,
		RawReason:      event.RawReason,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.World + "/" + event.PlayerName),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

// Close shuts the producer down
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
