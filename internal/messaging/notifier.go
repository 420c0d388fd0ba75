package messaging

import (
	"context"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/rs/zerolog"
)

// IdempotencyKeyHeader carries the notification idempotency key so consumers can
// deduplicate without decoding the payload
const IdempotencyKeyHeader = "idempotency-key"

// KafkaNotifier publishes settlement notifications keyed by idempotency key
type KafkaNotifier struct {
	publisher *Publisher
	topic     string
}

// NewKafkaNotifier creates a new KafkaNotifier
func NewKafkaNotifier(publisher *Publisher, topic string) *KafkaNotifier {
	return &KafkaNotifier{publisher: publisher, topic: topic}
}

// Notify publishes the notification
func (n *KafkaNotifier) Notify(ctx context.Context, idempotencyKey string, payload domain.Notification) error {
	return n.publisher.PublishJSON(ctx, n.topic, idempotencyKey, map[string]string{
		IdempotencyKeyHeader: idempotencyKey,
		"kind":               string(payload.Kind),
	}, payload)
}

// KafkaAlertSink publishes operator alerts to an alert topic. Publish failures
// are logged since alerting must never fail the caller.
type KafkaAlertSink struct {
	publisher *Publisher
	topic     string
	logger    zerolog.Logger
}

// NewKafkaAlertSink creates a new KafkaAlertSink
func NewKafkaAlertSink(publisher *Publisher, topic string, logger zerolog.Logger) *KafkaAlertSink {
	return &KafkaAlertSink{
		publisher: publisher,
		topic:     topic,
		logger:    logger.With().Str("component", "kafka_alert_sink").Logger(),
	}
}

// Alert publishes the alert keyed by settlement ID
func (s *KafkaAlertSink) Alert(ctx context.Context, alert domain.Alert) {
	err := s.publisher.PublishJSON(ctx, s.topic, alert.SettlementID.String(), map[string]string{
		"severity": string(alert.Severity),
	}, alert)
	if err != nil {
		s.logger.Error().Err(err).
			Str("settlement_id", alert.SettlementID.String()).
			Str("summary", alert.Summary).
			Msg("Failed to publish alert")
	}
}
