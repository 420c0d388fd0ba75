package service

import (
	"context"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/rs/zerolog"
)

// LogNotifier logs notifications instead of delivering them. Used when no
// broker is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a new LogNotifier
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

// Notify logs the notification
func (n *LogNotifier) Notify(ctx context.Context, idempotencyKey string, payload domain.Notification) error {
	n.logger.Info().
		Str("idempotency_key", idempotencyKey).
		Str("owner_id", payload.OwnerID.String()).
		Str("kind", string(payload.Kind)).
		Str("settlement_id", payload.SettlementID.String()).
		Msg(payload.Title)
	return nil
}
