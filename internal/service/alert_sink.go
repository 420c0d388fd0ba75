package service

import (
	"context"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/rs/zerolog"
)

// LogAlertSink writes alerts to the structured log. Pages log at error level.
type LogAlertSink struct {
	logger zerolog.Logger
}

// NewLogAlertSink creates a new LogAlertSink
func NewLogAlertSink(logger zerolog.Logger) *LogAlertSink {
	return &LogAlertSink{logger: logger.With().Str("component", "alerts").Logger()}
}

// Alert logs the alert
func (s *LogAlertSink) Alert(ctx context.Context, alert domain.Alert) {
	event := s.logger.Warn()
	if alert.Severity == domain.AlertSeverityPage {
		event = s.logger.Error()
	}

	event = event.
		Str("severity", string(alert.Severity)).
		Str("kind", string(alert.Kind)).
		Str("settlement_id", alert.SettlementID.String())
	if alert.Err != "" {
		event = event.Str("error", alert.Err)
	}
	for k, v := range alert.Details {
		event = event.Str(k, v)
	}
	event.Msg(alert.Summary)
}

// FanoutAlertSink forwards every alert to each of its sinks
type FanoutAlertSink struct {
	sinks []domain.AlertSink
}

// NewFanoutAlertSink creates a sink that forwards to all non-nil sinks
func NewFanoutAlertSink(sinks ...domain.AlertSink) *FanoutAlertSink {
	f := &FanoutAlertSink{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Alert forwards the alert
func (f *FanoutAlertSink) Alert(ctx context.Context, alert domain.Alert) {
	for _, s := range f.sinks {
		s.Alert(ctx, alert)
	}
}
