package service

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/dafibh/fortuna/settlement-saga/internal/testutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAlertSink_PageLogsAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogAlertSink(zerolog.New(&buf))

	id := uuid.New()
	sink.Alert(context.Background(), domain.Alert{
		Severity:     domain.AlertSeverityPage,
		Summary:      "settlement confirmed but ledger unreconciled",
		Kind:         domain.SettlementKindSwap,
		SettlementID: id,
		Err:          "deadlock detected",
		Details:      map[string]string{"transaction_hash": "abc"},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "alerts", line["component"])
	assert.Equal(t, "page", line["severity"])
	assert.Equal(t, id.String(), line["settlement_id"])
	assert.Equal(t, "deadlock detected", line["error"])
	assert.Equal(t, "abc", line["transaction_hash"])
	assert.Equal(t, "settlement confirmed but ledger unreconciled", line["message"])
}

func TestLogAlertSink_WarningLogsAtWarnLevel(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogAlertSink(zerolog.New(&buf))

	sink.Alert(context.Background(), domain.Alert{Severity: domain.AlertSeverityWarning, Summary: "status check exhausted"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.NotContains(t, line, "error")
}

func TestFanoutAlertSink(t *testing.T) {
	a := testutil.NewMockAlertSink()
	b := testutil.NewMockAlertSink()
	sink := NewFanoutAlertSink(a, nil, b)

	sink.Alert(context.Background(), domain.Alert{Severity: domain.AlertSeverityPage, Summary: "x"})

	assert.Len(t, a.Raised(), 1)
	assert.Len(t, b.Raised(), 1)
}
