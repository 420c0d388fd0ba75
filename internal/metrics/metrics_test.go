package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaMetrics_Counters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSagaMetrics(registry)

	m.ObserveTransition("swap", "confirmed")
	m.ObserveTransition("swap", "confirmed")
	m.ObserveStepAttempt("submit-transaction", "retry")
	m.ObserveAlert("page")
	m.ObserveBroadcast("accepted", 120*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Transitions.WithLabelValues("swap", "confirmed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StepAttempts.WithLabelValues("submit-transaction", "retry")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Alerts.WithLabelValues("page")))
}

func TestSagaMetrics_RunStarted(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSagaMetrics(registry)

	done := m.RunStarted("deposit")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsInFlight.WithLabelValues("deposit")))
	done()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RunsInFlight.WithLabelValues("deposit")))
}

func TestSagaMetrics_NilIsNoOp(t *testing.T) {
	var m *SagaMetrics

	assert.NotPanics(t, func() {
		m.ObserveTransition("swap", "failed")
		m.ObserveStepAttempt("check-status", "success")
		m.ObserveBroadcast("rejected", time.Second)
		m.ObserveAlert("warning")
		m.RunStarted("swap")()
	})
}

func TestHandler_ServesRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSagaMetrics(registry)
	m.ObserveTransition("withdrawal", "failed")

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `settlement_transitions_total{kind="withdrawal",status="failed"} 1`))
}
