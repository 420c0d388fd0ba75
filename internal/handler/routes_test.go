package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/dafibh/fortuna/settlement-saga/internal/metrics"
	"github.com/dafibh/fortuna/settlement-saga/internal/middleware"
	"github.com/dafibh/fortuna/settlement-saga/internal/testutil"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct{ err error }

func (s stubChecker) Ping(ctx context.Context) error { return s.err }

type acceptAllValidator struct{ subject string }

func (a acceptAllValidator) ValidateToken(ctx context.Context, token string) (interface{}, error) {
	return &validator.ValidatedClaims{RegisteredClaims: validator.RegisteredClaims{Subject: a.subject}}, nil
}

func TestRegisterRoutes(t *testing.T) {
	ownerID := uuid.New()
	owners := testutil.NewMockOwnerDirectory()
	owners.Owners["auth0|alice"] = ownerID

	h, records, enqueuer := newSettlementHandlerFixture()
	record := pendingSwap(ownerID)
	records.AddRecord(record)

	registry := prometheus.NewRegistry()
	metrics.NewSagaMetrics(registry).ObserveTransition("swap", "confirmed")

	e := echo.New()
	RegisterRoutes(e, Routes{
		Auth:        middleware.NewAuthMiddlewareWithValidator(acceptAllValidator{subject: "auth0|alice"}, owners),
		Settlements: h,
		Metrics:     metrics.Handler(registry),
		Health:      stubChecker{},
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "settlement_transitions_total")

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settlements/swap/"+record.ID.String(), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements/swap/"+record.ID.String()+"/run", strings.NewReader(`{"rawTransaction":"AQID"}`))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, enqueuer.reqs, 1)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/settlements/swap/"+record.ID.String(), nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)
}

func TestHealthHandler_Degraded(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	rec := c.Response().Writer.(*httptest.ResponseRecorder)

	require.NoError(t, healthHandler(stubChecker{err: errors.New("db down")})(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
