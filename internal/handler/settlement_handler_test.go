package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/dafibh/fortuna/settlement-saga/internal/middleware"
	"github.com/dafibh/fortuna/settlement-saga/internal/service"
	"github.com/dafibh/fortuna/settlement-saga/internal/testutil"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEnqueuer struct {
	mu   sync.Mutex
	err  error
	reqs []domain.SettlementRequest
}

func (s *stubEnqueuer) Enqueue(req domain.SettlementRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

func newSettlementHandlerFixture() (*SettlementHandler, *testutil.MockSettlementRepository, *stubEnqueuer) {
	records := testutil.NewMockSettlementRepository()
	enqueuer := &stubEnqueuer{}
	svc := service.NewSettlementService(records, enqueuer, zerolog.Nop())
	return NewSettlementHandler(svc), records, enqueuer
}

func pendingSwap(ownerID uuid.UUID) *domain.SettlementRecord {
	return &domain.SettlementRecord{
		ID:      uuid.New(),
		OwnerID: ownerID,
		Kind:    domain.SettlementKindSwap,
		Status:  domain.SettlementStatusPending,
		Network: domain.NetworkMainnet,
	}
}

func settlementContext(method, kind, id, body string, ownerID uuid.UUID) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, "/api/v1/settlements/"+kind+"/"+id, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if ownerID != uuid.Nil {
		req = req.WithContext(context.WithValue(req.Context(), middleware.OwnerIDKey, ownerID))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("kind", "id")
	c.SetParamValues(kind, id)
	return c, rec
}

func TestSettlementHandler_Run_Accepted(t *testing.T) {
	h, records, enqueuer := newSettlementHandlerFixture()
	ownerID := uuid.New()
	record := pendingSwap(ownerID)
	records.AddRecord(record)

	// "AQID" is base64 for 0x01 0x02 0x03
	c, rec := settlementContext(http.MethodPost, "swap", record.ID.String(), `{"rawTransaction":"AQID","blockheightOrExpiry":321}`, ownerID)
	require.NoError(t, h.Run(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp RunSettlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, record.ID.String(), resp.SettlementID)
	assert.NotEmpty(t, resp.RunID)

	require.Len(t, enqueuer.reqs, 1)
	assert.Equal(t, []byte{1, 2, 3}, enqueuer.reqs[0].RawTransaction)
	assert.Equal(t, uint64(321), enqueuer.reqs[0].BlockheightOrExpiry)
	assert.Equal(t, ownerID, enqueuer.reqs[0].OwnerID)
}

func TestSettlementHandler_Run_Errors(t *testing.T) {
	ownerID := uuid.New()

	tests := []struct {
		name     string
		setup    func(records *testutil.MockSettlementRepository, enqueuer *stubEnqueuer) (kind, id string)
		body     string
		owner    uuid.UUID
		expected int
	}{
		{
			name:     "missing owner",
			setup:    func(*testutil.MockSettlementRepository, *stubEnqueuer) (string, string) { return "swap", uuid.NewString() },
			body:     `{}`,
			owner:    uuid.Nil,
			expected: http.StatusUnauthorized,
		},
		{
			name:     "unknown kind",
			setup:    func(*testutil.MockSettlementRepository, *stubEnqueuer) (string, string) { return "lottery", uuid.NewString() },
			body:     `{}`,
			owner:    ownerID,
			expected: http.StatusBadRequest,
		},
		{
			name:     "bad id",
			setup:    func(*testutil.MockSettlementRepository, *stubEnqueuer) (string, string) { return "swap", "not-a-uuid" },
			body:     `{}`,
			owner:    ownerID,
			expected: http.StatusBadRequest,
		},
		{
			name:     "invalid json",
			setup:    func(*testutil.MockSettlementRepository, *stubEnqueuer) (string, string) { return "swap", uuid.NewString() },
			body:     `{not json`,
			owner:    ownerID,
			expected: http.StatusBadRequest,
		},
		{
			name:     "not found",
			setup:    func(*testutil.MockSettlementRepository, *stubEnqueuer) (string, string) { return "swap", uuid.NewString() },
			body:     `{"rawTransaction":"AQID"}`,
			owner:    ownerID,
			expected: http.StatusNotFound,
		},
		{
			name: "other owner",
			setup: func(records *testutil.MockSettlementRepository, _ *stubEnqueuer) (string, string) {
				r := pendingSwap(uuid.New())
				records.AddRecord(r)
				return "swap", r.ID.String()
			},
			body:     `{"rawTransaction":"AQID"}`,
			owner:    ownerID,
			expected: http.StatusNotFound,
		},
		{
			name: "missing raw transaction",
			setup: func(records *testutil.MockSettlementRepository, _ *stubEnqueuer) (string, string) {
				r := pendingSwap(ownerID)
				records.AddRecord(r)
				return "swap", r.ID.String()
			},
			body:     `{}`,
			owner:    ownerID,
			expected: http.StatusBadRequest,
		},
		{
			name: "terminal",
			setup: func(records *testutil.MockSettlementRepository, _ *stubEnqueuer) (string, string) {
				r := pendingSwap(ownerID)
				r.Status = domain.SettlementStatusConfirmed
				records.AddRecord(r)
				return "swap", r.ID.String()
			},
			body:     `{"rawTransaction":"AQID"}`,
			owner:    ownerID,
			expected: http.StatusConflict,
		},
		{
			name: "already running",
			setup: func(records *testutil.MockSettlementRepository, enqueuer *stubEnqueuer) (string, string) {
				r := pendingSwap(ownerID)
				records.AddRecord(r)
				enqueuer.err = domain.ErrRunInFlight
				return "swap", r.ID.String()
			},
			body:     `{"rawTransaction":"AQID"}`,
			owner:    ownerID,
			expected: http.StatusConflict,
		},
		{
			name: "queue full",
			setup: func(records *testutil.MockSettlementRepository, enqueuer *stubEnqueuer) (string, string) {
				r := pendingSwap(ownerID)
				records.AddRecord(r)
				enqueuer.err = domain.ErrQueueFull
				return "swap", r.ID.String()
			},
			body:     `{"rawTransaction":"AQID"}`,
			owner:    ownerID,
			expected: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, records, enqueuer := newSettlementHandlerFixture()
			kind, id := tt.setup(records, enqueuer)

			c, rec := settlementContext(http.MethodPost, kind, id, tt.body, tt.owner)
			require.NoError(t, h.Run(c))
			assert.Equal(t, tt.expected, rec.Code)

			var problem ProblemDetails
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
			assert.Equal(t, tt.expected, problem.Status)
		})
	}
}

func TestSettlementHandler_Get(t *testing.T) {
	h, records, _ := newSettlementHandlerFixture()
	ownerID := uuid.New()
	reason := "slippage exceeded"
	record := pendingSwap(ownerID)
	record.Status = domain.SettlementStatusFailed
	record.FailureReason = &reason
	records.AddRecord(record)

	c, rec := settlementContext(http.MethodGet, "swap", record.ID.String(), "", ownerID)
	require.NoError(t, h.Get(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp SettlementStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp.Status)
	require.NotNil(t, resp.FailureReason)
	assert.Equal(t, reason, *resp.FailureReason)
	assert.NotContains(t, rec.Body.String(), "amount")

	c, rec = settlementContext(http.MethodGet, "swap", record.ID.String(), "", uuid.New())
	require.NoError(t, h.Get(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
