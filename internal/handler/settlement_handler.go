package handler

import (
	"errors"
	"net/http"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/dafibh/fortuna/settlement-saga/internal/middleware"
	"github.com/dafibh/fortuna/settlement-saga/internal/service"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// SettlementHandler handles settlement HTTP requests
type SettlementHandler struct {
	settlementService *service.SettlementService
}

// NewSettlementHandler creates a new SettlementHandler
func NewSettlementHandler(settlementService *service.SettlementService) *SettlementHandler {
	return &SettlementHandler{
		settlementService: settlementService,
	}
}

// RunSettlementRequest is the body of a run request. RawTransaction is the
// base64 encoded signed transaction and may be omitted when resuming a
// settlement that already has a hash.
type RunSettlementRequest struct {
	RawTransaction      []byte `json:"rawTransaction"`
	BlockheightOrExpiry uint64 `json:"blockheightOrExpiry"`
	ClaimedSignature    string `json:"claimedSignature"`
}

// RunSettlementResponse acknowledges a queued run
type RunSettlementResponse struct {
	SettlementID string `json:"settlementId"`
	Kind         string `json:"kind"`
	RunID        string `json:"runId"`
}

// SettlementStatusResponse is the owner-visible state of a settlement
type SettlementStatusResponse struct {
	ID            string  `json:"id"`
	Kind          string  `json:"kind"`
	Status        string  `json:"status"`
	FailureReason *string `json:"failureReason,omitempty"`
}

// Run queues a saga run for one of the caller's settlements
// POST /api/v1/settlements/:kind/:id/run
func (h *SettlementHandler) Run(c echo.Context) error {
	ownerID := middleware.GetOwnerID(c)
	if ownerID == uuid.Nil {
		return NewUnauthorizedError(c, "Owner required")
	}

	kind, id, invalid := parseSettlementPath(c)
	if invalid != nil {
		return NewValidationError(c, "Invalid settlement path", invalid)
	}

	var req RunSettlementRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}

	queued, err := h.settlementService.RequestRun(c.Request().Context(), service.RunInput{
		OwnerID:             ownerID,
		Kind:                kind,
		SettlementID:        id,
		RawTransaction:      req.RawTransaction,
		BlockheightOrExpiry: req.BlockheightOrExpiry,
		ClaimedSignature:    req.ClaimedSignature,
	})
	if err != nil {
		return h.handleServiceError(c, err, "Failed to queue settlement run")
	}

	return c.JSON(http.StatusAccepted, RunSettlementResponse{
		SettlementID: queued.SettlementID.String(),
		Kind:         string(queued.Kind),
		RunID:        queued.RunID.String(),
	})
}

// Get returns the status of one of the caller's settlements
// GET /api/v1/settlements/:kind/:id
func (h *SettlementHandler) Get(c echo.Context) error {
	ownerID := middleware.GetOwnerID(c)
	if ownerID == uuid.Nil {
		return NewUnauthorizedError(c, "Owner required")
	}

	kind, id, invalid := parseSettlementPath(c)
	if invalid != nil {
		return NewValidationError(c, "Invalid settlement path", invalid)
	}

	record, err := h.settlementService.Get(c.Request().Context(), ownerID, kind, id)
	if err != nil {
		return h.handleServiceError(c, err, "Failed to load settlement")
	}

	return c.JSON(http.StatusOK, SettlementStatusResponse{
		ID:            record.ID.String(),
		Kind:          string(record.Kind),
		Status:        string(record.Status),
		FailureReason: record.FailureReason,
	})
}

func parseSettlementPath(c echo.Context) (domain.SettlementKind, uuid.UUID, []ValidationError) {
	var problems []ValidationError

	kind, err := domain.ParseSettlementKind(c.Param("kind"))
	if err != nil {
		problems = append(problems, ValidationError{Field: "kind", Message: "unknown settlement kind"})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		problems = append(problems, ValidationError{Field: "id", Message: "must be a UUID"})
	}
	return kind, id, problems
}

// handleServiceError maps domain errors to appropriate HTTP responses
func (h *SettlementHandler) handleServiceError(c echo.Context, err error, msg string) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return NewNotFoundError(c, "Settlement not found")
	case errors.Is(err, domain.ErrMissingRawTx):
		return NewValidationError(c, "Raw transaction is required", []ValidationError{{Field: "rawTransaction", Message: "required"}})
	case errors.Is(err, domain.ErrAlreadyTerminal):
		return NewConflictError(c, "Settlement already completed")
	case errors.Is(err, domain.ErrRunInFlight):
		return NewConflictError(c, "Settlement run already in progress")
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrDispatcherStopped):
		return NewUnavailableError(c, "Settlement queue unavailable, retry later")
	default:
		log.Error().Err(err).Str("path", c.Request().URL.Path).Msg(msg)
		return NewInternalError(c, msg)
	}
}
