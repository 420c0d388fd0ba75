package service

import (
	"context"
	"fmt"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RunInput is an owner's request to drive one of their settlements
type RunInput struct {
	OwnerID             uuid.UUID
	Kind                domain.SettlementKind
	SettlementID        uuid.UUID
	RawTransaction      []byte
	BlockheightOrExpiry uint64
	ClaimedSignature    string
}

// SettlementService is the owner-facing entry point: it reads settlement status
// and queues saga runs after checking the caller owns the record.
type SettlementService struct {
	records  domain.SettlementRepository
	enqueuer SettlementEnqueuer
	logger   zerolog.Logger
}

// NewSettlementService creates a new SettlementService
func NewSettlementService(records domain.SettlementRepository, enqueuer SettlementEnqueuer, logger zerolog.Logger) *SettlementService {
	return &SettlementService{
		records:  records,
		enqueuer: enqueuer,
		logger:   logger.With().Str("component", "settlement_service").Logger(),
	}
}

// Get returns a settlement owned by ownerID. Records of other owners are
// reported as not found.
func (s *SettlementService) Get(ctx context.Context, ownerID uuid.UUID, kind domain.SettlementKind, id uuid.UUID) (*domain.SettlementRecord, error) {
	record, err := s.records.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if record.OwnerID != ownerID {
		return nil, domain.ErrSettlementNotFound
	}
	return record, nil
}

// RequestRun validates the input and queues a saga run. The returned request
// carries the run ID assigned to it.
func (s *SettlementService) RequestRun(ctx context.Context, input RunInput) (domain.SettlementRequest, error) {
	record, err := s.Get(ctx, input.OwnerID, input.Kind, input.SettlementID)
	if err != nil {
		return domain.SettlementRequest{}, err
	}
	if record.Status.IsTerminal() {
		return domain.SettlementRequest{}, fmt.Errorf("%w: %s", domain.ErrAlreadyTerminal, record.Status)
	}
	if !record.HasHash() && len(input.RawTransaction) == 0 {
		return domain.SettlementRequest{}, domain.ErrMissingRawTx
	}

	req := domain.SettlementRequest{
		OwnerID:             input.OwnerID,
		SettlementID:        record.ID,
		Kind:                record.Kind,
		RawTransaction:      input.RawTransaction,
		BlockheightOrExpiry: input.BlockheightOrExpiry,
		ClaimedSignature:    input.ClaimedSignature,
		Network:             record.Network,
		RunID:               uuid.New(),
	}
	if err := s.enqueuer.Enqueue(req); err != nil {
		return domain.SettlementRequest{}, err
	}

	s.logger.Info().
		Str("kind", string(req.Kind)).
		Str("settlement_id", req.SettlementID.String()).
		Str("run_id", req.RunID.String()).
		Bool("resume", record.HasHash()).
		Msg("Settlement run queued")
	return req, nil
}
