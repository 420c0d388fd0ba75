package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LedgerReconciler keeps derived ledger entries consistent with settlement status:
// entries exist for non-failed settlements and never for failed ones.
type LedgerReconciler struct {
	ledger domain.LedgerRepository
	logger zerolog.Logger
	now    func() time.Time
}

// NewLedgerReconciler creates a new LedgerReconciler
func NewLedgerReconciler(ledger domain.LedgerRepository, logger zerolog.Logger) *LedgerReconciler {
	return &LedgerReconciler{
		ledger: ledger,
		logger: logger.With().Str("component", "ledger_reconciler").Logger(),
		now:    time.Now,
	}
}

// EntriesFor derives the ledger entries a settlement carries. IDs are derived
// from the natural key so re-deriving yields the same set.
func (r *LedgerReconciler) EntriesFor(record *domain.SettlementRecord) []domain.DerivedLedgerEntry {
	now := r.now().UTC()
	var entries []domain.DerivedLedgerEntry

	if record.FeeAmount.IsPositive() {
		entries = append(entries, domain.DerivedLedgerEntry{
			ID:           entryID(record.ID, domain.LedgerEntryProtocolFee),
			SettlementID: record.ID,
			Kind:         record.Kind,
			EntryType:    domain.LedgerEntryProtocolFee,
			AccountID:    domain.ProtocolTreasuryID,
			Asset:        record.Asset,
			Amount:       record.FeeAmount,
			CreatedAt:    now,
		})
	}

	if record.ReferrerID != nil && record.CommissionAmount.IsPositive() {
		entries = append(entries, domain.DerivedLedgerEntry{
			ID:           entryID(record.ID, domain.LedgerEntryReferralCommission),
			SettlementID: record.ID,
			Kind:         record.Kind,
			EntryType:    domain.LedgerEntryReferralCommission,
			AccountID:    *record.ReferrerID,
			Asset:        record.Asset,
			Amount:       record.CommissionAmount,
			CreatedAt:    now,
		})
	}

	return entries
}

func entryID(settlementID uuid.UUID, entryType domain.LedgerEntryType) uuid.UUID {
	return uuid.NewSHA1(settlementID, []byte(entryType))
}

// Apply writes the derived entries for a settlement. Applying twice is a no-op.
func (r *LedgerReconciler) Apply(ctx context.Context, record *domain.SettlementRecord) (bool, error) {
	if record.Status == domain.SettlementStatusFailed {
		return false, nil
	}

	entries := r.EntriesFor(record)
	if len(entries) == 0 {
		return false, nil
	}

	applied, err := r.ledger.ApplyEntries(ctx, record.ID, entries)
	if err != nil {
		return false, fmt.Errorf("apply ledger entries: %w", err)
	}

	if applied {
		r.logger.Info().
			Str("settlement_id", record.ID.String()).
			Str("kind", string(record.Kind)).
			Int("entries", len(entries)).
			Msg("Applied ledger entries")
	}
	return applied, nil
}

// Retract removes every derived entry of a settlement. Retracting nothing is not an error.
func (r *LedgerReconciler) Retract(ctx context.Context, settlementID uuid.UUID) (int64, error) {
	removed, err := r.ledger.DeleteBySettlement(ctx, settlementID)
	if err != nil {
		return 0, fmt.Errorf("retract ledger entries: %w", err)
	}
	if removed > 0 {
		r.logger.Info().
			Str("settlement_id", settlementID.String()).
			Int64("removed", removed).
			Msg("Retracted ledger entries")
	}
	return removed, nil
}

// ReconcileTerminal converges a terminal settlement's entries to its status
func (r *LedgerReconciler) ReconcileTerminal(ctx context.Context, record *domain.SettlementRecord) error {
	switch record.Status {
	case domain.SettlementStatusConfirmed:
		_, err := r.Apply(ctx, record)
		return err
	case domain.SettlementStatusFailed:
		_, err := r.Retract(ctx, record.ID)
		return err
	default:
		return fmt.Errorf("%w: settlement %s is %s", domain.ErrInvalidInput, record.ID, record.Status)
	}
}

// Entries lists the stored entries of a settlement
func (r *LedgerReconciler) Entries(ctx context.Context, settlementID uuid.UUID) ([]domain.DerivedLedgerEntry, error) {
	return r.ledger.ListBySettlement(ctx, settlementID)
}

// FailedWithEntries lists failed settlements of a kind that still carry entries
func (r *LedgerReconciler) FailedWithEntries(ctx context.Context, kind domain.SettlementKind, limit int) ([]uuid.UUID, error) {
	return r.ledger.ListFailedWithEntries(ctx, kind, limit)
}
