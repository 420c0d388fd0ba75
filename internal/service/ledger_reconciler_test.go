package service

import (
	"context"
	"errors"
	"testing"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/dafibh/fortuna/settlement-saga/internal/testutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettlement(status domain.SettlementStatus) *domain.SettlementRecord {
	referrer := uuid.New()
	return &domain.SettlementRecord{
		ID:               uuid.New(),
		OwnerID:          uuid.New(),
		Kind:             domain.SettlementKindSwap,
		Status:           status,
		Asset:            "SOL",
		Amount:           decimal.RequireFromString("10"),
		FeeAmount:        decimal.RequireFromString("0.05"),
		ReferrerID:       &referrer,
		CommissionAmount: decimal.RequireFromString("0.01"),
	}
}

func TestLedgerReconciler_EntriesFor(t *testing.T) {
	r := NewLedgerReconciler(testutil.NewMockLedgerRepository(), zerolog.Nop())
	record := testSettlement(domain.SettlementStatusPending)

	entries := r.EntriesFor(record)
	require.Len(t, entries, 2)

	assert.Equal(t, domain.LedgerEntryProtocolFee, entries[0].EntryType)
	assert.Equal(t, domain.ProtocolTreasuryID, entries[0].AccountID)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("0.05")))

	assert.Equal(t, domain.LedgerEntryReferralCommission, entries[1].EntryType)
	assert.Equal(t, *record.ReferrerID, entries[1].AccountID)

	again := r.EntriesFor(record)
	assert.Equal(t, entries[0].ID, again[0].ID, "entry IDs are derived from the natural key")
	assert.Equal(t, entries[1].ID, again[1].ID)
}

func TestLedgerReconciler_EntriesFor_NoFees(t *testing.T) {
	r := NewLedgerReconciler(testutil.NewMockLedgerRepository(), zerolog.Nop())
	record := testSettlement(domain.SettlementStatusPending)
	record.FeeAmount = decimal.Zero
	record.ReferrerID = nil

	assert.Empty(t, r.EntriesFor(record))
}

func TestLedgerReconciler_ApplyIsIdempotent(t *testing.T) {
	ledger := testutil.NewMockLedgerRepository()
	r := NewLedgerReconciler(ledger, zerolog.Nop())
	record := testSettlement(domain.SettlementStatusPending)

	applied, err := r.Apply(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = r.Apply(context.Background(), record)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 2, ledger.Count(record.ID))
}

func TestLedgerReconciler_ApplySkipsFailed(t *testing.T) {
	ledger := testutil.NewMockLedgerRepository()
	r := NewLedgerReconciler(ledger, zerolog.Nop())

	applied, err := r.Apply(context.Background(), testSettlement(domain.SettlementStatusFailed))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 0, ledger.ApplyCalls)
}

func TestLedgerReconciler_ApplyRetractInterleavings(t *testing.T) {
	ctx := context.Background()
	ledger := testutil.NewMockLedgerRepository()
	r := NewLedgerReconciler(ledger, zerolog.Nop())
	record := testSettlement(domain.SettlementStatusPending)

	ops := []string{"apply", "retract", "retract", "apply", "apply", "retract", "apply"}
	for _, op := range ops {
		switch op {
		case "apply":
			_, err := r.Apply(ctx, record)
			require.NoError(t, err)
		case "retract":
			_, err := r.Retract(ctx, record.ID)
			require.NoError(t, err)
		}
		n := ledger.Count(record.ID)
		assert.True(t, n == 0 || n == 2, "after %s the set must be empty or full, got %d", op, n)
	}
	assert.Equal(t, 2, ledger.Count(record.ID))
}

func TestLedgerReconciler_RetractNothing(t *testing.T) {
	r := NewLedgerReconciler(testutil.NewMockLedgerRepository(), zerolog.Nop())

	removed, err := r.Retract(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func TestLedgerReconciler_ApplyError(t *testing.T) {
	ledger := testutil.NewMockLedgerRepository()
	ledger.ApplyFn = func(ctx context.Context, settlementID uuid.UUID, entries []domain.DerivedLedgerEntry) (bool, error) {
		return false, errors.New("deadlock detected")
	}
	r := NewLedgerReconciler(ledger, zerolog.Nop())

	_, err := r.Apply(context.Background(), testSettlement(domain.SettlementStatusPending))
	assert.Error(t, err)
}

func TestLedgerReconciler_ReconcileTerminal(t *testing.T) {
	ctx := context.Background()
	ledger := testutil.NewMockLedgerRepository()
	r := NewLedgerReconciler(ledger, zerolog.Nop())

	confirmed := testSettlement(domain.SettlementStatusConfirmed)
	require.NoError(t, r.ReconcileTerminal(ctx, confirmed))
	assert.Equal(t, 2, ledger.Count(confirmed.ID))

	failed := testSettlement(domain.SettlementStatusPending)
	_, err := r.Apply(ctx, failed)
	require.NoError(t, err)
	failed.Status = domain.SettlementStatusFailed
	require.NoError(t, r.ReconcileTerminal(ctx, failed))
	assert.Equal(t, 0, ledger.Count(failed.ID))

	err = r.ReconcileTerminal(ctx, testSettlement(domain.SettlementStatusPending))
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}
