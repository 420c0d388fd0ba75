package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerEntryType is the kind of derived record tied to a settlement
type LedgerEntryType string

const (
	LedgerEntryProtocolFee        LedgerEntryType = "protocol_fee"
	LedgerEntryReferralCommission LedgerEntryType = "referral_commission"
)

// ProtocolTreasuryID is the ledger account that collects protocol fees
var ProtocolTreasuryID = uuid.MustParse("00000000-0000-0000-0000-00000000fee0")

// DerivedLedgerEntry is a fee/commission/accounting record only valid while its
// settlement is not failed. (SettlementID, EntryType) is the natural key.
type DerivedLedgerEntry struct {
	ID           uuid.UUID       `json:"id"`
	SettlementID uuid.UUID       `json:"settlementId"`
	Kind         SettlementKind  `json:"kind"`
	EntryType    LedgerEntryType `json:"entryType"`
	AccountID    uuid.UUID       `json:"accountId"`
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// LedgerRepository persists derived ledger entries. ApplyEntries and
// DeleteBySettlement must each be atomic so a settlement never has a partial set.
type LedgerRepository interface {
	// ApplyEntries inserts the full set unless entries for the settlement already exist
	ApplyEntries(ctx context.Context, settlementID uuid.UUID, entries []DerivedLedgerEntry) (applied bool, err error)
	DeleteBySettlement(ctx context.Context, settlementID uuid.UUID) (int64, error)
	ListBySettlement(ctx context.Context, settlementID uuid.UUID) ([]DerivedLedgerEntry, error)
	// ListFailedWithEntries returns failed settlements of a kind that still have entries
	ListFailedWithEntries(ctx context.Context, kind SettlementKind, limit int) ([]uuid.UUID, error)
}
