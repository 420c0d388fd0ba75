package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementKind identifies which business flow a settlement belongs to
type SettlementKind string

const (
	SettlementKindSwap           SettlementKind = "swap"
	SettlementKindWithdrawal     SettlementKind = "withdrawal"
	SettlementKindAirdropClaim   SettlementKind = "airdrop_claim"
	SettlementKindReferralPayout SettlementKind = "referral_payout"
	SettlementKindDeposit        SettlementKind = "deposit"
)

// AllSettlementKinds lists every kind the saga engine knows how to drive
var AllSettlementKinds = []SettlementKind{
	SettlementKindSwap,
	SettlementKindWithdrawal,
	SettlementKindAirdropClaim,
	SettlementKindReferralPayout,
	SettlementKindDeposit,
}

// ParseSettlementKind validates a kind received from the outside
func ParseSettlementKind(s string) (SettlementKind, error) {
	for _, k := range AllSettlementKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// SettlementStatus is the single persisted status of a settlement row
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "pending"
	SettlementStatusConfirmed SettlementStatus = "confirmed"
	SettlementStatusFailed    SettlementStatus = "failed"
)

// IsTerminal returns true for confirmed and failed
func (s SettlementStatus) IsTerminal() bool {
	return s == SettlementStatusConfirmed || s == SettlementStatusFailed
}

// Network identifies the chain cluster a transaction is broadcast to
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkDevnet  Network = "devnet"
)

// SettlementRequest is the immutable input of one saga run
type SettlementRequest struct {
	OwnerID             uuid.UUID      `json:"ownerId"`
	SettlementID        uuid.UUID      `json:"settlementId"`
	Kind                SettlementKind `json:"kind"`
	RawTransaction      []byte         `json:"rawTransaction"`
	BlockheightOrExpiry uint64         `json:"blockheightOrExpiry"`
	ClaimedSignature    string         `json:"claimedSignature"`
	Network             Network        `json:"network"`
	RunID               uuid.UUID      `json:"runId"`
}

// RunKey returns the step executor key for this invocation
func (r SettlementRequest) RunKey() string {
	return fmt.Sprintf("%s:%s:%s", r.Kind, r.SettlementID, r.RunID)
}

// SettlementRecord is the persisted settlement row
type SettlementRecord struct {
	ID                    uuid.UUID        `json:"id"`
	OwnerID               uuid.UUID        `json:"ownerId"`
	Kind                  SettlementKind   `json:"kind"`
	Status                SettlementStatus `json:"status"`
	Network               Network          `json:"network"`
	TransactionHash       *string          `json:"transactionHash,omitempty"`
	FailureReason         *string          `json:"failureReason,omitempty"`
	ExpiryBlockHeight     *uint64          `json:"expiryBlockHeight,omitempty"`
	ClaimedSignature      *string          `json:"claimedSignature,omitempty"`
	SubmitStartedAt       *time.Time       `json:"submitStartedAt,omitempty"`
	ReconciliationPending bool             `json:"reconciliationPending"`
	DedupKey              *string          `json:"dedupKey,omitempty"`
	Asset                 string           `json:"asset"`
	Amount                decimal.Decimal  `json:"amount"`
	FeeAmount             decimal.Decimal  `json:"feeAmount"`
	ReferrerID            *uuid.UUID       `json:"referrerId,omitempty"`
	CommissionAmount      decimal.Decimal  `json:"commissionAmount"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
	ConfirmedAt           *time.Time       `json:"confirmedAt,omitempty"`
	FailedAt              *time.Time       `json:"failedAt,omitempty"`
}

// HasHash reports whether a transaction hash has been persisted
func (r *SettlementRecord) HasHash() bool {
	return r.TransactionHash != nil && *r.TransactionHash != ""
}

// SubmitInterrupted reports whether a broadcast was started for this pending
// record without its hash being persisted
func (r *SettlementRecord) SubmitInterrupted() bool {
	return r.Status == SettlementStatusPending && !r.HasHash() && r.SubmitStartedAt != nil
}

// Hash returns the persisted transaction hash or an empty string
func (r *SettlementRecord) Hash() string {
	if r.TransactionHash == nil {
		return ""
	}
	return *r.TransactionHash
}

// SettlementUpdate is the set of fields a conditional write may change.
// Nil fields are left untouched. TransactionHash, ExpiryBlockHeight,
// ClaimedSignature and SubmitStartedAt are write-once.
type SettlementUpdate struct {
	Status                *SettlementStatus
	TransactionHash       *string
	FailureReason         *string
	ExpiryBlockHeight     *uint64
	ClaimedSignature      *string
	SubmitStartedAt       *time.Time
	ReconciliationPending *bool
	ConfirmedAt           *time.Time
	FailedAt              *time.Time
}

// SettlementRepository is the settlement record store. Writes are always
// conditional on the current status; there is no unconditional update.
type SettlementRepository interface {
	Get(ctx context.Context, kind SettlementKind, id uuid.UUID) (*SettlementRecord, error)
	// UpdateIfStatus applies update only if the row is still in expected status.
	// Returns ErrStatusConflict when the status moved underneath the caller.
	UpdateIfStatus(ctx context.Context, kind SettlementKind, id uuid.UUID, expected SettlementStatus, update SettlementUpdate) (*SettlementRecord, error)
	// FindByDedupKey returns other settlements of the same kind and owner sharing a dedup key
	FindByDedupKey(ctx context.Context, kind SettlementKind, ownerID uuid.UUID, dedupKey string) ([]*SettlementRecord, error)
	// ListAwaitingStatus returns pending settlements updated before olderThan that
	// either carry a hash or had a broadcast interrupted before the hash was stored
	ListAwaitingStatus(ctx context.Context, kind SettlementKind, olderThan time.Time, limit int) ([]*SettlementRecord, error)
	// ListUnreconciled returns confirmed settlements still flagged reconciliation-pending
	ListUnreconciled(ctx context.Context, kind SettlementKind, limit int) ([]*SettlementRecord, error)
}

// WalletDirectory answers whether an owner holds the wallet a settlement needs
type WalletDirectory interface {
	HasWallet(ctx context.Context, ownerID uuid.UUID, network Network) (bool, error)
}

// OwnerDirectory resolves authenticated identities to owners
type OwnerDirectory interface {
	GetOwnerIDByAuth0ID(ctx context.Context, auth0ID string) (uuid.UUID, error)
}
