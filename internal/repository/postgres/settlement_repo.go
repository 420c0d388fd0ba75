package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var settlementTables = map[domain.SettlementKind]string{
	domain.SettlementKindSwap:           "swaps",
	domain.SettlementKindWithdrawal:     "withdrawals",
	domain.SettlementKindAirdropClaim:   "airdrop_claims",
	domain.SettlementKindReferralPayout: "referral_payouts",
	domain.SettlementKindDeposit:        "deposits",
}

// tableFor maps a kind to its table. Table names never come from input.
func tableFor(kind domain.SettlementKind) (string, error) {
	table, ok := settlementTables[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	return table, nil
}

const settlementColumns = `id, owner_id, status, network, transaction_hash, failure_reason,
	expiry_block_height, claimed_signature, submit_started_at, reconciliation_pending,
	dedup_key, asset, amount::text, fee_amount::text, referrer_id, commission_amount::text,
	created_at, updated_at, confirmed_at, failed_at`

// SettlementRepository implements domain.SettlementRepository using PostgreSQL.
// Every write is conditional on the current status.
type SettlementRepository struct {
	pool *pgxpool.Pool
}

// NewSettlementRepository creates a new SettlementRepository
func NewSettlementRepository(pool *pgxpool.Pool) *SettlementRepository {
	return &SettlementRepository{pool: pool}
}

// Get retrieves a settlement by kind and ID
func (r *SettlementRepository) Get(ctx context.Context, kind domain.SettlementKind, id uuid.UUID) (*domain.SettlementRecord, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM `+table+` WHERE id = $1`, id)
	record, err := scanSettlement(row, kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSettlementNotFound
		}
		return nil, err
	}
	return record, nil
}

// UpdateIfStatus applies update only while the row is in expected status.
// The hash, expiry, claimed signature and submit marker are never overwritten once stored.
func (r *SettlementRepository) UpdateIfStatus(ctx context.Context, kind domain.SettlementKind, id uuid.UUID, expected domain.SettlementStatus, update domain.SettlementUpdate) (*domain.SettlementRecord, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	var status *string
	if update.Status != nil {
		s := string(*update.Status)
		status = &s
	}
	var expiry *int64
	if update.ExpiryBlockHeight != nil {
		e := int64(*update.ExpiryBlockHeight)
		expiry = &e
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE `+table+` SET
			status = COALESCE($3::text, status),
			transaction_hash = COALESCE(transaction_hash, $4::text),
			failure_reason = COALESCE($5::text, failure_reason),
			expiry_block_height = COALESCE(expiry_block_height, $6::bigint),
			claimed_signature = COALESCE(claimed_signature, $7::text),
			submit_started_at = COALESCE(submit_started_at, $8::timestamptz),
			reconciliation_pending = COALESCE($9::boolean, reconciliation_pending),
			confirmed_at = COALESCE($10::timestamptz, confirmed_at),
			failed_at = COALESCE($11::timestamptz, failed_at),
			updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+settlementColumns,
		id, string(expected), status, update.TransactionHash, update.FailureReason, expiry,
		update.ClaimedSignature, update.SubmitStartedAt, update.ReconciliationPending,
		update.ConfirmedAt, update.FailedAt,
	)

	record, err := scanSettlement(row, kind)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrSettlementNotFound
	}
	return nil, domain.ErrStatusConflict
}

// FindByDedupKey returns settlements of a kind and owner sharing a dedup key
func (r *SettlementRepository) FindByDedupKey(ctx context.Context, kind domain.SettlementKind, ownerID uuid.UUID, dedupKey string) ([]*domain.SettlementRecord, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return r.query(ctx, kind, `
		SELECT `+settlementColumns+` FROM `+table+`
		WHERE owner_id = $1 AND dedup_key = $2
		ORDER BY created_at`, ownerID, dedupKey)
}

// ListAwaitingStatus returns pending settlements with a hash or an interrupted
// submission, oldest first
func (r *SettlementRepository) ListAwaitingStatus(ctx context.Context, kind domain.SettlementKind, olderThan time.Time, limit int) ([]*domain.SettlementRecord, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return r.query(ctx, kind, `
		SELECT `+settlementColumns+` FROM `+table+`
		WHERE status = 'pending'
			AND (transaction_hash IS NOT NULL OR submit_started_at IS NOT NULL)
			AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, olderThan, limit)
}

// ListUnreconciled returns confirmed settlements still flagged reconciliation-pending
func (r *SettlementRepository) ListUnreconciled(ctx context.Context, kind domain.SettlementKind, limit int) ([]*domain.SettlementRecord, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return r.query(ctx, kind, `
		SELECT `+settlementColumns+` FROM `+table+`
		WHERE status = 'confirmed' AND reconciliation_pending
		ORDER BY confirmed_at
		LIMIT $1`, limit)
}

// Create inserts a pending settlement. Settlements are normally created by the
// flows that prepare the transaction; this exists for seeding and tests.
func (r *SettlementRepository) Create(ctx context.Context, record *domain.SettlementRecord) (*domain.SettlementRecord, error) {
	table, err := tableFor(record.Kind)
	if err != nil {
		return nil, err
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO `+table+` (id, owner_id, status, network, dedup_key, asset, amount, fee_amount, referrer_id, commission_amount)
		VALUES ($1, $2, 'pending', $3, $4, $5, $6::numeric, $7::numeric, $8, $9::numeric)
		RETURNING `+settlementColumns,
		record.ID, record.OwnerID, string(record.Network), record.DedupKey, record.Asset,
		record.Amount.String(), record.FeeAmount.String(), record.ReferrerID, record.CommissionAmount.String(),
	)
	return scanSettlement(row, record.Kind)
}

func (r *SettlementRepository) query(ctx context.Context, kind domain.SettlementKind, sql string, args ...any) ([]*domain.SettlementRecord, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SettlementRecord
	for rows.Next() {
		record, err := scanSettlement(rows, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func scanSettlement(row pgx.Row, kind domain.SettlementKind) (*domain.SettlementRecord, error) {
	var (
		rec                               domain.SettlementRecord
		status, network                   string
		expiry                            *int64
		amount, feeAmount, commissionText string
	)

	err := row.Scan(
		&rec.ID, &rec.OwnerID, &status, &network, &rec.TransactionHash, &rec.FailureReason,
		&expiry, &rec.ClaimedSignature, &rec.SubmitStartedAt, &rec.ReconciliationPending,
		&rec.DedupKey, &rec.Asset, &amount, &feeAmount, &rec.ReferrerID, &commissionText,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ConfirmedAt, &rec.FailedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = kind
	rec.Status = domain.SettlementStatus(status)
	rec.Network = domain.Network(network)
	if expiry != nil {
		e := uint64(*expiry)
		rec.ExpiryBlockHeight = &e
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if rec.FeeAmount, err = decimal.NewFromString(feeAmount); err != nil {
		return nil, fmt.Errorf("parse fee amount: %w", err)
	}
	if rec.CommissionAmount, err = decimal.NewFromString(commissionText); err != nil {
		return nil, fmt.Errorf("parse commission amount: %w", err)
	}
	return &rec, nil
}
