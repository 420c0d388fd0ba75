package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// LedgerRepository implements domain.LedgerRepository using PostgreSQL.
// Apply and delete serialise per settlement on an advisory lock so a
// concurrent apply and retract can never leave a partial set.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// ApplyEntries inserts the full set in one transaction unless the settlement
// already has entries or has failed
func (r *LedgerRepository) ApplyEntries(ctx context.Context, settlementID uuid.UUID, entries []domain.DerivedLedgerEntry) (bool, error) {
	if len(entries) == 0 {
		return false, nil
	}
	table, err := tableFor(entries[0].Kind)
	if err != nil {
		return false, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := lockSettlement(ctx, tx, settlementID); err != nil {
		return false, err
	}

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM `+table+` WHERE id = $1`, settlementID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrSettlementNotFound
		}
		return false, err
	}
	if domain.SettlementStatus(status) == domain.SettlementStatusFailed {
		return false, nil
	}

	var existing int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM derived_ledger_entries WHERE settlement_id = $1`, settlementID).Scan(&existing); err != nil {
		return false, err
	}
	if existing > 0 {
		return false, nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO derived_ledger_entries (id, settlement_id, kind, entry_type, account_id, asset, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8)`,
			e.ID, settlementID, string(e.Kind), string(e.EntryType), e.AccountID, e.Asset, e.Amount.String(), e.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert ledger entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

// DeleteBySettlement removes every entry of a settlement in one statement
func (r *LedgerRepository) DeleteBySettlement(ctx context.Context, settlementID uuid.UUID) (int64, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := lockSettlement(ctx, tx, settlementID); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM derived_ledger_entries WHERE settlement_id = $1`, settlementID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	committed = true
	return tag.RowsAffected(), nil
}

// ListBySettlement returns the entries of a settlement
func (r *LedgerRepository) ListBySettlement(ctx context.Context, settlementID uuid.UUID) ([]domain.DerivedLedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, settlement_id, kind, entry_type, account_id, asset, amount::text, created_at
		FROM derived_ledger_entries
		WHERE settlement_id = $1
		ORDER BY entry_type`, settlementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DerivedLedgerEntry
	for rows.Next() {
		var (
			e               domain.DerivedLedgerEntry
			kind, entryType string
			amount          string
		)
		if err := rows.Scan(&e.ID, &e.SettlementID, &kind, &entryType, &e.AccountID, &e.Asset, &amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.SettlementKind(kind)
		e.EntryType = domain.LedgerEntryType(entryType)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse entry amount: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListFailedWithEntries returns failed settlements of a kind that still have entries
func (r *LedgerRepository) ListFailedWithEntries(ctx context.Context, kind domain.SettlementKind, limit int) ([]uuid.UUID, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT e.settlement_id
		FROM derived_ledger_entries e
		JOIN `+table+` s ON s.id = e.settlement_id
		WHERE e.kind = $1 AND s.status = 'failed'
		LIMIT $2`, string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func lockSettlement(ctx context.Context, tx pgx.Tx, settlementID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, settlementID.String())
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
