package postgres

import (
	"context"
	"errors"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DirectoryRepository implements domain.WalletDirectory and domain.OwnerDirectory
type DirectoryRepository struct {
	pool *pgxpool.Pool
}

// NewDirectoryRepository creates a new DirectoryRepository
func NewDirectoryRepository(pool *pgxpool.Pool) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

// HasWallet reports whether the owner holds a wallet on the network
func (r *DirectoryRepository) HasWallet(ctx context.Context, ownerID uuid.UUID, network domain.Network) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM wallets WHERE owner_id = $1 AND network = $2)
	`, ownerID, string(network)).Scan(&exists)
	return exists, err
}

// GetOwnerIDByAuth0ID resolves an Auth0 subject to an owner ID
func (r *DirectoryRepository) GetOwnerIDByAuth0ID(ctx context.Context, auth0ID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT id FROM owners WHERE auth0_id = $1`, auth0ID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, domain.ErrOwnerNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}
