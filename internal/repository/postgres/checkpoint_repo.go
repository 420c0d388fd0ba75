package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckpointRepository implements domain.CheckpointStore using PostgreSQL so
// step attempts and sleeps survive a process restart
type CheckpointRepository struct {
	pool *pgxpool.Pool
}

// NewCheckpointRepository creates a new CheckpointRepository
func NewCheckpointRepository(pool *pgxpool.Pool) *CheckpointRepository {
	return &CheckpointRepository{pool: pool}
}

// Get returns the checkpoint or nil when the step never started
func (r *CheckpointRepository) Get(ctx context.Context, runKey, step string) (*domain.StepCheckpoint, error) {
	cp := domain.StepCheckpoint{RunKey: runKey, StepName: step}
	var lastError *string
	err := r.pool.QueryRow(ctx, `
		SELECT attempts, last_error, completed_at, wake_at
		FROM saga_step_checkpoints
		WHERE run_key = $1 AND step_name = $2
	`, runKey, step).Scan(&cp.Attempts, &lastError, &cp.CompletedAt, &cp.WakeAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastError != nil {
		cp.LastError = *lastError
	}
	return &cp, nil
}

// BeginAttempt increments and returns the attempt counter
func (r *CheckpointRepository) BeginAttempt(ctx context.Context, runKey, step string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		INSERT INTO saga_step_checkpoints (run_key, step_name, attempts)
		VALUES ($1, $2, 1)
		ON CONFLICT (run_key, step_name)
		DO UPDATE SET attempts = saga_step_checkpoints.attempts + 1, updated_at = now()
		RETURNING attempts
	`, runKey, step).Scan(&attempts)
	return attempts, err
}

// RecordFailure stores the last error of the step
func (r *CheckpointRepository) RecordFailure(ctx context.Context, runKey, step string, lastErr string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE saga_step_checkpoints SET last_error = $3, updated_at = now()
		WHERE run_key = $1 AND step_name = $2
	`, runKey, step, lastErr)
	return err
}

// Complete marks the step done
func (r *CheckpointRepository) Complete(ctx context.Context, runKey, step string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO saga_step_checkpoints (run_key, step_name, completed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (run_key, step_name)
		DO UPDATE SET completed_at = now(), last_error = NULL, updated_at = now()
	`, runKey, step)
	return err
}

// ScheduleWake stores wakeAt unless a wake time already exists and returns the stored value
func (r *CheckpointRepository) ScheduleWake(ctx context.Context, runKey, step string, wakeAt time.Time) (time.Time, error) {
	var stored time.Time
	err := r.pool.QueryRow(ctx, `
		INSERT INTO saga_step_checkpoints (run_key, step_name, wake_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_key, step_name)
		DO UPDATE SET wake_at = COALESCE(saga_step_checkpoints.wake_at, EXCLUDED.wake_at), updated_at = now()
		RETURNING wake_at
	`, runKey, step, wakeAt).Scan(&stored)
	return stored, err
}
