package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SagaPhase is one of the five ordered saga steps. The string value is the
// stable step name registered with the step executor.
type SagaPhase string

const (
	PhaseCheckPreconditions  SagaPhase = "check-preconditions"
	PhaseSubmitTransaction   SagaPhase = "submit-transaction"
	PhaseApplyLedger         SagaPhase = "apply-ledger"
	PhaseWaitForConfirmation SagaPhase = "wait-for-confirmation"
	PhaseCheckStatus         SagaPhase = "check-status"
)

// SagaState is the engine-local view of a settlement. Only pending, confirmed
// and failed are persisted; submitting and reconciling are derived.
type SagaState string

const (
	SagaStatePending     SagaState = "pending"
	SagaStateSubmitting  SagaState = "submitting"
	SagaStateReconciling SagaState = "reconciling"
	SagaStateConfirmed   SagaState = "confirmed"
	SagaStateFailed      SagaState = "failed"
)

// DeriveSagaState reconstructs the engine state from the persisted record alone.
// A pending record whose broadcast started without a stored hash is reconciling.
func DeriveSagaState(record *SettlementRecord) SagaState {
	switch record.Status {
	case SettlementStatusConfirmed:
		return SagaStateConfirmed
	case SettlementStatusFailed:
		return SagaStateFailed
	}
	if record.HasHash() {
		return SagaStateSubmitting
	}
	if record.SubmitInterrupted() {
		return SagaStateReconciling
	}
	return SagaStatePending
}

// SagaRun is the working state of one execution
type SagaRun struct {
	SettlementID uuid.UUID      `json:"settlementId"`
	Kind         SettlementKind `json:"kind"`
	Attempt      int            `json:"attempt"`
	LastError    string         `json:"lastError,omitempty"`
	Phase        SagaPhase      `json:"phase"`
	State        SagaState      `json:"state"`
}

// RunResult is what a caller observes after a saga run
type RunResult struct {
	SettlementID    uuid.UUID        `json:"settlementId"`
	Kind            SettlementKind   `json:"kind"`
	Status          SettlementStatus `json:"status"`
	State           SagaState        `json:"state"`
	TransactionHash string           `json:"transactionHash,omitempty"`
	FailureReason   string           `json:"failureReason,omitempty"`
	// Skipped is true when another run made the terminal transition
	Skipped bool `json:"skipped"`
}

// StepCheckpoint is the step executor's own bookkeeping for one step of one run
type StepCheckpoint struct {
	RunKey      string     `json:"runKey"`
	StepName    string     `json:"stepName"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	WakeAt      *time.Time `json:"wakeAt,omitempty"`
}

// Completed reports whether the step finished successfully in an earlier attempt
func (c *StepCheckpoint) Completed() bool {
	return c != nil && c.CompletedAt != nil
}

// CheckpointStore persists step checkpoints so attempts and sleeps survive a crash
type CheckpointStore interface {
	// Get returns nil, nil when no checkpoint exists
	Get(ctx context.Context, runKey, step string) (*StepCheckpoint, error)
	// BeginAttempt increments and returns the attempt counter
	BeginAttempt(ctx context.Context, runKey, step string) (int, error)
	RecordFailure(ctx context.Context, runKey, step string, lastErr string) error
	Complete(ctx context.Context, runKey, step string) error
	// ScheduleWake stores wakeAt unless one is already stored, and returns the stored value
	ScheduleWake(ctx context.Context, runKey, step string, wakeAt time.Time) (time.Time, error)
}

// OwnerLimiter caps concurrent saga runs per owner
type OwnerLimiter interface {
	// Acquire blocks until a slot is free or ctx is done. release must be called once.
	Acquire(ctx context.Context, ownerID uuid.UUID) (release func(), err error)
}
