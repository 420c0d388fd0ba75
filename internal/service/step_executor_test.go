package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(store domain.CheckpointStore) *StepExecutor {
	return NewStepExecutor(store, StepExecutorConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, nil, zerolog.Nop())
}

func TestStepExecutor_SucceedsFirstAttempt(t *testing.T) {
	store := NewMemoryCheckpointStore()
	x := newTestExecutor(store)

	calls := 0
	err := x.Step(context.Background(), "run-1", StepOptions{Name: domain.PhaseCheckStatus, MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, 1, attempt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	cp, err := store.Get(context.Background(), "run-1", string(domain.PhaseCheckStatus))
	require.NoError(t, err)
	assert.True(t, cp.Completed())
	assert.Equal(t, 1, cp.Attempts)
}

func TestStepExecutor_RetriesUntilSuccess(t *testing.T) {
	x := newTestExecutor(NewMemoryCheckpointStore())

	var attempts []int
	err := x.Step(context.Background(), "run-1", StepOptions{Name: domain.PhaseSubmitTransaction, MaxAttempts: 5}, func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return domain.Retriable(domain.ErrBroadcastTimeout)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestStepExecutor_NonRetriableStopsImmediately(t *testing.T) {
	x := newTestExecutor(NewMemoryCheckpointStore())

	calls := 0
	err := x.Step(context.Background(), "run-1", StepOptions{Name: domain.PhaseSubmitTransaction, MaxAttempts: 5}, func(ctx context.Context, attempt int) error {
		calls++
		return domain.NonRetriable("blockhash not found", domain.ErrBroadcastRejected)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, domain.IsNonRetriable(err))
	assert.False(t, errors.Is(err, domain.ErrRetriesExhausted))
}

func TestStepExecutor_Exhausts(t *testing.T) {
	x := newTestExecutor(NewMemoryCheckpointStore())

	calls := 0
	err := x.Step(context.Background(), "run-1", StepOptions{Name: domain.PhaseCheckStatus, MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("oracle 503")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.Is(err, domain.ErrRetriesExhausted))

	var exhausted *StepExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Contains(t, exhausted.Error(), "oracle 503")
}

func TestStepExecutor_AttemptsSurviveRestart(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()

	// Two attempts happened in a process that then crashed
	_, _ = store.BeginAttempt(ctx, "run-1", string(domain.PhaseSubmitTransaction))
	_, _ = store.BeginAttempt(ctx, "run-1", string(domain.PhaseSubmitTransaction))

	x := newTestExecutor(store)
	var seen []int
	err := x.Step(ctx, "run-1", StepOptions{Name: domain.PhaseSubmitTransaction, MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		return domain.Retriable(domain.ErrBroadcastTimeout)
	})
	assert.True(t, errors.Is(err, domain.ErrRetriesExhausted))
	assert.Equal(t, []int{3}, seen)
}

func TestStepExecutor_ExhaustedOnEntry(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = store.BeginAttempt(ctx, "run-1", string(domain.PhaseCheckStatus))
	}
	_ = store.RecordFailure(ctx, "run-1", string(domain.PhaseCheckStatus), "timeout")

	x := newTestExecutor(store)
	called := false
	err := x.Step(ctx, "run-1", StepOptions{Name: domain.PhaseCheckStatus, MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.True(t, errors.Is(err, domain.ErrRetriesExhausted))
}

func TestStepExecutor_Memoize(t *testing.T) {
	store := NewMemoryCheckpointStore()
	x := newTestExecutor(store)
	opts := StepOptions{Name: domain.PhaseApplyLedger, MaxAttempts: 3, Memoize: true}

	calls := 0
	fn := func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}
	require.NoError(t, x.Step(context.Background(), "run-1", opts, fn))
	require.NoError(t, x.Step(context.Background(), "run-1", opts, fn))
	assert.Equal(t, 1, calls)

	require.NoError(t, x.Step(context.Background(), "run-2", opts, fn))
	assert.Equal(t, 2, calls, "memoization is scoped to the run key")
}

func TestStepExecutor_NonMemoizedStepReruns(t *testing.T) {
	x := newTestExecutor(NewMemoryCheckpointStore())
	opts := StepOptions{Name: domain.PhaseCheckPreconditions, MaxAttempts: 1}

	calls := 0
	fn := func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, 1, attempt)
		return nil
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, x.Step(context.Background(), "run-1", opts, fn))
	}
	assert.Equal(t, 3, calls)
}

func TestStepExecutor_ContextCancelled(t *testing.T) {
	x := NewStepExecutor(NewMemoryCheckpointStore(), StepExecutorConfig{
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
	}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	err := x.Step(ctx, "run-1", StepOptions{Name: domain.PhaseCheckStatus, MaxAttempts: 3}, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("oracle down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStepExecutor_SleepResumesFromStoredWake(t *testing.T) {
	store := NewMemoryCheckpointStore()
	x := newTestExecutor(store)
	ctx := context.Background()

	// A previous process scheduled the wake and crashed; the deadline already passed
	past := time.Now().Add(-time.Second)
	_, err := store.ScheduleWake(ctx, "run-1", string(domain.PhaseWaitForConfirmation), past)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, x.Sleep(ctx, "run-1", domain.PhaseWaitForConfirmation, time.Hour))
	assert.Less(t, time.Since(start), time.Second)

	cp, err := store.Get(ctx, "run-1", string(domain.PhaseWaitForConfirmation))
	require.NoError(t, err)
	assert.True(t, cp.Completed())
}

func TestStepExecutor_SleepWaits(t *testing.T) {
	x := newTestExecutor(NewMemoryCheckpointStore())

	start := time.Now()
	require.NoError(t, x.Sleep(context.Background(), "run-1", domain.PhaseWaitForConfirmation, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// Completed sleeps return immediately
	start = time.Now()
	require.NoError(t, x.Sleep(context.Background(), "run-1", domain.PhaseWaitForConfirmation, time.Hour))
	assert.Less(t, time.Since(start), time.Second)
}

func TestStepExecutor_Backoff(t *testing.T) {
	x := NewStepExecutor(NewMemoryCheckpointStore(), StepExecutorConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}, nil, zerolog.Nop())

	assert.Equal(t, 100*time.Millisecond, x.backoff(1))
	assert.Equal(t, 200*time.Millisecond, x.backoff(2))
	assert.Equal(t, 400*time.Millisecond, x.backoff(3))
	assert.Equal(t, time.Second, x.backoff(10))
}
