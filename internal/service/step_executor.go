package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/dafibh/fortuna/settlement-saga/internal/metrics"
	"github.com/dafibh/fortuna/settlement-saga/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StepFunc is the body of a durable step. attempt starts at 1 and keeps counting
// across process restarts for the same run key.
type StepFunc func(ctx context.Context, attempt int) error

// StepOptions configures a single step
type StepOptions struct {
	Name        domain.SagaPhase
	MaxAttempts int
	// Memoize skips the step when an earlier attempt for the same run completed
	Memoize bool
}

// StepExhaustedError is returned when a step used all of its attempts
type StepExhaustedError struct {
	Step     domain.SagaPhase
	Attempts int
	Last     error
}

func (e *StepExhaustedError) Error() string {
	return fmt.Sprintf("step %s: %v after %d attempts: %v", e.Step, domain.ErrRetriesExhausted, e.Attempts, e.Last)
}

func (e *StepExhaustedError) Unwrap() []error {
	return []error{domain.ErrRetriesExhausted, e.Last}
}

// StepExecutorConfig holds retry backoff settings
type StepExecutorConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultStepExecutorConfig returns the production backoff
func DefaultStepExecutorConfig() StepExecutorConfig {
	return StepExecutorConfig{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// StepExecutor runs named steps with persisted attempt counters, retry of
// non-classified and retriable errors, and crash-safe sleeps.
type StepExecutor struct {
	store   domain.CheckpointStore
	config  StepExecutorConfig
	metrics *metrics.SagaMetrics
	tracer  trace.Tracer
	logger  zerolog.Logger
	now     func() time.Time
}

// NewStepExecutor creates a new StepExecutor
func NewStepExecutor(store domain.CheckpointStore, config StepExecutorConfig, m *metrics.SagaMetrics, logger zerolog.Logger) *StepExecutor {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultStepExecutorConfig().InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	return &StepExecutor{
		store:   store,
		config:  config,
		metrics: m,
		tracer:  otel.Tracer(tracing.TracerName),
		logger:  logger.With().Str("component", "step_executor").Logger(),
		now:     time.Now,
	}
}

// Checkpoint returns the stored checkpoint for a step, or nil
func (x *StepExecutor) Checkpoint(ctx context.Context, runKey string, step domain.SagaPhase) (*domain.StepCheckpoint, error) {
	return x.store.Get(ctx, runKey, string(step))
}

// Step runs fn until it succeeds, returns a non-retriable error, or exhausts
// MaxAttempts. Attempt counters are persisted before fn runs.
func (x *StepExecutor) Step(ctx context.Context, runKey string, opts StepOptions, fn StepFunc) error {
	name := string(opts.Name)
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	cp, err := x.store.Get(ctx, runKey, name)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	if opts.Memoize && cp.Completed() {
		x.logger.Debug().Str("run_key", runKey).Str("step", name).Msg("Step already completed, skipping")
		return nil
	}

	// A completed non-memoized step starts a fresh attempt window
	base := 0
	if cp.Completed() {
		base = cp.Attempts
	} else if cp != nil && cp.Attempts >= opts.MaxAttempts {
		last := errors.New("previous attempt did not complete")
		if cp.LastError != "" {
			last = errors.New(cp.LastError)
		}
		return &StepExhaustedError{Step: opts.Name, Attempts: cp.Attempts, Last: last}
	}

	for {
		total, err := x.store.BeginAttempt(ctx, runKey, name)
		if err != nil {
			return fmt.Errorf("begin attempt %s: %w", name, err)
		}
		attempt := total - base

		stepErr := x.attempt(ctx, runKey, opts.Name, attempt, fn)
		if stepErr == nil {
			if err := x.store.Complete(ctx, runKey, name); err != nil {
				return fmt.Errorf("complete checkpoint %s: %w", name, err)
			}
			x.metrics.ObserveStepAttempt(name, "success")
			return nil
		}

		if recErr := x.store.RecordFailure(ctx, runKey, name, stepErr.Error()); recErr != nil {
			x.logger.Error().Err(recErr).Str("run_key", runKey).Str("step", name).Msg("Failed to record step failure")
		}

		if domain.IsNonRetriable(stepErr) {
			x.metrics.ObserveStepAttempt(name, "non_retriable")
			return stepErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt >= opts.MaxAttempts {
			x.metrics.ObserveStepAttempt(name, "exhausted")
			return &StepExhaustedError{Step: opts.Name, Attempts: attempt, Last: stepErr}
		}
		x.metrics.ObserveStepAttempt(name, "retry")

		backoff := x.backoff(attempt)
		x.logger.Warn().
			Err(stepErr).
			Str("run_key", runKey).
			Str("step", name).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Step attempt failed, retrying")

		if err := sleepContext(ctx, backoff); err != nil {
			return err
		}
	}
}

func (x *StepExecutor) attempt(ctx context.Context, runKey string, step domain.SagaPhase, attempt int, fn StepFunc) error {
	ctx, span := x.tracer.Start(ctx, "saga.step."+string(step), trace.WithAttributes(
		attribute.String("saga.run_key", runKey),
		attribute.Int("saga.attempt", attempt),
	))
	defer span.End()

	err := fn(ctx, attempt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Sleep pauses for d measured from the first time this step was reached for
// runKey. A resumed run only waits for the remainder.
func (x *StepExecutor) Sleep(ctx context.Context, runKey string, step domain.SagaPhase, d time.Duration) error {
	name := string(step)

	cp, err := x.store.Get(ctx, runKey, name)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	if cp.Completed() {
		return nil
	}

	wakeAt, err := x.store.ScheduleWake(ctx, runKey, name, x.now().Add(d))
	if err != nil {
		return fmt.Errorf("schedule wake %s: %w", name, err)
	}

	if remaining := wakeAt.Sub(x.now()); remaining > 0 {
		if err := sleepContext(ctx, remaining); err != nil {
			return err
		}
	}

	if err := x.store.Complete(ctx, runKey, name); err != nil {
		return fmt.Errorf("complete checkpoint %s: %w", name, err)
	}
	return nil
}

func (x *StepExecutor) backoff(attempt int) time.Duration {
	d := x.config.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= x.config.MaxBackoff {
			return x.config.MaxBackoff
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
