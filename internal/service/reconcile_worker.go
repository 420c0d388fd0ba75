package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/dafibh/fortuna/settlement-saga/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReconcileWorker converges derived ledger entries for terminal settlements the
// saga could not reconcile inline: confirmed records flagged reconciliation-pending
// and failed records that still carry entries.
type ReconcileWorker struct {
	records     domain.SettlementRepository
	reconciler  *LedgerReconciler
	alerts      domain.AlertSink
	metrics     *metrics.SagaMetrics
	logger      zerolog.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int

	failures map[uuid.UUID]int
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// ReconcileWorkerConfig holds configuration for the reconcile worker
type ReconcileWorkerConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int // Consecutive failures before every further failure pages
}

// DefaultReconcileWorkerConfig returns sensible defaults
func DefaultReconcileWorkerConfig() ReconcileWorkerConfig {
	return ReconcileWorkerConfig{
		Interval:    5 * time.Minute,
		BatchSize:   100,
		MaxAttempts: 5,
	}
}

// ReconcileResult summarises one reconcile sweep
type ReconcileResult struct {
	Applied   int
	Retracted int
	Failed    int
	Paged     int
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(
	records domain.SettlementRepository,
	reconciler *LedgerReconciler,
	alerts domain.AlertSink,
	sagaMetrics *metrics.SagaMetrics,
	logger zerolog.Logger,
	config ReconcileWorkerConfig,
) *ReconcileWorker {
	defaults := DefaultReconcileWorkerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}

	return &ReconcileWorker{
		records:     records,
		reconciler:  reconciler,
		alerts:      alerts,
		metrics:     sagaMetrics,
		logger:      logger.With().Str("component", "reconcile_worker").Logger(),
		interval:    config.Interval,
		batchSize:   config.BatchSize,
		maxAttempts: config.MaxAttempts,
		failures:    make(map[uuid.UUID]int),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the background reconciliation
func (w *ReconcileWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info().
		Dur("interval", w.interval).
		Int("max_attempts", w.maxAttempts).
		Msg("Starting reconcile worker")

	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *ReconcileWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.logger.Info().Msg("Stopping reconcile worker")
	close(w.stopCh)
	<-w.doneCh
	w.logger.Info().Msg("Reconcile worker stopped")
}

// IsRunning returns whether the worker is currently running
func (w *ReconcileWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *ReconcileWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	// Run immediately on startup
	w.Sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setStopped()
			return
		case <-w.stopCh:
			w.setStopped()
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

func (w *ReconcileWorker) setStopped() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Sweep runs one reconciliation pass over every kind
func (w *ReconcileWorker) Sweep(ctx context.Context) ReconcileResult {
	var result ReconcileResult
	startTime := time.Now()

	for _, kind := range domain.AllSettlementKinds {
		if ctx.Err() != nil {
			return result
		}
		w.reconcileConfirmed(ctx, kind, &result)
		w.reconcileFailed(ctx, kind, &result)
	}

	if result.Applied > 0 || result.Retracted > 0 || result.Failed > 0 {
		w.logger.Info().
			Int("applied", result.Applied).
			Int("retracted", result.Retracted).
			Int("failed", result.Failed).
			Int("paged", result.Paged).
			Dur("elapsed", time.Since(startTime)).
			Msg("Completed reconcile sweep")
	}
	return result
}

func (w *ReconcileWorker) reconcileConfirmed(ctx context.Context, kind domain.SettlementKind, result *ReconcileResult) {
	records, err := w.records.ListUnreconciled(ctx, kind, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to list unreconciled settlements")
		return
	}

	for _, r := range records {
		if _, err := w.reconciler.Apply(ctx, r); err != nil {
			w.recordFailure(ctx, r.Kind, r.ID, "ledger apply still failing", err, result)
			continue
		}

		cleared := false
		_, err := w.records.UpdateIfStatus(ctx, r.Kind, r.ID, domain.SettlementStatusConfirmed, domain.SettlementUpdate{
			ReconciliationPending: &cleared,
		})
		if err != nil && !errors.Is(err, domain.ErrStatusConflict) {
			w.recordFailure(ctx, r.Kind, r.ID, "reconciliation flag not cleared", err, result)
			continue
		}

		w.clearFailure(r.ID)
		result.Applied++
		w.logger.Info().Str("settlement_id", r.ID.String()).Str("kind", string(r.Kind)).Msg("Reconciled confirmed settlement")
	}
}

func (w *ReconcileWorker) reconcileFailed(ctx context.Context, kind domain.SettlementKind, result *ReconcileResult) {
	ids, err := w.reconciler.FailedWithEntries(ctx, kind, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to list failed settlements with entries")
		return
	}

	for _, id := range ids {
		if _, err := w.reconciler.Retract(ctx, id); err != nil {
			w.recordFailure(ctx, kind, id, "ledger retraction still failing", err, result)
			continue
		}
		w.clearFailure(id)
		result.Retracted++
	}
}

func (w *ReconcileWorker) recordFailure(ctx context.Context, kind domain.SettlementKind, id uuid.UUID, summary string, err error, result *ReconcileResult) {
	w.mu.Lock()
	w.failures[id]++
	attempts := w.failures[id]
	w.mu.Unlock()

	result.Failed++
	logger := w.logger.With().
		Str("settlement_id", id.String()).
		Str("kind", string(kind)).
		Int("attempts", attempts).
		Logger()

	if attempts < w.maxAttempts {
		logger.Warn().Err(err).Msg(summary)
		return
	}

	logger.Error().Err(err).Msg(summary)
	result.Paged++
	w.metrics.ObserveAlert(string(domain.AlertSeverityPage))
	w.alerts.Alert(ctx, domain.Alert{
		Severity:     domain.AlertSeverityPage,
		Summary:      summary,
		Kind:         kind,
		SettlementID: id,
		Err:          err.Error(),
		Details:      map[string]string{"attempts": strconv.Itoa(attempts)},
	})
}

func (w *ReconcileWorker) clearFailure(id uuid.UUID) {
	w.mu.Lock()
	delete(w.failures, id)
	w.mu.Unlock()
}
