package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StatusSweepWorker periodically re-dispatches settlements that were broadcast,
// or whose broadcast was interrupted before the hash was stored, but never
// reached a terminal status
type StatusSweepWorker struct {
	records    domain.SettlementRepository
	dispatcher SettlementEnqueuer
	logger     zerolog.Logger
	interval   time.Duration
	grace      time.Duration
	batchSize  int
	stopCh     chan struct{}
	doneCh     chan struct{}
	mu         sync.Mutex
	running    bool
}

// StatusSweepConfig holds configuration for the status sweep worker
type StatusSweepConfig struct {
	Interval    time.Duration // How often to sweep
	GracePeriod time.Duration // Minimum age since the last write before a record is swept
	BatchSize   int           // Records per kind per sweep
}

// DefaultStatusSweepConfig returns sensible defaults
func DefaultStatusSweepConfig() StatusSweepConfig {
	return StatusSweepConfig{
		Interval:    time.Minute,
		GracePeriod: 30 * time.Second,
		BatchSize:   100,
	}
}

// SweepResult summarises one sweep
type SweepResult struct {
	Enqueued int
	Skipped  int
	Errors   int
}

// NewStatusSweepWorker creates a new status sweep worker
func NewStatusSweepWorker(
	records domain.SettlementRepository,
	dispatcher SettlementEnqueuer,
	logger zerolog.Logger,
	config StatusSweepConfig,
) *StatusSweepWorker {
	defaults := DefaultStatusSweepConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.GracePeriod < 0 {
		config.GracePeriod = defaults.GracePeriod
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}

	return &StatusSweepWorker{
		records:    records,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "status_sweep_worker").Logger(),
		interval:   config.Interval,
		grace:      config.GracePeriod,
		batchSize:  config.BatchSize,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the background sweep
func (w *StatusSweepWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info().
		Dur("interval", w.interval).
		Dur("grace_period", w.grace).
		Msg("Starting status sweep worker")

	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *StatusSweepWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.logger.Info().Msg("Stopping status sweep worker")
	close(w.stopCh)
	<-w.doneCh
	w.logger.Info().Msg("Status sweep worker stopped")
}

// IsRunning returns whether the worker is currently running
func (w *StatusSweepWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *StatusSweepWorker) run(ctx context.Context) {
	defer close(w.doneCh)

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

func (w *StatusSweepWorker) setStopped() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Sweep re-dispatches every pending settlement with a hash or an interrupted
// broadcast older than the grace period. Each gets a fresh run ID so its
// status checks start a new attempt window.
func (w *StatusSweepWorker) Sweep(ctx context.Context) SweepResult {
	var result SweepResult
	startTime := time.Now()
	cutoff := startTime.Add(-w.grace)

	for _, kind := range domain.AllSettlementKinds {
		if ctx.Err() != nil {
			return result
		}

		records, err := w.records.ListAwaitingStatus(ctx, kind, cutoff, w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to list settlements awaiting status")
			result.Errors++
			continue
		}

		for _, r := range records {
			err := w.dispatcher.Enqueue(domain.SettlementRequest{
				OwnerID:      r.OwnerID,
				SettlementID: r.ID,
				Kind:         r.Kind,
				Network:      r.Network,
				RunID:        uuid.New(),
			})
			switch {
			case err == nil:
				result.Enqueued++
			case errors.Is(err, domain.ErrRunInFlight):
				result.Skipped++
			case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrDispatcherStopped):
				w.logger.Warn().Err(err).Msg("Dispatcher not accepting runs, sweep cut short")
				result.Errors++
				return result
			default:
				w.logger.Error().Err(err).Str("settlement_id", r.ID.String()).Msg("Failed to enqueue settlement")
				result.Errors++
			}
		}
	}

	if result.Enqueued > 0 || result.Errors > 0 {
		w.logger.Info().
			Int("enqueued", result.Enqueued).
			Int("skipped", result.Skipped).
			Int("errors", result.Errors).
			Dur("elapsed", time.Since(startTime)).
			Msg("Completed status sweep")
	}
	return result
}
