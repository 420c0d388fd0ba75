package service

import (
	"context"
	"errors"
	"sync"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SagaRunner executes one saga run to completion
type SagaRunner interface {
	Run(ctx context.Context, req domain.SettlementRequest) (*domain.RunResult, error)
}

// SettlementEnqueuer accepts settlement runs for asynchronous execution
type SettlementEnqueuer interface {
	Enqueue(req domain.SettlementRequest) error
}

// SagaDispatcherConfig holds configuration for the saga dispatcher
type SagaDispatcherConfig struct {
	Workers   int // Number of runs executing at once across all owners
	QueueSize int // Admitted requests not yet running
}

// DefaultSagaDispatcherConfig returns sensible defaults
func DefaultSagaDispatcherConfig() SagaDispatcherConfig {
	return SagaDispatcherConfig{
		Workers:   16,
		QueueSize: 1024,
	}
}

// SagaDispatcher runs sagas in the background. It admits at most one run per
// settlement. A request takes its owner slot before it takes a worker, so an
// owner at its cap never holds workers other owners could use.
type SagaDispatcher struct {
	runner    SagaRunner
	limiter   domain.OwnerLimiter
	logger    zerolog.Logger
	workers   chan struct{}
	queueSize int

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
	pending  []domain.SettlementRequest // admitted before Start
	waiting  int
	dropped  int
	ctx      context.Context
	running  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSagaDispatcher creates a new saga dispatcher
func NewSagaDispatcher(runner SagaRunner, limiter domain.OwnerLimiter, logger zerolog.Logger, config SagaDispatcherConfig) *SagaDispatcher {
	defaults := DefaultSagaDispatcherConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}

	return &SagaDispatcher{
		runner:    runner,
		limiter:   limiter,
		logger:    logger.With().Str("component", "saga_dispatcher").Logger(),
		workers:   make(chan struct{}, config.Workers),
		queueSize: config.QueueSize,
		inFlight:  make(map[uuid.UUID]struct{}),
	}
}

// Enqueue admits a run. A settlement already queued or running is rejected with
// ErrRunInFlight; the running saga will observe the same record.
func (d *SagaDispatcher) Enqueue(req domain.SettlementRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return domain.ErrDispatcherStopped
	}
	if _, ok := d.inFlight[req.SettlementID]; ok {
		return domain.ErrRunInFlight
	}
	if d.waiting >= d.queueSize {
		return domain.ErrQueueFull
	}
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}

	d.inFlight[req.SettlementID] = struct{}{}
	d.waiting++
	if d.running {
		d.launch(req)
	} else {
		d.pending = append(d.pending, req)
	}
	return nil
}

// Start begins executing admitted runs
func (d *SagaDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.stopped {
		return
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.logger.Info().Int("workers", cap(d.workers)).Int("queue_size", d.queueSize).Msg("Starting saga dispatcher")

	for _, req := range d.pending {
		d.launch(req)
	}
	d.pending = nil
}

// Stop cancels running sagas and waits for them to exit. Runs that never
// started are dropped; the status sweep picks up anything left pending.
func (d *SagaDispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.dropped += len(d.pending)
	d.pending = nil
	cancel := d.cancel
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping saga dispatcher")
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	d.mu.Lock()
	dropped := d.dropped
	d.mu.Unlock()
	d.logger.Info().Int("dropped", dropped).Msg("Saga dispatcher stopped")
}

// InFlight returns the number of settlements queued or running
func (d *SagaDispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// IsRunning returns whether the dispatcher is executing runs
func (d *SagaDispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running && !d.stopped
}

// launch must be called with d.mu held
func (d *SagaDispatcher) launch(req domain.SettlementRequest) {
	d.wg.Add(1)
	go d.execute(d.ctx, req)
}

func (d *SagaDispatcher) execute(ctx context.Context, req domain.SettlementRequest) {
	defer d.wg.Done()

	started := false
	defer func() { d.done(req.SettlementID, started) }()

	logger := d.logger.With().
		Str("settlement_id", req.SettlementID.String()).
		Str("kind", string(req.Kind)).
		Str("owner_id", req.OwnerID.String()).
		Logger()

	release, err := d.limiter.Acquire(ctx, req.OwnerID)
	if err != nil {
		logger.Warn().Err(err).Msg("Owner slot not acquired, run dropped")
		return
	}
	defer release()

	select {
	case d.workers <- struct{}{}:
	case <-ctx.Done():
		logger.Info().Msg("Dispatcher stopped before run started")
		return
	}
	defer func() { <-d.workers }()

	d.mu.Lock()
	d.waiting--
	d.mu.Unlock()
	started = true

	result, err := d.runner.Run(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("Saga run cancelled")
			return
		}
		logger.Error().Err(err).Msg("Saga run failed")
		return
	}

	logger.Debug().
		Str("status", string(result.Status)).
		Str("state", string(result.State)).
		Bool("skipped", result.Skipped).
		Msg("Saga run finished")
}

func (d *SagaDispatcher) done(id uuid.UUID, started bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
	if !started {
		d.waiting--
		d.dropped++
	}
}
