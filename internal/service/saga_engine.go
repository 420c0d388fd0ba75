package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/dafibh/fortuna/settlement-saga/internal/metrics"
	"github.com/dafibh/fortuna/settlement-saga/internal/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const exhaustedRetriesReason = "exhausted retries"

// SagaEngineDeps holds the ports the saga engine drives
type SagaEngineDeps struct {
	Records     domain.SettlementRepository
	Reconciler  *LedgerReconciler
	Broadcaster domain.Broadcaster
	Oracle      domain.ChainOracle
	Notifier    domain.Notifier
	Alerts      domain.AlertSink
	Executor    *StepExecutor
	Strategies  map[domain.SettlementKind]KindStrategy
	Receipts    domain.ReceiptArchive
	Metrics     *metrics.SagaMetrics
}

// SagaEngineConfig holds engine timing
type SagaEngineConfig struct {
	ConfirmationDelay time.Duration
}

// SagaEngine drives a settlement from Pending to a terminal status through the
// five ordered steps. Every status write is conditional on the status read.
type SagaEngine struct {
	records     domain.SettlementRepository
	reconciler  *LedgerReconciler
	broadcaster domain.Broadcaster
	oracle      domain.ChainOracle
	notifier    domain.Notifier
	alerts      domain.AlertSink
	executor    *StepExecutor
	strategies  map[domain.SettlementKind]KindStrategy
	receipts    domain.ReceiptArchive
	metrics     *metrics.SagaMetrics
	publisher   websocket.EventPublisher
	config      SagaEngineConfig
	logger      zerolog.Logger
	now         func() time.Time
}

// NewSagaEngine creates a new SagaEngine
func NewSagaEngine(deps SagaEngineDeps, config SagaEngineConfig, logger zerolog.Logger) *SagaEngine {
	if config.ConfirmationDelay < 0 {
		config.ConfirmationDelay = 0
	}
	return &SagaEngine{
		records:     deps.Records,
		reconciler:  deps.Reconciler,
		broadcaster: deps.Broadcaster,
		oracle:      deps.Oracle,
		notifier:    deps.Notifier,
		alerts:      deps.Alerts,
		executor:    deps.Executor,
		strategies:  deps.Strategies,
		receipts:    deps.Receipts,
		metrics:     deps.Metrics,
		publisher:   websocket.NewNoOpPublisher(),
		config:      config,
		logger:      logger.With().Str("component", "saga_engine").Logger(),
		now:         time.Now,
	}
}

// SetEventPublisher sets the event publisher for real-time updates
func (e *SagaEngine) SetEventPublisher(publisher websocket.EventPublisher) {
	e.publisher = publisher
}

// sagaRun is the working state of one invocation
type sagaRun struct {
	req      domain.SettlementRequest
	runKey   string
	strategy KindStrategy
	record   *domain.SettlementRecord
	state    domain.SagaState
	logger   zerolog.Logger

	// transitioned is set only when this run's conditional write moved the record to a terminal status
	transitioned     bool
	ledgerReconciled bool
}

// claimedSignature prefers the request's claim and falls back to the one stored
// when the broadcast started
func (r *sagaRun) claimedSignature() string {
	if r.req.ClaimedSignature != "" {
		return r.req.ClaimedSignature
	}
	if r.record != nil && r.record.ClaimedSignature != nil {
		return *r.record.ClaimedSignature
	}
	return ""
}

// expiry prefers the request's block height and falls back to the stored one
func (r *sagaRun) expiry() uint64 {
	if r.req.BlockheightOrExpiry > 0 {
		return r.req.BlockheightOrExpiry
	}
	if r.record != nil && r.record.ExpiryBlockHeight != nil {
		return *r.record.ExpiryBlockHeight
	}
	return 0
}

// Run executes the saga for one settlement. It is safe to call repeatedly and
// concurrently for the same settlement; terminal records are a no-op.
func (e *SagaEngine) Run(ctx context.Context, req domain.SettlementRequest) (*domain.RunResult, error) {
	strategy, ok := e.strategies[req.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, req.Kind)
	}
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}

	r := &sagaRun{
		req:      req,
		runKey:   req.RunKey(),
		strategy: strategy,
		state:    domain.SagaStatePending,
		logger: e.logger.With().
			Str("kind", string(req.Kind)).
			Str("settlement_id", req.SettlementID.String()).
			Str("run_id", req.RunID.String()).
			Logger(),
	}

	done := e.metrics.RunStarted(string(req.Kind))
	defer done()

	if err := e.checkPreconditions(ctx, r); err != nil {
		return nil, err
	}
	if r.record.Status.IsTerminal() {
		return e.finish(ctx, r), nil
	}

	if !r.record.HasHash() {
		if err := e.submitTransaction(ctx, r); err != nil {
			return nil, err
		}
		if r.record.Status.IsTerminal() || !r.record.HasHash() {
			return e.finish(ctx, r), nil
		}
	}
	r.state = domain.SagaStateSubmitting

	e.applyLedger(ctx, r)

	if err := e.executor.Sleep(ctx, r.runKey, domain.PhaseWaitForConfirmation, e.config.ConfirmationDelay); err != nil {
		return nil, err
	}

	if err := e.checkStatus(ctx, r); err != nil {
		return nil, err
	}
	return e.finish(ctx, r), nil
}

// checkPreconditions re-reads the record and runs the kind's guard. A failed
// guard moves the record to Failed inside the step so the write is retried.
func (e *SagaEngine) checkPreconditions(ctx context.Context, r *sagaRun) error {
	var violation error

	err := e.executor.Step(ctx, r.runKey, StepOptions{
		Name:        domain.PhaseCheckPreconditions,
		MaxAttempts: r.strategy.RetryCeiling(),
	}, func(ctx context.Context, attempt int) error {
		if violation != nil {
			return e.markFailed(ctx, r, domain.FailureReason(violation))
		}

		record, err := e.records.Get(ctx, r.req.Kind, r.req.SettlementID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NonRetriable("settlement not found", err)
			}
			return err
		}
		r.record = record

		if record.Status.IsTerminal() {
			r.logger.Debug().Str("status", string(record.Status)).Msg("Settlement already terminal, skipping")
			return nil
		}
		if record.OwnerID != r.req.OwnerID {
			return domain.NonRetriable("owner mismatch", domain.ErrForbidden)
		}
		// A started broadcast is past the point where pre-submit guards apply
		if record.HasHash() || record.SubmitInterrupted() {
			return nil
		}

		if err := r.strategy.CheckPrecondition(ctx, record); err != nil {
			if !domain.IsNonRetriable(err) {
				return err
			}
			violation = err
			r.logger.Info().Err(err).Msg("Precondition violated")
			return e.markFailed(ctx, r, domain.FailureReason(err))
		}
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Precondition step failed")
		return err
	}
	return nil
}

// submitTransaction broadcasts the raw transaction and persists the hash. A
// record whose earlier broadcast never stored a hash is reconciled first: the
// oracle is asked whether the claimed signature already landed.
func (e *SagaEngine) submitTransaction(ctx context.Context, r *sagaRun) error {
	r.state = domain.DeriveSagaState(r.record)
	if r.state == domain.SagaStateReconciling {
		r.logger.Warn().
			Time("submit_started_at", *r.record.SubmitStartedAt).
			Msg("Earlier broadcast never stored its hash, reconciling before broadcast")
	}

	var accepted string
	var rejection error

	maxAttempts := min(r.strategy.RetryCeiling(), MaxSubmitAttempts)
	err := e.executor.Step(ctx, r.runKey, StepOptions{
		Name:        domain.PhaseSubmitTransaction,
		MaxAttempts: maxAttempts,
	}, func(ctx context.Context, attempt int) error {
		if rejection != nil {
			return e.markFailed(ctx, r, domain.FailureReason(rejection))
		}

		if accepted == "" && (r.state == domain.SagaStateReconciling || attempt > 1) {
			found, err := e.lookupClaimedSignature(ctx, r)
			if err != nil {
				return err
			}
			if found {
				accepted = r.claimedSignature()
			}
		}

		if accepted == "" {
			if len(r.req.RawTransaction) == 0 {
				if r.state == domain.SagaStateReconciling {
					e.awaitResubmission(ctx, r)
					return nil
				}
				rejection = domain.NonRetriable("missing raw transaction", domain.ErrMissingRawTx)
				return e.markFailed(ctx, r, domain.FailureReason(rejection))
			}

			if err := e.markSubmitStarted(ctx, r); err != nil {
				return err
			}
			if r.record.Status.IsTerminal() {
				return nil
			}

			res, err := e.broadcaster.Submit(ctx, r.req.RawTransaction, r.req.Network)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !domain.IsNonRetriable(err) {
					return domain.Retriable(err)
				}
				rejection = err
				r.logger.Warn().Err(err).Msg("Broadcast rejected")
				return e.markFailed(ctx, r, domain.FailureReason(err))
			}

			accepted = res.Signature
			if claimed := r.claimedSignature(); claimed != "" && claimed != accepted {
				r.logger.Warn().
					Str("claimed_signature", claimed).
					Str("signature", accepted).
					Msg("Broadcast signature differs from claimed signature")
			}
			r.logger.Info().Str("signature", accepted).Str("channel", res.Channel).Msg("Transaction accepted")
		}

		return e.persistHash(ctx, r, accepted)
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrRetriesExhausted) {
		return err
	}

	switch {
	case accepted != "":
		e.raise(ctx, r, domain.AlertSeverityPage, "transaction broadcast but hash not persisted", err, map[string]string{
			"signature": accepted,
		})
		return err
	case rejection != nil:
		return err
	}

	// Broadcast never got a definitive answer. Check once more before giving up.
	found, lookupErr := e.lookupClaimedSignature(ctx, r)
	if lookupErr != nil {
		r.logger.Warn().Err(lookupErr).Msg("Submission retries exhausted and claimed signature unknown, leaving for the sweep")
		return err
	}
	if found {
		return e.persistHash(ctx, r, r.claimedSignature())
	}

	r.logger.Warn().Err(err).Msg("Submission retries exhausted")
	if failErr := e.markFailed(ctx, r, exhaustedRetriesReason); failErr != nil {
		return failErr
	}
	return nil
}

// markSubmitStarted stores the submit marker, claimed signature and expiry
// before the first broadcast of a settlement
func (e *SagaEngine) markSubmitStarted(ctx context.Context, r *sagaRun) error {
	if r.record.SubmitStartedAt != nil {
		return nil
	}
	now := e.now().UTC()
	update := domain.SettlementUpdate{SubmitStartedAt: &now}
	if r.req.ClaimedSignature != "" {
		sig := r.req.ClaimedSignature
		update.ClaimedSignature = &sig
	}
	if r.req.BlockheightOrExpiry > 0 {
		expiry := r.req.BlockheightOrExpiry
		update.ExpiryBlockHeight = &expiry
	}

	record, _, err := e.transition(ctx, r, update)
	if err != nil {
		return err
	}
	r.record = record
	return nil
}

// awaitResubmission leaves an interrupted submission pending when its claimed
// signature is not on chain and there is nothing to re-send. The sweep keeps
// checking until the signature lands or expires.
func (e *SagaEngine) awaitResubmission(ctx context.Context, r *sagaRun) {
	if r.claimedSignature() == "" {
		e.raise(ctx, r, domain.AlertSeverityPage, "interrupted submission has no claimed signature to reconcile", nil, nil)
		return
	}
	r.logger.Info().
		Str("claimed_signature", r.claimedSignature()).
		Msg("Interrupted submission not on chain yet, awaiting resubmission")
}

// lookupClaimedSignature reports whether the oracle knows the claimed signature
func (e *SagaEngine) lookupClaimedSignature(ctx context.Context, r *sagaRun) (bool, error) {
	claimed := r.claimedSignature()
	if claimed == "" {
		return false, nil
	}
	status, err := e.oracle.PollStatus(ctx, domain.StatusQuery{
		Hash:              claimed,
		Network:           r.req.Network,
		ExpiryBlockHeight: r.expiry(),
	})
	if err != nil {
		if domain.IsNonRetriable(err) {
			r.logger.Warn().Err(err).Str("claimed_signature", claimed).Msg("Claimed signature cannot be checked, ignoring it")
			return false, nil
		}
		return false, oracleError(err)
	}
	if status.State == domain.ChainStateNotFound {
		return false, nil
	}
	r.logger.Info().Str("chain_state", string(status.State)).Msg("Claimed signature found on chain, adopting it")
	return true, nil
}

// oracleError keeps the oracle's own non-retriable classification and treats
// everything else as the oracle being unavailable
func oracleError(err error) error {
	if domain.IsNonRetriable(err) {
		return err
	}
	return domain.Retriable(fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err))
}

func (e *SagaEngine) persistHash(ctx context.Context, r *sagaRun, hash string) error {
	update := domain.SettlementUpdate{TransactionHash: &hash}
	if r.req.BlockheightOrExpiry > 0 {
		expiry := r.req.BlockheightOrExpiry
		update.ExpiryBlockHeight = &expiry
	}
	record, applied, err := e.transition(ctx, r, update)
	if err != nil {
		return err
	}
	r.record = record
	if applied {
		r.state = domain.SagaStateSubmitting
		e.publish(r.record, websocket.SettlementSubmitted)
	}
	return nil
}

// applyLedger writes derived entries now that a hash exists. Failure does not
// stop the saga; confirmation retries once and flags the record if it still fails.
func (e *SagaEngine) applyLedger(ctx context.Context, r *sagaRun) {
	err := e.executor.Step(ctx, r.runKey, StepOptions{
		Name:        domain.PhaseApplyLedger,
		MaxAttempts: r.strategy.RetryCeiling(),
		Memoize:     true,
	}, func(ctx context.Context, attempt int) error {
		_, err := e.reconciler.Apply(ctx, r.record)
		return err
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Provisional ledger apply failed")
		e.raise(ctx, r, domain.AlertSeverityWarning, "provisional ledger apply failed", err, nil)
		return
	}
	r.ledgerReconciled = true
}

// checkStatus polls the oracle and writes the terminal transition inside the
// step so a failed write is retried. Exhaustion leaves the record pending.
func (e *SagaEngine) checkStatus(ctx context.Context, r *sagaRun) error {
	hash := r.record.Hash()

	err := e.executor.Step(ctx, r.runKey, StepOptions{
		Name:        domain.PhaseCheckStatus,
		MaxAttempts: r.strategy.RetryCeiling(),
	}, func(ctx context.Context, attempt int) error {
		if r.record.Status.IsTerminal() {
			return nil
		}

		status, err := e.oracle.PollStatus(ctx, domain.StatusQuery{
			Hash:              hash,
			Network:           r.record.Network,
			ExpiryBlockHeight: r.expiry(),
		})
		if err != nil {
			return oracleError(err)
		}

		switch status.State {
		case domain.ChainStateConfirmed:
			return e.markConfirmed(ctx, r)
		case domain.ChainStateFailed:
			reason := status.Reason
			if detail, err := e.oracle.FailureReason(ctx, hash, r.record.Network); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to look up failure reason")
			} else if detail != "" {
				reason = detail
			}
			if reason == "" {
				reason = "transaction failed on chain"
			}
			return e.markFailed(ctx, r, reason)
		default:
			r.logger.Debug().Str("chain_state", string(status.State)).Msg("Transaction not final yet")
			return nil
		}
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrRetriesExhausted) {
		r.logger.Warn().Err(err).Msg("Status check exhausted, leaving settlement for the sweep")
		e.raise(ctx, r, domain.AlertSeverityWarning, "status check exhausted", err, map[string]string{
			"transactionHash": hash,
		})
		return nil
	}
	if domain.IsNonRetriable(err) {
		// The stored hash cannot be checked; funds may have moved so it is never failed automatically
		r.logger.Error().Err(err).Msg("Oracle rejected status query")
		e.raise(ctx, r, domain.AlertSeverityPage, "status check rejected by oracle", err, map[string]string{
			"transactionHash": hash,
		})
		return nil
	}
	return err
}

func (e *SagaEngine) markConfirmed(ctx context.Context, r *sagaRun) error {
	if !r.ledgerReconciled {
		if _, err := e.reconciler.Apply(ctx, r.record); err != nil {
			r.logger.Error().Err(err).Msg("Ledger apply failed at confirmation")
		} else {
			r.ledgerReconciled = true
		}
	}

	status := domain.SettlementStatusConfirmed
	now := e.now().UTC()
	pending := !r.ledgerReconciled
	record, applied, err := e.transition(ctx, r, domain.SettlementUpdate{
		Status:                &status,
		ConfirmedAt:           &now,
		ReconciliationPending: &pending,
	})
	if err != nil {
		return err
	}
	r.record = record
	r.transitioned = applied
	return nil
}

func (e *SagaEngine) markFailed(ctx context.Context, r *sagaRun, reason string) error {
	status := domain.SettlementStatusFailed
	now := e.now().UTC()
	record, applied, err := e.transition(ctx, r, domain.SettlementUpdate{
		Status:        &status,
		FailureReason: &reason,
		FailedAt:      &now,
	})
	if err != nil {
		return err
	}
	r.record = record
	r.transitioned = applied
	return nil
}

// transition applies a Pending-conditional write. On a conflict the current
// record is re-read and returned with applied=false.
func (e *SagaEngine) transition(ctx context.Context, r *sagaRun, update domain.SettlementUpdate) (*domain.SettlementRecord, bool, error) {
	record, err := e.records.UpdateIfStatus(ctx, r.req.Kind, r.req.SettlementID, domain.SettlementStatusPending, update)
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, domain.ErrStatusConflict) {
		return nil, false, err
	}

	current, getErr := e.records.Get(ctx, r.req.Kind, r.req.SettlementID)
	if getErr != nil {
		return nil, false, getErr
	}
	r.logger.Info().Str("status", string(current.Status)).Msg("Settlement changed concurrently, deferring to stored status")
	return current, false, nil
}

// finish runs terminal side effects once, only for the run whose write landed
func (e *SagaEngine) finish(ctx context.Context, r *sagaRun) *domain.RunResult {
	record := r.record
	result := &domain.RunResult{
		SettlementID:    r.req.SettlementID,
		Kind:            r.req.Kind,
		Status:          record.Status,
		State:           domain.DeriveSagaState(record),
		TransactionHash: record.Hash(),
		Skipped:         record.Status.IsTerminal() && !r.transitioned,
	}
	if record.FailureReason != nil {
		result.FailureReason = *record.FailureReason
	}

	if !r.transitioned {
		return result
	}

	e.metrics.ObserveTransition(string(record.Kind), string(record.Status))
	r.logger.Info().
		Str("status", string(record.Status)).
		Str("transaction_hash", record.Hash()).
		Msg("Settlement reached terminal status")

	switch record.Status {
	case domain.SettlementStatusFailed:
		if _, err := e.reconciler.Retract(ctx, record.ID); err != nil {
			e.raise(ctx, r, domain.AlertSeverityPage, "ledger retraction failed for failed settlement", err, nil)
		}
		e.publish(record, websocket.SettlementFailed)
	case domain.SettlementStatusConfirmed:
		if record.ReconciliationPending {
			e.raise(ctx, r, domain.AlertSeverityPage, "settlement confirmed but ledger unreconciled", nil, map[string]string{
				"transactionHash": record.Hash(),
			})
		}
		e.publish(record, websocket.SettlementConfirmed)
	}

	if payload, ok := r.strategy.Notification(record); ok {
		if err := e.notifier.Notify(ctx, payload.IdempotencyKey, payload); err != nil {
			r.logger.Error().Err(err).Msg("Failed to send notification")
		}
	}

	e.archive(ctx, r)
	return result
}

func (e *SagaEngine) archive(ctx context.Context, r *sagaRun) {
	if e.receipts == nil {
		return
	}
	entries, err := e.reconciler.Entries(ctx, r.record.ID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to list ledger entries for receipt")
	}
	key, err := e.receipts.Put(ctx, domain.Receipt{Record: r.record, Entries: entries})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to archive settlement receipt")
		return
	}
	r.logger.Debug().Str("key", key).Msg("Archived settlement receipt")
}

func (e *SagaEngine) publish(record *domain.SettlementRecord, build func(websocket.SettlementEventPayload) websocket.Event) {
	payload := websocket.SettlementEventPayload{
		SettlementID:    record.ID.String(),
		Kind:            string(record.Kind),
		Status:          string(record.Status),
		TransactionHash: record.Hash(),
	}
	if record.FailureReason != nil {
		payload.FailureReason = *record.FailureReason
	}
	e.publisher.Publish(record.OwnerID, build(payload))
}

func (e *SagaEngine) raise(ctx context.Context, r *sagaRun, severity domain.AlertSeverity, summary string, err error, details map[string]string) {
	alert := domain.Alert{
		Severity:     severity,
		Summary:      summary,
		Kind:         r.req.Kind,
		SettlementID: r.req.SettlementID,
		Details:      details,
	}
	if err != nil {
		alert.Err = err.Error()
	}
	e.metrics.ObserveAlert(string(severity))
	e.alerts.Alert(ctx, alert)
}
