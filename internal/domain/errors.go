package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrInternalError     = errors.New("internal error")
	ErrOwnerNotFound     = errors.New("owner not found")
	ErrUnknownKind       = errors.New("unknown settlement kind")
	ErrStatusConflict    = errors.New("settlement status changed concurrently")
	ErrAlreadyTerminal   = errors.New("settlement already terminal")
	ErrWalletMissing     = errors.New("owner has no wallet on this network")
	ErrAlreadyClaimed    = errors.New("settlement already claimed")
	ErrAlreadySent       = errors.New("settlement already sent")
	ErrBroadcastRejected = errors.New("transaction rejected by network")
	ErrBroadcastTimeout  = errors.New("transaction broadcast timed out")
	ErrOracleUnavailable = errors.New("chain status oracle unavailable")
	ErrRetriesExhausted  = errors.New("exhausted retries")
	ErrMissingRawTx      = errors.New("raw transaction is required")
	ErrRunInFlight       = errors.New("settlement run already in flight")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	ErrQueueFull         = errors.New("saga queue full")
)

// ErrSettlementNotFound is returned when a settlement row does not exist
var ErrSettlementNotFound = fmt.Errorf("settlement %w", ErrNotFound)

// ErrorClass separates failures the step executor may retry from failures that
// must stop the saga immediately.
type ErrorClass string

const (
	ErrorClassRetriable    ErrorClass = "retriable"
	ErrorClassNonRetriable ErrorClass = "non_retriable"
)

// ClassifiedError carries a retry class and, for non-retriable business failures,
// the human-readable reason persisted on the settlement record.
type ClassifiedError struct {
	Class  ErrorClass
	Reason string
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e.Reason != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Retriable wraps err as a transient failure
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ErrorClassRetriable, Err: err}
}

// NonRetriable wraps err as a terminal failure with an operator-facing reason
func NonRetriable(reason string, err error) error {
	if reason == "" && err != nil {
		reason = err.Error()
	}
	return &ClassifiedError{Class: ErrorClassNonRetriable, Reason: reason, Err: err}
}

// IsNonRetriable reports whether err (or anything it wraps) is classified non-retriable
func IsNonRetriable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorClassNonRetriable
	}
	return false
}

// IsRetriable reports whether err is explicitly classified retriable.
// Unclassified errors are infrastructure failures; the executor retries them too
// but callers must not treat them as business outcomes.
func IsRetriable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorClassRetriable
	}
	return false
}

// FailureReason extracts the persisted failure reason from a classified error
func FailureReason(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
