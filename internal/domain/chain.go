package domain

import "context"

// ChainState is the on-chain outcome reported by the status oracle
type ChainState string

const (
	ChainStateNotFound  ChainState = "not_found"
	ChainStatePending   ChainState = "pending"
	ChainStateConfirmed ChainState = "confirmed"
	ChainStateFailed    ChainState = "failed"
)

// ChainStatus is one oracle observation for a transaction hash
type ChainStatus struct {
	State  ChainState
	Reason string
}

// StatusQuery identifies the transaction to poll. ExpiryBlockHeight is optional;
// when set, a not-found transaction past expiry is reported failed.
type StatusQuery struct {
	Hash              string
	Network           Network
	ExpiryBlockHeight uint64
}

// BroadcastResult is the accepted outcome of a submission
type BroadcastResult struct {
	Signature string
	Channel   string
}

// Broadcaster submits signed transactions to the network. Errors are classified:
// ErrBroadcastTimeout wrapped as retriable, ErrBroadcastRejected as non-retriable.
type Broadcaster interface {
	Submit(ctx context.Context, rawTransaction []byte, network Network) (*BroadcastResult, error)
}

// ChainOracle is the polled source of truth for on-chain outcomes
type ChainOracle interface {
	PollStatus(ctx context.Context, query StatusQuery) (ChainStatus, error)
	// FailureReason returns a human-readable reason for a failed transaction
	FailureReason(ctx context.Context, hash string, network Network) (string, error)
}
