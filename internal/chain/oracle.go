package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Oracle polls the chain for transaction outcomes. All calls share one token
// bucket so sweeps cannot exhaust the RPC quota.
type Oracle struct {
	clients *Clients
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewOracle creates an oracle limited to rps requests per second with the given burst
func NewOracle(clients *Clients, rps float64, burst int, logger zerolog.Logger) *Oracle {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Oracle{
		clients: clients,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "chain_oracle").Logger(),
	}
}

// PollStatus reports the on-chain state of a transaction. A transaction the node
// does not know about is reported failed once the chain has passed its expiry
// block height.
func (o *Oracle) PollStatus(ctx context.Context, query domain.StatusQuery) (domain.ChainStatus, error) {
	client, err := o.clients.primary(query.Network)
	if err != nil {
		return domain.ChainStatus{}, err
	}
	sig, err := solana.SignatureFromBase58(query.Hash)
	if err != nil {
		return domain.ChainStatus{}, domain.NonRetriable("invalid transaction hash", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return domain.ChainStatus{}, err
	}
	out, err := client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return domain.ChainStatus{}, fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
	}

	var status *rpc.SignatureStatusesResult
	if out != nil && len(out.Value) > 0 {
		status = out.Value[0]
	}

	if status == nil {
		return o.notFound(ctx, client, query)
	}
	if status.Err != nil {
		return domain.ChainStatus{State: domain.ChainStateFailed, Reason: fmt.Sprint(status.Err)}, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return domain.ChainStatus{State: domain.ChainStateConfirmed}, nil
	default:
		return domain.ChainStatus{State: domain.ChainStatePending}, nil
	}
}

func (o *Oracle) notFound(ctx context.Context, client rpcClient, query domain.StatusQuery) (domain.ChainStatus, error) {
	if query.ExpiryBlockHeight == 0 {
		return domain.ChainStatus{State: domain.ChainStateNotFound}, nil
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return domain.ChainStatus{}, err
	}
	height, err := client.GetBlockHeight(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return domain.ChainStatus{}, fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
	}
	if height > query.ExpiryBlockHeight {
		o.logger.Info().
			Str("signature", query.Hash).
			Uint64("block_height", height).
			Uint64("expiry", query.ExpiryBlockHeight).
			Msg("Transaction expired before landing")
		return domain.ChainStatus{State: domain.ChainStateFailed, Reason: "transaction expired"}, nil
	}
	return domain.ChainStatus{State: domain.ChainStateNotFound}, nil
}

// FailureReason fetches the transaction and returns the most specific error the
// program logs carry, falling back to the runtime error.
func (o *Oracle) FailureReason(ctx context.Context, hash string, network domain.Network) (string, error) {
	client, err := o.clients.primary(network)
	if err != nil {
		return "", err
	}
	sig, err := solana.SignatureFromBase58(hash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return "", err
	}
	maxVersion := uint64(0)
	tx, err := client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
	}
	if tx == nil || tx.Meta == nil {
		return "", nil
	}

	return reasonFromLogs(tx.Meta.LogMessages, tx.Meta.Err), nil
}

func reasonFromLogs(logs []string, metaErr interface{}) string {
	for i := len(logs) - 1; i >= 0; i-- {
		line := logs[i]
		if idx := strings.Index(line, "Error:"); idx >= 0 {
			return strings.TrimSpace(line[idx+len("Error:"):])
		}
		if strings.HasSuffix(line, " failed") || strings.Contains(line, " failed: ") {
			return strings.TrimPrefix(line, "Program log: ")
		}
	}
	if metaErr != nil {
		return fmt.Sprint(metaErr)
	}
	return ""
}
