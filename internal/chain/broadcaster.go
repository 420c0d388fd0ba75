package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/dafibh/fortuna/settlement-saga/internal/metrics"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rs/zerolog"
)

const (
	ChannelPrimary = "primary"
	ChannelRelay   = "relay"
)

// DefaultSubmitTimeout bounds one broadcast across all channels
const DefaultSubmitTimeout = 10 * time.Second

// Broadcaster submits signed transactions to the primary RPC and, when one is
// configured for the network, an accelerated relay at the same time
type Broadcaster struct {
	clients *Clients
	timeout time.Duration
	metrics *metrics.SagaMetrics
	logger  zerolog.Logger
}

// NewBroadcaster creates a new Broadcaster
func NewBroadcaster(clients *Clients, timeout time.Duration, sagaMetrics *metrics.SagaMetrics, logger zerolog.Logger) *Broadcaster {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &Broadcaster{
		clients: clients,
		timeout: timeout,
		metrics: sagaMetrics,
		logger:  logger.With().Str("component", "broadcaster").Logger(),
	}
}

type channelOutcome struct {
	channel   string
	signature string
	err       error
}

// Submit broadcasts rawTransaction. An acceptance from any channel wins. A
// rejection is only final once every channel has answered; if any channel
// timed out the submission is retriable.
func (b *Broadcaster) Submit(ctx context.Context, rawTransaction []byte, network domain.Network) (*domain.BroadcastResult, error) {
	primary, err := b.clients.primary(network)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	submitCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	channels := map[string]rpcClient{ChannelPrimary: primary}
	if relay := b.clients.relay(network); relay != nil {
		channels[ChannelRelay] = relay
	}

	outcomes := make(chan channelOutcome, len(channels))
	for name, client := range channels {
		go func(name string, client rpcClient) {
			sig, err := client.SendRawTransactionWithOpts(submitCtx, rawTransaction, rpc.TransactionOpts{
				SkipPreflight:       false,
				PreflightCommitment: rpc.CommitmentConfirmed,
			})
			if err != nil {
				outcomes <- channelOutcome{channel: name, err: err}
				return
			}
			outcomes <- channelOutcome{channel: name, signature: sig.String()}
		}(name, client)
	}

	var rejections []channelOutcome
	var transient error
	for range channels {
		o := <-outcomes
		if o.err == nil {
			b.metrics.ObserveBroadcast("accepted", time.Since(start))
			b.logger.Info().
				Str("network", string(network)).
				Str("channel", o.channel).
				Str("signature", o.signature).
				Msg("Transaction accepted")
			return &domain.BroadcastResult{Signature: o.signature, Channel: o.channel}, nil
		}

		classified := classifySubmitError(o.err)
		b.logger.Warn().Err(o.err).Str("channel", o.channel).Str("network", string(network)).Msg("Broadcast channel failed")
		if domain.IsNonRetriable(classified) {
			rejections = append(rejections, channelOutcome{channel: o.channel, err: classified})
		} else if transient == nil {
			transient = classified
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if transient != nil {
		b.metrics.ObserveBroadcast("retriable", time.Since(start))
		return nil, transient
	}

	b.metrics.ObserveBroadcast("rejected", time.Since(start))
	for _, r := range rejections {
		if r.channel == ChannelPrimary {
			return nil, r.err
		}
	}
	return nil, rejections[0].err
}

// classifySubmitError maps an RPC error to the saga's retry taxonomy.
// JSON-RPC errors are the node refusing the transaction; everything else is
// transport trouble and safe to retry with the same signed payload.
func classifySubmitError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return domain.NonRetriable(rpcErr.Message, fmt.Errorf("%w: %s", domain.ErrBroadcastRejected, rpcErr.Message))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Retriable(fmt.Errorf("%w: %v", domain.ErrBroadcastTimeout, err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.Retriable(fmt.Errorf("%w: %v", domain.ErrBroadcastTimeout, err))
	}

	return domain.Retriable(fmt.Errorf("broadcast: %w", err))
}
