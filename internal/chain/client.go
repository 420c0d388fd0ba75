package chain

import (
	"context"
	"fmt"

	"github.com/dafibh/fortuna/settlement-saga/internal/config"
	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// rpcClient is the subset of the Solana JSON-RPC client the adapters use
type rpcClient interface {
	SendRawTransactionWithOpts(ctx context.Context, txData []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Clients holds one RPC client per network plus an optional relay
type Clients struct {
	networks map[domain.Network]rpcClient
	relays   map[domain.Network]rpcClient
}

// NewClients builds RPC clients from configuration. The relay, when set, only
// serves mainnet.
func NewClients(cfg config.ChainConfig) *Clients {
	c := &Clients{
		networks: make(map[domain.Network]rpcClient),
		relays:   make(map[domain.Network]rpcClient),
	}
	if cfg.MainnetRPCURL != "" {
		c.networks[domain.NetworkMainnet] = rpc.New(cfg.MainnetRPCURL)
	}
	if cfg.DevnetRPCURL != "" {
		c.networks[domain.NetworkDevnet] = rpc.New(cfg.DevnetRPCURL)
	}
	if cfg.RelayURL != "" {
		c.relays[domain.NetworkMainnet] = rpc.New(cfg.RelayURL)
	}
	return c
}

func (c *Clients) primary(network domain.Network) (rpcClient, error) {
	client, ok := c.networks[network]
	if !ok {
		return nil, domain.NonRetriable("network not configured", fmt.Errorf("%w: network %q", domain.ErrInvalidInput, network))
	}
	return client, nil
}

func (c *Clients) relay(network domain.Network) rpcClient {
	return c.relays[network]
}
