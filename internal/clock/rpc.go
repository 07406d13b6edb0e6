package clock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/workledger/pkg/circuit"
	"github.com/bardlex/workledger/pkg/errors"
	"github.com/bardlex/workledger/pkg/retry"
)

type headerClient interface {
	GetBestBlockHash() (*chainhash.Hash, error)
	GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader, error)
	Shutdown()
}

// RPCHeaders reads block headers from a Bitcoin node's JSON-RPC interface.
// ledgerd uses it to seed the block clock before the first ZMQ notification.
type RPCHeaders struct {
	client  headerClient
	breaker *circuit.Breaker
	retry   *retry.Config
	logger  *slog.Logger
}

// NewRPCHeaders connects over plain HTTP POST, the way Bitcoin Core serves RPC
func NewRPCHeaders(host, user, pass string, logger *slog.Logger) (*RPCHeaders, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", host)
	}
	return newRPCHeaders(client, logger), nil
}

func newRPCHeaders(client headerClient, logger *slog.Logger) *RPCHeaders {
	return &RPCHeaders{
		client: client,
		breaker: circuit.New(&circuit.Config{
			Name:            "bitcoin_rpc",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
		retry:  retry.DefaultConfig(),
		logger: logger,
	}
}

// Close shuts the RPC client down
func (r *RPCHeaders) Close() {
	r.client.Shutdown()
}

// BestHeader returns the header of the node's current chain tip
func (r *RPCHeaders) BestHeader(ctx context.Context) (*wire.BlockHeader, error) {
	return circuit.ExecuteWithResult(ctx, r.breaker, func() (*wire.BlockHeader, error) {
		return retry.DoWithResult(ctx, r.retry, func() (*wire.BlockHeader, error) {
			hash, err := r.client.GetBestBlockHash()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "get_best_block_hash",
					"failed to retrieve best block hash")
			}
			header, err := r.client.GetBlockHeader(hash)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "get_block_header",
					"failed to retrieve block header").
					WithContext("block_hash", hash.String())
			}
			return header, nil
		})
	})
}

// Seed moves clk to the chain tip's timestamp
func (r *RPCHeaders) Seed(ctx context.Context, clk *BlockClock) error {
	header, err := r.BestHeader(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed block clock: %w", err)
	}
	clk.Observe(header.Timestamp.Unix())
	r.logger.Info("block clock seeded",
		"block_hash", header.BlockHash().String(),
		"timestamp", header.Timestamp.Unix(),
	)
	return nil
}
