package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/relaycore/relayer/config"
	"github.com/relaycore/relayer/pkg/types"
)

// maxConcurrentRequests bounds in-flight RPC calls per EvmClient, that is per
// chain: all of the chain's endpoints share the one bound, and no endpoint
// has a separate bound of its own.
const maxConcurrentRequests = 32

// maxRequestRate smooths bursts on top of the concurrency bound.
const maxRequestRate = 200

// ChainClient is the RPC surface the pipeline, watcher and top-up loops
// consume. *EvmClient satisfies it; tests substitute stubs.
type ChainClient interface {
	ChainID() uint64
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg) ([]byte, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
}

// EvmClient wraps one chain's ordered RPC endpoints. Calls go to the primary
// endpoint and fail over down the list on transport errors; one semaphore
// bounds concurrency across all endpoints of the chain together.
type EvmClient struct {
	chainID   uint64
	name      string
	blockTime time.Duration
	clients   []*ethclient.Client
	urls      []string
	slots     chan struct{}
	limiter   *rate.Limiter
}

func NewEvmClient(ctx context.Context, networkConfig *config.NetworkConfig) (*EvmClient, error) {
	if len(networkConfig.RPCUrls) == 0 {
		return nil, fmt.Errorf("no rpc urls configured for network %s", networkConfig.Name)
	}

	clients := make([]*ethclient.Client, 0, len(networkConfig.RPCUrls))
	for _, url := range networkConfig.RPCUrls {
		rpcClient, err := rpc.DialContext(ctx, url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Str("network", networkConfig.Name).
				Msg("[EvmClient] [NewEvmClient] failed to dial rpc endpoint, skipping it")
			continue
		}
		clients = append(clients, ethclient.NewClient(rpcClient))
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("failed to connect to any rpc endpoint for network %s", networkConfig.Name)
	}

	return &EvmClient{
		chainID:   networkConfig.ChainID,
		name:      networkConfig.Name,
		blockTime: networkConfig.BlockTime,
		clients:   clients,
		urls:      networkConfig.RPCUrls,
		slots:     make(chan struct{}, maxConcurrentRequests),
		limiter:   rate.NewLimiter(maxRequestRate, maxConcurrentRequests),
	}, nil
}

func (c *EvmClient) ChainID() uint64          { return c.chainID }
func (c *EvmClient) Name() string             { return c.name }
func (c *EvmClient) BlockTime() time.Duration { return c.blockTime }

// Primary exposes the first healthy ethclient for components that take an
// *ethclient.Client directly (fallback gas estimator, blob oracle).
func (c *EvmClient) Primary() *ethclient.Client {
	return c.clients[0]
}

// withFailover runs op against each endpoint in order until one succeeds.
// Non-transport errors (revert, nonce too low) return immediately: every
// node would answer the same.
func withFailover[T any](ctx context.Context, c *EvmClient, op func(*ethclient.Client) (T, error)) (T, error) {
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}

	var lastErr error
	for i, client := range c.clients {
		result, err := op(client)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isTransportError(err) {
			return result, err
		}
		log.Warn().Err(err).Str("network", c.name).Int("endpoint", i).
			Msg("[EvmClient] [withFailover] endpoint failed, trying next")
	}
	var zero T
	return zero, &types.ProviderTransient{Provider: "rpc:" + c.name, Err: lastErr}
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	// JSON-RPC application errors carry a code; transport failures do not.
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	return true
}

func (c *EvmClient) BlockNumber(ctx context.Context) (uint64, error) {
	return withFailover(ctx, c, func(client *ethclient.Client) (uint64, error) {
		return client.BlockNumber(ctx)
	})
}

func (c *EvmClient) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return withFailover(ctx, c, func(client *ethclient.Client) (*gethtypes.Header, error) {
		return client.HeaderByNumber(ctx, number)
	})
}

func (c *EvmClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return withFailover(ctx, c, func(client *ethclient.Client) (*big.Int, error) {
		return client.BalanceAt(ctx, account, nil)
	})
}

// NonceAt is the confirmed transaction count at latest.
func (c *EvmClient) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return withFailover(ctx, c, func(client *ethclient.Client) (uint64, error) {
		return client.NonceAt(ctx, account, nil)
	})
}

func (c *EvmClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return withFailover(ctx, c, func(client *ethclient.Client) (uint64, error) {
		return client.PendingNonceAt(ctx, account)
	})
}

func (c *EvmClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return withFailover(ctx, c, func(client *ethclient.Client) (uint64, error) {
		return client.EstimateGas(ctx, call)
	})
}

func (c *EvmClient) CallContract(ctx context.Context, call ethereum.CallMsg) ([]byte, error) {
	return withFailover(ctx, c, func(client *ethclient.Client) ([]byte, error) {
		return client.CallContract(ctx, call, nil)
	})
}

func (c *EvmClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	_, err := withFailover(ctx, c, func(client *ethclient.Client) (struct{}, error) {
		return struct{}{}, client.SendTransaction(ctx, tx)
	})
	return err
}

func (c *EvmClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	return withFailover(ctx, c, func(client *ethclient.Client) (*gethtypes.Receipt, error) {
		return client.TransactionReceipt(ctx, hash)
	})
}

func (c *EvmClient) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	type txResult struct {
		tx        *gethtypes.Transaction
		isPending bool
	}
	result, err := withFailover(ctx, c, func(client *ethclient.Client) (txResult, error) {
		tx, isPending, err := client.TransactionByHash(ctx, hash)
		return txResult{tx: tx, isPending: isPending}, err
	})
	return result.tx, result.isPending, err
}
