package gas

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/relaycore/relayer/pkg/types"
)

// blobFeeClient is the RPC slice the blob oracle needs; satisfied by
// ethclient.Client.
type blobFeeClient interface {
	BlobBaseFee(ctx context.Context) (*big.Int, error)
}

// BlobOracleCache prices EIP-4844 blob space per chain. Speeds scale the
// node-reported blob base fee headroom.
type BlobOracleCache struct {
	mu      sync.RWMutex
	clients map[uint64]blobFeeClient
	entries map[uint64]blobCacheEntry
	ttl     time.Duration
}

type blobCacheEntry struct {
	baseFee   *big.Int
	fetchedAt time.Time
}

func NewBlobOracleCache(ttl time.Duration) *BlobOracleCache {
	if ttl < time.Second {
		ttl = time.Second
	}
	return &BlobOracleCache{
		clients: make(map[uint64]blobFeeClient),
		entries: make(map[uint64]blobCacheEntry),
		ttl:     ttl,
	}
}

func (c *BlobOracleCache) RegisterChain(chainID uint64, client blobFeeClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[chainID] = client
}

// speed headroom multipliers over the current blob base fee, in percent.
func blobSpeedMultiplier(speed types.TransactionSpeed) int64 {
	switch speed {
	case types.SpeedSlow:
		return 100
	case types.SpeedMedium:
		return 125
	case types.SpeedFast:
		return 150
	case types.SpeedSuper:
		return 200
	}
	return 125
}

func (c *BlobOracleCache) GetBlobGasPriceForSpeed(ctx context.Context, chainID uint64, speed types.TransactionSpeed) (*BlobGasPriceResult, error) {
	c.mu.RLock()
	entry, haveEntry := c.entries[chainID]
	client := c.clients[chainID]
	c.mu.RUnlock()

	baseFee := entry.baseFee
	if !haveEntry || time.Since(entry.fetchedAt) >= c.ttl {
		if client == nil {
			return nil, &types.ProviderTransient{Provider: "blob_gas_oracle",
				Err: &types.NotFound{Entity: "blob gas client", Key: "chain"}}
		}
		fetched, err := client.BlobBaseFee(ctx)
		if err != nil {
			if !haveEntry {
				return nil, &types.ProviderTransient{Provider: "blob_gas_oracle", Err: err}
			}
		} else {
			baseFee = fetched
			c.mu.Lock()
			c.entries[chainID] = blobCacheEntry{baseFee: fetched, fetchedAt: time.Now()}
			c.mu.Unlock()
		}
	}

	price := new(big.Int).Mul(baseFee, big.NewInt(blobSpeedMultiplier(speed)))
	price.Div(price, big.NewInt(100))
	return &BlobGasPriceResult{
		BlobGasPrice:    price,
		TotalFeeForBlob: new(big.Int).Mul(price, big.NewInt(BlobGasPerBlob)),
	}, nil
}
