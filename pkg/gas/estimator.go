package gas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaycore/relayer/pkg/types"
)

// FeeEstimator is one gas price provider for one or more chains.
type FeeEstimator interface {
	GetGasPrices(ctx context.Context, chainID uint64) (*GasEstimate, error)
	IsChainSupported(chainID uint64) bool
	Name() string
}

const providerTimeout = 2 * time.Second

// Stack tries estimators in declared order and short-circuits on the first
// success. The final estimator is the node fallback, which always succeeds
// against a reachable node.
type Stack struct {
	chainID    uint64
	estimators []FeeEstimator
}

func NewStack(chainID uint64, estimators []FeeEstimator) *Stack {
	return &Stack{chainID: chainID, estimators: estimators}
}

func (s *Stack) Estimate(ctx context.Context) (*GasEstimate, error) {
	var lastErr error
	for _, estimator := range s.estimators {
		if !estimator.IsChainSupported(s.chainID) {
			continue
		}
		attemptCtx, cancel := context.WithTimeout(ctx, providerTimeout)
		estimate, err := estimator.GetGasPrices(attemptCtx, s.chainID)
		cancel()
		if err == nil {
			return estimate, nil
		}
		lastErr = err
		log.Warn().Err(err).
			Str("provider", estimator.Name()).
			Uint64("chainId", s.chainID).
			Msg("[GasOracle] [Estimate] provider failed, trying next")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no gas estimator supports chain %d", s.chainID)
	}
	return nil, &types.ProviderTransient{Provider: "gas_oracle", Err: lastErr}
}

type cacheEntry struct {
	estimate  *GasEstimate
	fetchedAt time.Time
}

// OracleCache is the process-global per-chain gas price cache. Entries are
// valid for one block time, floor one second.
type OracleCache struct {
	mu      sync.RWMutex
	entries map[uint64]cacheEntry
	ttls    map[uint64]time.Duration
	stacks  map[uint64]*Stack
}

func NewOracleCache() *OracleCache {
	return &OracleCache{
		entries: make(map[uint64]cacheEntry),
		ttls:    make(map[uint64]time.Duration),
		stacks:  make(map[uint64]*Stack),
	}
}

func (c *OracleCache) RegisterChain(chainID uint64, stack *Stack, blockTime time.Duration) {
	ttl := blockTime
	if ttl < time.Second {
		ttl = time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stacks[chainID] = stack
	c.ttls[chainID] = ttl
}

// GetGasPrice returns the cached estimate for a chain, refreshing through
// the stack when the entry is stale.
func (c *OracleCache) GetGasPrice(ctx context.Context, chainID uint64) (*GasEstimate, error) {
	c.mu.RLock()
	entry, haveEntry := c.entries[chainID]
	ttl := c.ttls[chainID]
	stack := c.stacks[chainID]
	c.mu.RUnlock()

	if haveEntry && time.Since(entry.fetchedAt) < ttl {
		return entry.estimate, nil
	}
	if stack == nil {
		return nil, fmt.Errorf("no gas estimator stack registered for chain %d", chainID)
	}

	estimate, err := stack.Estimate(ctx)
	if err != nil {
		// Serve stale prices over failing the pipeline.
		if haveEntry {
			log.Warn().Err(err).Uint64("chainId", chainID).
				Msg("[GasOracle] [GetGasPrice] refresh failed, serving stale estimate")
			return entry.estimate, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[chainID] = cacheEntry{estimate: estimate, fetchedAt: time.Now()}
	c.mu.Unlock()
	return estimate, nil
}

// GetGasPriceForSpeed resolves one tier, cloned so callers may bump freely.
func (c *OracleCache) GetGasPriceForSpeed(ctx context.Context, chainID uint64, speed types.TransactionSpeed) (*GasPriceResult, error) {
	estimate, err := c.GetGasPrice(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return estimate.ForSpeed(speed), nil
}

// Refresh runs the periodic refresher for every registered chain until the
// context is cancelled, keeping the cache warm so pipeline workers rarely
// block on a provider.
func (c *OracleCache) Refresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			chainIDs := make([]uint64, 0, len(c.stacks))
			for chainID := range c.stacks {
				chainIDs = append(chainIDs, chainID)
			}
			c.mu.RUnlock()
			for _, chainID := range chainIDs {
				if _, err := c.GetGasPrice(ctx, chainID); err != nil {
					log.Error().Err(err).Uint64("chainId", chainID).
						Msg("[GasOracle] [Refresh] failed to refresh gas price")
				}
			}
		}
	}
}
