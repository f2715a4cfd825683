package gas

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
)

// feeHistoryClient is the slice of the RPC client surface the fallback
// estimator needs; satisfied by ethclient.Client.
type feeHistoryClient interface {
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// FallbackEstimator derives tiered prices from the node itself via
// eth_feeHistory, dropping to eth_gasPrice on chains without 1559 history.
// It is always last in the stack and must succeed against a live node.
type FallbackEstimator struct {
	client  feeHistoryClient
	chainID uint64
}

const fallbackBlockCount = 5

// Reward percentiles per speed tier, slow to super.
var rewardPercentiles = []float64{10, 30, 60, 90}

func NewFallbackEstimator(chainID uint64, client feeHistoryClient) *FallbackEstimator {
	return &FallbackEstimator{client: client, chainID: chainID}
}

func (e *FallbackEstimator) Name() string { return "fallback" }

func (e *FallbackEstimator) IsChainSupported(chainID uint64) bool {
	return chainID == e.chainID
}

func (e *FallbackEstimator) GetGasPrices(ctx context.Context, chainID uint64) (*GasEstimate, error) {
	if chainID != e.chainID {
		return nil, fmt.Errorf("fallback estimator bound to chain %d, asked for %d", e.chainID, chainID)
	}

	history, err := e.client.FeeHistory(ctx, fallbackBlockCount, nil, rewardPercentiles)
	if err == nil && len(history.BaseFee) > 0 && len(history.Reward) > 0 {
		return e.fromFeeHistory(history)
	}

	return e.fromGasPrice(ctx)
}

func (e *FallbackEstimator) fromFeeHistory(history *ethereum.FeeHistory) (*GasEstimate, error) {
	// The last base fee entry is the projection for the next block.
	baseFee := history.BaseFee[len(history.BaseFee)-1]
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}

	tiers := make([]*big.Int, len(rewardPercentiles))
	for tier := range rewardPercentiles {
		rewards := make([]*big.Int, 0, len(history.Reward))
		for _, blockRewards := range history.Reward {
			if tier < len(blockRewards) && blockRewards[tier] != nil {
				rewards = append(rewards, blockRewards[tier])
			}
		}
		tiers[tier] = median(rewards)
	}

	makeResult := func(priority *big.Int) GasPriceResult {
		// max fee covers a doubling of the base fee on top of the tip.
		maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
		maxFee.Add(maxFee, priority)
		return GasPriceResult{MaxFee: maxFee, MaxPriorityFee: priority}
	}

	return &GasEstimate{
		Slow:   makeResult(tiers[0]),
		Medium: makeResult(tiers[1]),
		Fast:   makeResult(tiers[2]),
		Super:  makeResult(tiers[3]),
	}, nil
}

// fromGasPrice serves pre-1559 chains from eth_gasPrice with tier multipliers.
func (e *FallbackEstimator) fromGasPrice(ctx context.Context) (*GasEstimate, error) {
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price from node: %w", err)
	}

	scale := func(numerator, denominator int64) GasPriceResult {
		scaled := new(big.Int).Mul(gasPrice, big.NewInt(numerator))
		scaled.Div(scaled, big.NewInt(denominator))
		priority := new(big.Int).Div(scaled, big.NewInt(10))
		maxFee := new(big.Int).Sub(scaled, priority)
		return GasPriceResult{MaxFee: maxFee, MaxPriorityFee: priority}
	}

	return &GasEstimate{
		Slow:   scale(10, 10),
		Medium: scale(11, 10),
		Fast:   scale(125, 100),
		Super:  scale(15, 10),
	}, nil
}

func median(values []*big.Int) *big.Int {
	if len(values) == 0 {
		return big.NewInt(0)
	}
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
		return sum.Div(sum, big.NewInt(2))
	}
	return new(big.Int).Set(sorted[mid])
}
