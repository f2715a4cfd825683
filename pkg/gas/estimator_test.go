package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/relayer/pkg/types"
)

type stubEstimator struct {
	name      string
	supported bool
	estimate  *GasEstimate
	err       error
	calls     int
}

func (s *stubEstimator) GetGasPrices(context.Context, uint64) (*GasEstimate, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.estimate, nil
}

func (s *stubEstimator) IsChainSupported(uint64) bool { return s.supported }
func (s *stubEstimator) Name() string                 { return s.name }

func flatEstimate(value int64) *GasEstimate {
	result := GasPriceResult{MaxFee: big.NewInt(value), MaxPriorityFee: big.NewInt(1)}
	return &GasEstimate{Slow: result, Medium: result, Fast: result, Super: result}
}

func TestStackShortCircuitsOnFirstSuccess(t *testing.T) {
	first := &stubEstimator{name: "first", supported: true, estimate: flatEstimate(10)}
	second := &stubEstimator{name: "second", supported: true, estimate: flatEstimate(20)}

	stack := NewStack(1, []FeeEstimator{first, second})
	estimate, err := stack.Estimate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), estimate.Fast.MaxFee.Int64())
	require.Equal(t, 1, first.calls)
	require.Zero(t, second.calls)
}

func TestStackFallsThroughFailuresAndUnsupported(t *testing.T) {
	unsupported := &stubEstimator{name: "unsupported", supported: false, estimate: flatEstimate(1)}
	failing := &stubEstimator{name: "failing", supported: true, err: errors.New("boom")}
	working := &stubEstimator{name: "working", supported: true, estimate: flatEstimate(30)}

	stack := NewStack(1, []FeeEstimator{unsupported, failing, working})
	estimate, err := stack.Estimate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(30), estimate.Fast.MaxFee.Int64())
	require.Zero(t, unsupported.calls)
	require.Equal(t, 1, failing.calls)
}

func TestStackAllFailingReturnsTransient(t *testing.T) {
	failing := &stubEstimator{name: "failing", supported: true, err: errors.New("boom")}
	stack := NewStack(1, []FeeEstimator{failing})
	_, err := stack.Estimate(context.Background())
	require.Error(t, err)
	require.True(t, types.IsTransient(err))
}

func TestOracleCacheServesWithinTTL(t *testing.T) {
	estimator := &stubEstimator{name: "node", supported: true, estimate: flatEstimate(42)}
	cache := NewOracleCache()
	cache.RegisterChain(1, NewStack(1, []FeeEstimator{estimator}), 10*time.Second)

	for i := 0; i < 5; i++ {
		estimate, err := cache.GetGasPrice(context.Background(), 1)
		require.NoError(t, err)
		require.Equal(t, int64(42), estimate.Fast.MaxFee.Int64())
	}
	require.Equal(t, 1, estimator.calls, "cache must absorb repeat reads inside the TTL")
}

func TestOracleCacheServesStaleOnRefreshFailure(t *testing.T) {
	estimator := &stubEstimator{name: "node", supported: true, estimate: flatEstimate(42)}
	cache := NewOracleCache()
	// Sub-second block times floor the TTL at one second.
	cache.RegisterChain(1, NewStack(1, []FeeEstimator{estimator}), 100*time.Millisecond)

	_, err := cache.GetGasPrice(context.Background(), 1)
	require.NoError(t, err)

	estimator.err = errors.New("provider down")
	time.Sleep(1100 * time.Millisecond)

	estimate, err := cache.GetGasPrice(context.Background(), 1)
	require.NoError(t, err, "stale prices beat failing the pipeline")
	require.Equal(t, int64(42), estimate.Fast.MaxFee.Int64())
}

func TestGetGasPriceForSpeed(t *testing.T) {
	estimator := &stubEstimator{name: "node", supported: true, estimate: &GasEstimate{
		Slow:   GasPriceResult{MaxFee: big.NewInt(1), MaxPriorityFee: big.NewInt(1)},
		Medium: GasPriceResult{MaxFee: big.NewInt(2), MaxPriorityFee: big.NewInt(1)},
		Fast:   GasPriceResult{MaxFee: big.NewInt(3), MaxPriorityFee: big.NewInt(1)},
		Super:  GasPriceResult{MaxFee: big.NewInt(4), MaxPriorityFee: big.NewInt(1)},
	}}
	cache := NewOracleCache()
	cache.RegisterChain(1, NewStack(1, []FeeEstimator{estimator}), time.Minute)

	result, err := cache.GetGasPriceForSpeed(context.Background(), 1, types.SpeedSuper)
	require.NoError(t, err)
	require.Equal(t, int64(4), result.MaxFee.Int64())

	_, err = cache.GetGasPriceForSpeed(context.Background(), 99, types.SpeedFast)
	require.Error(t, err, "unregistered chain must fail")
}
