package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/require"
)

type stubFeeHistoryClient struct {
	history  *ethereum.FeeHistory
	gasPrice *big.Int
	err      error
}

func (s *stubFeeHistoryClient) FeeHistory(context.Context, uint64, *big.Int, []float64) (*ethereum.FeeHistory, error) {
	if s.history == nil {
		return nil, errors.New("feeHistory not supported")
	}
	return s.history, nil
}

func (s *stubFeeHistoryClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.gasPrice, nil
}

func rewards(values ...int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}

func TestFallbackFromFeeHistory(t *testing.T) {
	client := &stubFeeHistoryClient{history: &ethereum.FeeHistory{
		BaseFee: []*big.Int{big.NewInt(80), big.NewInt(90), big.NewInt(100)},
		Reward: [][]*big.Int{
			rewards(1, 2, 4, 8),
			rewards(3, 4, 6, 10),
			rewards(2, 3, 5, 9),
		},
	}}

	estimator := NewFallbackEstimator(1, client)
	estimate, err := estimator.GetGasPrices(context.Background(), 1)
	require.NoError(t, err)

	// Median of each percentile column; max fee = 2 * projected base + tip.
	require.Equal(t, int64(2), estimate.Slow.MaxPriorityFee.Int64())
	require.Equal(t, int64(3), estimate.Medium.MaxPriorityFee.Int64())
	require.Equal(t, int64(5), estimate.Fast.MaxPriorityFee.Int64())
	require.Equal(t, int64(9), estimate.Super.MaxPriorityFee.Int64())
	require.Equal(t, int64(2*100+5), estimate.Fast.MaxFee.Int64())
}

func TestFallbackFromGasPriceOnLegacyChain(t *testing.T) {
	client := &stubFeeHistoryClient{gasPrice: big.NewInt(1000)}
	estimator := NewFallbackEstimator(1, client)

	estimate, err := estimator.GetGasPrices(context.Background(), 1)
	require.NoError(t, err)

	// Tiers scale the node price; legacy price reassembles the scaled total.
	require.Equal(t, int64(1000), estimate.Slow.LegacyGasPrice().Int64())
	require.Equal(t, int64(1100), estimate.Medium.LegacyGasPrice().Int64())
	require.Equal(t, int64(1250), estimate.Fast.LegacyGasPrice().Int64())
	require.Equal(t, int64(1500), estimate.Super.LegacyGasPrice().Int64())
}

func TestFallbackWrongChain(t *testing.T) {
	estimator := NewFallbackEstimator(1, &stubFeeHistoryClient{gasPrice: big.NewInt(1)})
	require.True(t, estimator.IsChainSupported(1))
	require.False(t, estimator.IsChainSupported(2))
	_, err := estimator.GetGasPrices(context.Background(), 2)
	require.Error(t, err)
}

func TestMedian(t *testing.T) {
	require.Equal(t, int64(0), median(nil).Int64())
	require.Equal(t, int64(5), median(rewards(5)).Int64())
	require.Equal(t, int64(4), median(rewards(3, 5)).Int64())
	require.Equal(t, int64(5), median(rewards(9, 5, 3)).Int64())
}
