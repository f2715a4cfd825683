package gas

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/relayer/pkg/types"
)

func TestLegacyGasPrice(t *testing.T) {
	result := &GasPriceResult{MaxFee: big.NewInt(100), MaxPriorityFee: big.NewInt(7)}
	require.Equal(t, int64(107), result.LegacyGasPrice().Int64())
}

func TestClipToCap(t *testing.T) {
	result := &GasPriceResult{MaxFee: big.NewInt(500), MaxPriorityFee: big.NewInt(50)}

	// No cap set: unchanged.
	unclipped := ClipToCap(result, nil)
	require.Equal(t, int64(500), unclipped.MaxFee.Int64())

	// Cap above: unchanged.
	clipped := ClipToCap(result, big.NewInt(600))
	require.Equal(t, int64(500), clipped.MaxFee.Int64())
	require.Equal(t, int64(50), clipped.MaxPriorityFee.Int64())

	// Cap between priority and max fee: only max fee clipped.
	clipped = ClipToCap(result, big.NewInt(100))
	require.Equal(t, int64(100), clipped.MaxFee.Int64())
	require.Equal(t, int64(50), clipped.MaxPriorityFee.Int64())

	// Cap below the priority fee: priority follows the max fee down.
	clipped = ClipToCap(result, big.NewInt(20))
	require.Equal(t, int64(20), clipped.MaxFee.Int64())
	require.Equal(t, int64(20), clipped.MaxPriorityFee.Int64())

	// Clipping never mutates the input.
	require.Equal(t, int64(500), result.MaxFee.Int64())
	require.Equal(t, int64(50), result.MaxPriorityFee.Int64())
}

func TestForSpeedReturnsClones(t *testing.T) {
	estimate := &GasEstimate{
		Slow:   GasPriceResult{MaxFee: big.NewInt(1), MaxPriorityFee: big.NewInt(1)},
		Medium: GasPriceResult{MaxFee: big.NewInt(2), MaxPriorityFee: big.NewInt(1)},
		Fast:   GasPriceResult{MaxFee: big.NewInt(3), MaxPriorityFee: big.NewInt(1)},
		Super:  GasPriceResult{MaxFee: big.NewInt(4), MaxPriorityFee: big.NewInt(1)},
	}
	fast := estimate.ForSpeed(types.SpeedFast)
	require.Equal(t, int64(3), fast.MaxFee.Int64())

	fast.MaxFee.SetInt64(999)
	require.Equal(t, int64(3), estimate.Fast.MaxFee.Int64(), "ForSpeed must clone")

	require.Equal(t, int64(1), estimate.ForSpeed(types.SpeedSlow).MaxFee.Int64())
	require.Equal(t, int64(2), estimate.ForSpeed(types.SpeedMedium).MaxFee.Int64())
	require.Equal(t, int64(4), estimate.ForSpeed(types.SpeedSuper).MaxFee.Int64())
}

func TestParseGweiString(t *testing.T) {
	wei, err := parseGweiString("1.5")
	require.NoError(t, err)
	require.Equal(t, int64(1500000000), wei.Int64())

	wei, err = parseGweiString("30")
	require.NoError(t, err)
	require.Equal(t, int64(30000000000), wei.Int64())

	_, err = parseGweiString("abc")
	require.Error(t, err)
	_, err = parseGweiString("-1")
	require.Error(t, err)
}
