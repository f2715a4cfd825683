package queue

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/gas"
	"github.com/relaycore/relayer/pkg/types"
)

func TestBumpFee(t *testing.T) {
	// ceil(x * 1.125)
	require.Equal(t, int64(9), BumpFee(big.NewInt(8)).Int64())
	require.Equal(t, int64(113), BumpFee(big.NewInt(100)).Int64())
	require.Equal(t, int64(2), BumpFee(big.NewInt(1)).Int64())
	require.Equal(t, int64(0), BumpFee(big.NewInt(0)).Int64())

	// Bumped values always satisfy the 112.5% invariant.
	for _, original := range []int64{1, 7, 16, 999, 1000000007} {
		bumped := BumpFee(big.NewInt(original))
		lhs := new(big.Int).Mul(bumped, big.NewInt(8))
		rhs := new(big.Int).Mul(big.NewInt(original), big.NewInt(9))
		require.True(t, lhs.Cmp(rhs) >= 0, "bump of %d too small: %s", original, bumped)
	}
}

func testGasPrice(maxFee, priority int64) *gas.GasPriceResult {
	return &gas.GasPriceResult{
		MaxFee:         big.NewInt(maxFee),
		MaxPriorityFee: big.NewInt(priority),
	}
}

func TestBuildUnsignedTransactionEIP1559(t *testing.T) {
	transaction := &models.Transaction{
		To:    "0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
		Value: "1000000000000000000",
		Nonce: 7,
		Speed: types.SpeedFast,
	}
	built, err := BuildUnsignedTransaction(transaction, testGasPrice(200, 10), nil, 21000, true, 31337)
	require.NoError(t, err)
	require.Equal(t, uint8(2), built.Type())
	require.Equal(t, uint64(7), built.Nonce())
	require.Equal(t, uint64(21000), built.Gas())
	require.Equal(t, int64(200), built.GasFeeCap().Int64())
	require.Equal(t, int64(10), built.GasTipCap().Int64())
	require.Equal(t, "1000000000000000000", built.Value().String())
	require.Equal(t, int64(31337), built.ChainId().Int64())
}

func TestBuildUnsignedTransactionLegacy(t *testing.T) {
	transaction := &models.Transaction{
		To:    "0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
		Value: "5",
		Nonce: 1,
	}
	built, err := BuildUnsignedTransaction(transaction, testGasPrice(200, 10), nil, 50000, false, 1)
	require.NoError(t, err)
	require.Equal(t, uint8(0), built.Type())
	// Legacy effective price = max fee + priority fee.
	require.Equal(t, int64(210), built.GasPrice().Int64())
}

func TestBuildUnsignedTransactionRejectsBadValue(t *testing.T) {
	transaction := &models.Transaction{
		To:    "0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
		Value: "not-a-number",
	}
	_, err := BuildUnsignedTransaction(transaction, testGasPrice(1, 1), nil, 21000, true, 1)
	require.Error(t, err)
}

func TestRequiredBalance(t *testing.T) {
	transaction := &models.Transaction{Value: "100"}
	required, err := requiredBalance(transaction, testGasPrice(5, 1), nil, 10)
	require.NoError(t, err)
	// 100 + 10 * 5
	require.Equal(t, int64(150), required.Int64())

	blobTx := &models.Transaction{
		Value: "0",
		Blobs: models.BlobSidecar{make([]byte, 16)},
	}
	blobPrice := &gas.BlobGasPriceResult{
		BlobGasPrice:    big.NewInt(2),
		TotalFeeForBlob: big.NewInt(2 * gas.BlobGasPerBlob),
	}
	required, err = requiredBalance(blobTx, testGasPrice(5, 1), blobPrice, 10)
	require.NoError(t, err)
	expected := int64(10*5) + int64(2*gas.BlobGasPerBlob)
	require.Equal(t, expected, required.Int64())
}

func TestBlocksToWaitBeforeBump(t *testing.T) {
	require.Equal(t, uint64(10), blocksToWaitBeforeBump(types.SpeedSlow))
	require.Equal(t, uint64(5), blocksToWaitBeforeBump(types.SpeedMedium))
	require.Equal(t, uint64(4), blocksToWaitBeforeBump(types.SpeedFast))
	require.Equal(t, uint64(2), blocksToWaitBeforeBump(types.SpeedSuper))
}
