package queue

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
	"github.com/holiman/uint256"

	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/gas"
	"github.com/relaycore/relayer/pkg/types"
)

// BumpFee applies the minimum replacement increment: ceil(old * 1.125).
func BumpFee(old *big.Int) *big.Int {
	bumped := new(big.Int).Mul(old, big.NewInt(9))
	bumped.Add(bumped, big.NewInt(7))
	return bumped.Div(bumped, big.NewInt(8))
}

// maxBig returns the larger of a and b.
func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// buildCallMsg shapes a transaction model into an eth_estimateGas /
// eth_call request.
func buildCallMsg(transaction *models.Transaction, gasPrice *gas.GasPriceResult) (ethereum.CallMsg, error) {
	value, err := types.ParseWeiValue(transaction.Value)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	to := common.HexToAddress(transaction.To)
	return ethereum.CallMsg{
		From:      common.HexToAddress(transaction.From),
		To:        &to,
		Value:     value,
		Data:      transaction.Data,
		GasFeeCap: gasPrice.MaxFee,
		GasTipCap: gasPrice.MaxPriorityFee,
	}, nil
}

// BuildUnsignedTransaction assembles the typed envelope: blob when the model
// carries blobs, legacy when the relayer disables EIP-1559, dynamic-fee
// otherwise. Blob commitments and proofs are computed here as part of the
// encoding step.
func BuildUnsignedTransaction(
	transaction *models.Transaction,
	gasPrice *gas.GasPriceResult,
	blobPrice *gas.BlobGasPriceResult,
	gasLimit uint64,
	eip1559 bool,
	chainID uint64,
) (*gethtypes.Transaction, error) {
	value, err := types.ParseWeiValue(transaction.Value)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(transaction.To)

	if len(transaction.Blobs) > 0 {
		if blobPrice == nil {
			return nil, fmt.Errorf("blob transaction without blob gas price")
		}
		return buildBlobTransaction(transaction, gasPrice, blobPrice, gasLimit, value, to, chainID)
	}

	if !eip1559 {
		return gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    transaction.Nonce,
			GasPrice: gasPrice.LegacyGasPrice(),
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
			Data:     transaction.Data,
		}), nil
	}

	return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(chainID),
		Nonce:     transaction.Nonce,
		GasTipCap: gasPrice.MaxPriorityFee,
		GasFeeCap: gasPrice.MaxFee,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      transaction.Data,
	}), nil
}

func buildBlobTransaction(
	transaction *models.Transaction,
	gasPrice *gas.GasPriceResult,
	blobPrice *gas.BlobGasPriceResult,
	gasLimit uint64,
	value *big.Int,
	to common.Address,
	chainID uint64,
) (*gethtypes.Transaction, error) {
	sidecar := &gethtypes.BlobTxSidecar{}
	hasher := sha256.New()
	blobHashes := make([]common.Hash, 0, len(transaction.Blobs))

	for i, raw := range transaction.Blobs {
		if len(raw) > len(kzg4844.Blob{}) {
			return nil, &types.ValidationError{
				Field:  "blobs",
				Reason: fmt.Sprintf("blob %d is %d bytes, max %d", i, len(raw), len(kzg4844.Blob{})),
			}
		}
		var blob kzg4844.Blob
		copy(blob[:], raw)

		commitment, err := kzg4844.BlobToCommitment(&blob)
		if err != nil {
			return nil, fmt.Errorf("failed to compute blob commitment: %w", err)
		}
		proof, err := kzg4844.ComputeBlobProof(&blob, commitment)
		if err != nil {
			return nil, fmt.Errorf("failed to compute blob proof: %w", err)
		}

		sidecar.Blobs = append(sidecar.Blobs, blob)
		sidecar.Commitments = append(sidecar.Commitments, commitment)
		sidecar.Proofs = append(sidecar.Proofs, proof)
		blobHashes = append(blobHashes, kzg4844.CalcBlobHashV1(hasher, &commitment))
	}

	feeCap, overflow := uint256.FromBig(gasPrice.MaxFee)
	if overflow {
		return nil, fmt.Errorf("max fee overflows uint256")
	}
	tipCap, overflow := uint256.FromBig(gasPrice.MaxPriorityFee)
	if overflow {
		return nil, fmt.Errorf("max priority fee overflows uint256")
	}
	blobFeeCap, overflow := uint256.FromBig(blobPrice.BlobGasPrice)
	if overflow {
		return nil, fmt.Errorf("blob gas price overflows uint256")
	}
	txValue, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("value overflows uint256")
	}

	return gethtypes.NewTx(&gethtypes.BlobTx{
		ChainID:    uint256.NewInt(chainID),
		Nonce:      transaction.Nonce,
		GasTipCap:  tipCap,
		GasFeeCap:  feeCap,
		Gas:        gasLimit,
		To:         to,
		Value:      txValue,
		Data:       transaction.Data,
		BlobFeeCap: blobFeeCap,
		BlobHashes: blobHashes,
		Sidecar:    sidecar,
	}), nil
}

// requiredBalance is what the relayer must hold to submit: value plus worst
// case execution fee plus blob space for 4844.
func requiredBalance(transaction *models.Transaction, gasPrice *gas.GasPriceResult, blobPrice *gas.BlobGasPriceResult, gasLimit uint64) (*big.Int, error) {
	value, err := types.ParseWeiValue(transaction.Value)
	if err != nil {
		return nil, err
	}
	required := new(big.Int).Set(value)
	executionFee := new(big.Int).Mul(gasPrice.MaxFee, new(big.Int).SetUint64(gasLimit))
	required.Add(required, executionFee)
	if len(transaction.Blobs) > 0 && blobPrice != nil {
		blobFee := new(big.Int).Mul(blobPrice.BlobGasPrice, big.NewInt(int64(gas.BlobGasPerBlob)))
		blobFee.Mul(blobFee, big.NewInt(int64(len(transaction.Blobs))))
		required.Add(required, blobFee)
	}
	return required, nil
}
