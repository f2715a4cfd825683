package policy

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/types"
)

func testRelayer() *models.Relayer {
	return &models.Relayer{
		ID:      "8f14b5a0-4f44-4c39-8a04-9c1f1f4f9a61",
		Name:    "gate-test",
		ChainID: 1,
		Address: "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266",
	}
}

func requirePolicyReject(t *testing.T, err error) {
	t.Helper()
	var reject *types.PolicyReject
	require.True(t, errors.As(err, &reject), "expected PolicyReject, got %v", err)
}

func TestGateAllowsPlainTransaction(t *testing.T) {
	gate := NewGate()
	err := gate.CheckTransaction(testRelayer(), "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", big.NewInt(1), nil)
	require.NoError(t, err)
}

func TestGateRejectsPausedAndDeleted(t *testing.T) {
	gate := NewGate()

	paused := testRelayer()
	paused.Paused = true
	requirePolicyReject(t, gate.CheckTransaction(paused, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", nil, nil))

	deleted := testRelayer()
	deleted.Deleted = true
	requirePolicyReject(t, gate.CheckTransaction(deleted, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", nil, nil))
}

func TestGateRejectsDisabledTransactions(t *testing.T) {
	gate := NewGate()
	relayer := testRelayer()
	relayer.DisableTransactions = true
	requirePolicyReject(t, gate.CheckTransaction(relayer, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", nil, nil))
}

func TestGateAllowlist(t *testing.T) {
	gate := NewGate()
	relayer := testRelayer()
	relayer.AllowlistedOnly = true
	relayer.AllowlistedAddresses = []models.AllowlistedAddress{
		{RelayerID: relayer.ID, Address: "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"},
	}

	// Mixed case input normalizes before matching.
	err := gate.CheckTransaction(relayer, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", big.NewInt(1), nil)
	require.NoError(t, err)

	requirePolicyReject(t, gate.CheckTransaction(relayer, "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc", big.NewInt(1), nil))
}

func TestGateNativeTransferFlag(t *testing.T) {
	gate := NewGate()
	relayer := testRelayer()
	relayer.DisableNativeTransfer = true

	// value > 0 with empty calldata is a native transfer.
	requirePolicyReject(t, gate.CheckTransaction(relayer, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", big.NewInt(1), nil))

	// Contract calls and zero-value transfers still pass.
	require.NoError(t, gate.CheckTransaction(relayer, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", big.NewInt(1), []byte{0xde, 0xad}))
	require.NoError(t, gate.CheckTransaction(relayer, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", big.NewInt(0), nil))
}

func TestGateSigningFlags(t *testing.T) {
	gate := NewGate()

	relayer := testRelayer()
	require.NoError(t, gate.CheckPersonalSign(relayer))
	require.NoError(t, gate.CheckTypedDataSign(relayer))

	relayer.DisablePersonalSign = true
	requirePolicyReject(t, gate.CheckPersonalSign(relayer))
	require.NoError(t, gate.CheckTypedDataSign(relayer))

	relayer.DisableTypedDataSign = true
	requirePolicyReject(t, gate.CheckTypedDataSign(relayer))
}
