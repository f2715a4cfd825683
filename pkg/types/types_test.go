package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTransactionStatus(t *testing.T) {
	status, err := ParseTransactionStatus("confirmed")
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, status)

	status, err = ParseTransactionStatus("INMEMPOOL")
	require.NoError(t, err)
	require.Equal(t, StatusInmempool, status)

	_, err = ParseTransactionStatus("MINTED")
	require.Error(t, err)
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []TransactionStatus{
		StatusConfirmed, StatusFailed, StatusExpired,
		StatusCancelled, StatusReplaced, StatusDropped,
	}
	for _, status := range terminal {
		require.True(t, status.IsTerminal(), "expected %s to be terminal", status)
	}
	for _, status := range []TransactionStatus{StatusPending, StatusInmempool, StatusMined} {
		require.False(t, status.IsTerminal(), "expected %s to be non-terminal", status)
	}
}

func TestSpeedLadder(t *testing.T) {
	next, ok := SpeedSlow.NextSpeed()
	require.True(t, ok)
	require.Equal(t, SpeedMedium, next)

	next, ok = SpeedFast.NextSpeed()
	require.True(t, ok)
	require.Equal(t, SpeedSuper, next)

	_, ok = SpeedSuper.NextSpeed()
	require.False(t, ok)
}

func TestNormalizeAddress(t *testing.T) {
	require.Equal(t,
		"0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
		NormalizeAddress("  0x70997970C51812dc3A010C7d01b50e0d17dc79C8 "))
}

func TestParseWeiValue(t *testing.T) {
	value, err := ParseWeiValue("1000000000000000000")
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", value.String())

	value, err = ParseWeiValue("")
	require.NoError(t, err)
	require.Zero(t, value.Sign())

	_, err = ParseWeiValue("-5")
	require.Error(t, err)
	_, err = ParseWeiValue("0x10")
	require.Error(t, err)
	_, err = ParseWeiValue("123abc")
	require.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = &ProviderTransient{Provider: "rpc", Err: errors.New("timeout")}
	require.True(t, IsTransient(err))
	require.False(t, IsFatalProvider(err))

	err = &ProviderFatal{Provider: "kms", Err: errors.New("key not found")}
	require.True(t, IsFatalProvider(err))
	require.False(t, IsTransient(err))
}
