package db_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	postgresDriver "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/relaycore/relayer/pkg/db"
	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/types"
)

// newTestAdapter spins a throwaway postgres container; tests that need a
// real database are skipped in environments without Docker.
func newTestAdapter(t *testing.T) *db.DatabaseAdapter {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("relay"),
		postgres.WithUsername("relay"),
		postgres.WithPassword("relay"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("docker unavailable, skipping database test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s user=relay password=relay dbname=relay port=%d sslmode=disable TimeZone=UTC",
		host, port.Int())
	client, err := gorm.Open(postgresDriver.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(client))

	return db.NewDatabaseAdapterWithClient(client)
}

func newTestRelayer(t *testing.T, adapter *db.DatabaseAdapter, chainID uint64, walletIndex uint32) *models.Relayer {
	t.Helper()
	relayer := &models.Relayer{
		ID:             uuid.New().String(),
		Name:           fmt.Sprintf("relayer-%d-%d", chainID, walletIndex),
		ChainID:        chainID,
		Address:        "0xF39fD6E51aad88F6F4Ce6aB8827279CFfFb92266",
		WalletIndex:    walletIndex,
		EIP1559Enabled: true,
	}
	require.NoError(t, adapter.CreateRelayer(relayer))
	return relayer
}

func TestRelayerLifecycle(t *testing.T) {
	adapter := newTestAdapter(t)
	relayer := newTestRelayer(t, adapter, 31337, 0)

	// Address normalized on write.
	loaded, err := adapter.FindRelayerByID(relayer.ID)
	require.NoError(t, err)
	require.Equal(t, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", loaded.Address)

	// (chain_id, wallet_index) is unique.
	dup := &models.Relayer{
		ID: uuid.New().String(), Name: "dup", ChainID: 31337,
		Address: loaded.Address, WalletIndex: 0,
	}
	require.Error(t, adapter.CreateRelayer(dup))

	// Pause, cap, eip1559 updates write audit rows.
	require.NoError(t, adapter.SetRelayerPaused(relayer.ID, true))
	capValue := "90000000000"
	require.NoError(t, adapter.SetRelayerMaxGasPrice(relayer.ID, &capValue))
	require.NoError(t, adapter.SetRelayerEIP1559(relayer.ID, false))

	loaded, err = adapter.FindRelayerByID(relayer.ID)
	require.NoError(t, err)
	require.True(t, loaded.Paused)
	require.Equal(t, capValue, *loaded.MaxGasPriceCap)
	require.False(t, loaded.EIP1559Enabled)

	var auditCount int64
	require.NoError(t, adapter.PostgresClient.Model(&models.RelayerAuditLog{}).
		Where("relayer_id = ?", relayer.ID).Count(&auditCount).Error)
	require.GreaterOrEqual(t, auditCount, int64(4), "create + three updates")

	// Clone reuses the key under a new (chain, id) pair.
	clone, err := adapter.CloneRelayer(relayer.ID, 1, "mainnet-clone")
	require.NoError(t, err)
	require.NotEqual(t, relayer.ID, clone.ID)
	require.Equal(t, uint64(1), clone.ChainID)
	require.Equal(t, loaded.Address, clone.Address)
	require.Equal(t, loaded.WalletIndex, clone.WalletIndex)

	// Soft delete hides the relayer but keeps the row.
	require.NoError(t, adapter.SoftDeleteRelayer(relayer.ID))
	_, err = adapter.FindRelayerByID(relayer.ID)
	var notFound *types.NotFound
	require.True(t, errors.As(err, &notFound))
}

func TestApiKeyScoping(t *testing.T) {
	adapter := newTestAdapter(t)
	relayer := newTestRelayer(t, adapter, 31337, 0)

	apiKey, err := adapter.CreateApiKey(relayer.ID)
	require.NoError(t, err)
	require.Len(t, apiKey.Key, 32)

	resolved, err := adapter.FindRelayerByApiKey(apiKey.Key)
	require.NoError(t, err)
	require.Equal(t, relayer.ID, resolved.ID)

	require.NoError(t, adapter.RevokeApiKey(apiKey.Key))
	_, err = adapter.FindRelayerByApiKey(apiKey.Key)
	require.Error(t, err)
}

func queueTransaction(t *testing.T, adapter *db.DatabaseAdapter, relayer *models.Relayer, nonce uint64) *models.Transaction {
	t.Helper()
	transaction := &models.Transaction{
		ID:        uuid.New().String(),
		RelayerID: relayer.ID,
		ChainID:   relayer.ChainID,
		From:      relayer.Address,
		To:        "0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
		Value:     "1000000000000000000",
		Nonce:     nonce,
		Speed:     types.SpeedFast,
		Status:    types.StatusPending,
		QueuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, adapter.CreateTransaction(transaction))
	return transaction
}

func TestTransactionStatusCompareAndSwap(t *testing.T) {
	adapter := newTestAdapter(t)
	relayer := newTestRelayer(t, adapter, 31337, 0)
	transaction := queueTransaction(t, adapter, relayer, 0)

	hash := "0x" + fmt.Sprintf("%064x", 1)
	require.NoError(t, adapter.TransactionSent(transaction.ID, hash, map[string]interface{}{
		"max_fee": "200", "max_priority_fee": "10", "gas_limit": uint64(21000),
	}))
	require.NoError(t, adapter.TransactionMined(transaction.ID, 100))
	require.NoError(t, adapter.TransactionConfirmed(transaction.ID))

	// Terminal statuses are write-once: every further transition is stale.
	err := adapter.TransactionMined(transaction.ID, 101)
	require.ErrorIs(t, err, db.ErrStaleStatusTransition)
	err = adapter.TransactionFailed(transaction.ID, "nope",
		[]types.TransactionStatus{types.StatusPending, types.StatusInmempool, types.StatusMined})
	require.ErrorIs(t, err, db.ErrStaleStatusTransition)

	loaded, err := adapter.FindTransactionByID(transaction.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusConfirmed, loaded.Status)
	require.NotNil(t, loaded.ConfirmedAt)
}

func TestTransactionReorgDemotion(t *testing.T) {
	adapter := newTestAdapter(t)
	relayer := newTestRelayer(t, adapter, 31337, 0)
	transaction := queueTransaction(t, adapter, relayer, 0)

	require.NoError(t, adapter.TransactionSent(transaction.ID, "0xabc", nil))
	require.NoError(t, adapter.TransactionMined(transaction.ID, 50))
	require.NoError(t, adapter.TransactionDemoted(transaction.ID))

	loaded, err := adapter.FindTransactionByID(transaction.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusInmempool, loaded.Status)
	require.Nil(t, loaded.MinedAtBlockNumber)
}

func TestExternalIDUniquePerRelayer(t *testing.T) {
	adapter := newTestAdapter(t)
	first := newTestRelayer(t, adapter, 31337, 0)
	second := newTestRelayer(t, adapter, 31337, 1)

	externalID := "order-42"
	tx := queueTransaction(t, adapter, first, 0)
	require.NoError(t, adapter.PostgresClient.Model(tx).Update("external_id", externalID).Error)

	// Same external id on the same relayer collides.
	dup := &models.Transaction{
		ID: uuid.New().String(), RelayerID: first.ID, ChainID: 31337,
		From: first.Address, To: first.Address, Value: "0",
		Speed: types.SpeedFast, Status: types.StatusPending,
		ExternalID: &externalID,
		QueuedAt:   time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.Error(t, adapter.CreateTransaction(dup))

	// But is free on another relayer.
	dup.ID = uuid.New().String()
	dup.RelayerID = second.ID
	require.NoError(t, adapter.CreateTransaction(dup))

	found, err := adapter.FindTransactionByExternalID(first.ID, externalID)
	require.NoError(t, err)
	require.Equal(t, tx.ID, found.ID)
}

func TestExpirePendingOnlyNeverBroadcast(t *testing.T) {
	adapter := newTestAdapter(t)
	relayer := newTestRelayer(t, adapter, 31337, 0)

	stale := queueTransaction(t, adapter, relayer, 0)
	require.NoError(t, adapter.PostgresClient.Model(stale).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	broadcast := queueTransaction(t, adapter, relayer, 1)
	require.NoError(t, adapter.TransactionSent(broadcast.ID, "0xdef", nil))

	fresh := queueTransaction(t, adapter, relayer, 2)

	expired, err := adapter.ExpirePendingTransactions(relayer.ID, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, stale.ID, expired[0].ID)

	loaded, err := adapter.FindTransactionByID(stale.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExpired, loaded.Status)

	loaded, err = adapter.FindTransactionByID(fresh.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, loaded.Status)
}

func TestHistoricalHashesFromAuditLog(t *testing.T) {
	adapter := newTestAdapter(t)
	relayer := newTestRelayer(t, adapter, 31337, 0)
	transaction := queueTransaction(t, adapter, relayer, 0)

	require.NoError(t, adapter.TransactionSent(transaction.ID, "0xaaa", nil))
	require.NoError(t, adapter.TransactionSent(transaction.ID, "0xbbb", nil))
	require.NoError(t, adapter.TransactionSent(transaction.ID, "0xccc", nil))

	hashes, err := adapter.HistoricalHashes(transaction.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"0xccc", "0xbbb", "0xaaa"}, hashes)

	// Lookup by a superseded hash still resolves through the audit log.
	found, err := adapter.FindTransactionByHash("0xaaa")
	require.NoError(t, err)
	require.Equal(t, transaction.ID, found.ID)
}

func TestLoadNonTerminalOrdering(t *testing.T) {
	adapter := newTestAdapter(t)
	relayer := newTestRelayer(t, adapter, 31337, 0)

	for _, nonce := range []uint64{4, 1, 3} {
		queueTransaction(t, adapter, relayer, nonce)
	}
	confirmed := queueTransaction(t, adapter, relayer, 0)
	require.NoError(t, adapter.TransactionSent(confirmed.ID, "0x111", nil))
	require.NoError(t, adapter.TransactionMined(confirmed.ID, 5))
	require.NoError(t, adapter.TransactionConfirmed(confirmed.ID))

	live, err := adapter.LoadNonTerminalTransactions(relayer.ID)
	require.NoError(t, err)
	require.Len(t, live, 3)
	require.Equal(t, uint64(1), live[0].Nonce)
	require.Equal(t, uint64(3), live[1].Nonce)
	require.Equal(t, uint64(4), live[2].Nonce)

	pendingCount, err := adapter.CountTransactionsByStatus(relayer.ID, types.StatusPending)
	require.NoError(t, err)
	require.Equal(t, int64(3), pendingCount)
}
