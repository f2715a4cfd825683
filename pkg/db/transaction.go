package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/types"
)

var nonTerminalStatuses = []types.TransactionStatus{
	types.StatusPending, types.StatusInmempool, types.StatusMined,
}

func (db *DatabaseAdapter) CreateTransaction(transaction *models.Transaction) error {
	if transaction.ID == "" {
		transaction.ID = uuid.New().String()
	}
	transaction.From = types.NormalizeAddress(transaction.From)
	transaction.To = types.NormalizeAddress(transaction.To)
	if transaction.QueuedAt.IsZero() {
		transaction.QueuedAt = time.Now().UTC()
	}
	err := db.PostgresClient.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(transaction).Error; err != nil {
			return err
		}
		return auditTransaction(tx, transaction)
	})
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// UpdateTransactionStatus moves a transaction between states with a
// compare-and-swap predicate on the expected prior statuses. Terminal
// statuses are write-once: an update racing a terminal write affects zero
// rows and reports a stale transition.
func (db *DatabaseAdapter) UpdateTransactionStatus(
	id string,
	expectedPrior []types.TransactionStatus,
	updates map[string]interface{},
) error {
	return db.PostgresClient.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Transaction{}).
			Where("id = ? AND status IN ?", id, expectedPrior).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleStatusTransition
		}
		var transaction models.Transaction
		if err := tx.Where("id = ?", id).First(&transaction).Error; err != nil {
			return err
		}
		return auditTransaction(tx, &transaction)
	})
}

// ErrStaleStatusTransition means the compare-and-swap predicate matched no
// row: either the transaction does not exist or it already left the expected
// prior state. Callers treat it as a benign lost race.
var ErrStaleStatusTransition = errors.New("stale status transition")

// TransactionSent records a broadcast: hash, fee vector and INMEMPOOL status.
// Legal from PENDING (first send) and from INMEMPOOL (gas bump rebroadcast).
func (db *DatabaseAdapter) TransactionSent(id string, hash string, gas map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":  types.StatusInmempool,
		"hash":    hash,
		"sent_at": time.Now().UTC(),
	}
	for column, value := range gas {
		updates[column] = value
	}
	return db.UpdateTransactionStatus(id,
		[]types.TransactionStatus{types.StatusPending, types.StatusInmempool}, updates)
}

func (db *DatabaseAdapter) TransactionMined(id string, blockNumber uint64) error {
	now := time.Now().UTC()
	return db.UpdateTransactionStatus(id,
		[]types.TransactionStatus{types.StatusInmempool},
		map[string]interface{}{
			"status":                types.StatusMined,
			"mined_at":              &now,
			"mined_at_block_number": blockNumber,
		})
}

// TransactionDemoted returns a MINED transaction to INMEMPOOL after a reorg
// removed its receipt block from the canonical chain.
func (db *DatabaseAdapter) TransactionDemoted(id string) error {
	return db.UpdateTransactionStatus(id,
		[]types.TransactionStatus{types.StatusMined},
		map[string]interface{}{
			"status":                types.StatusInmempool,
			"mined_at":              nil,
			"mined_at_block_number": nil,
		})
}

func (db *DatabaseAdapter) TransactionConfirmed(id string) error {
	now := time.Now().UTC()
	return db.UpdateTransactionStatus(id,
		[]types.TransactionStatus{types.StatusMined},
		map[string]interface{}{
			"status":       types.StatusConfirmed,
			"confirmed_at": &now,
		})
}

func (db *DatabaseAdapter) TransactionFailed(id string, reason string, from []types.TransactionStatus) error {
	now := time.Now().UTC()
	return db.UpdateTransactionStatus(id, from, map[string]interface{}{
		"status":        types.StatusFailed,
		"failed_at":     &now,
		"failed_reason": reason,
	})
}

func (db *DatabaseAdapter) TransactionTerminal(id string, status types.TransactionStatus, from []types.TransactionStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	return db.UpdateTransactionStatus(id, from, map[string]interface{}{"status": status})
}

func (db *DatabaseAdapter) FindTransactionByID(id string) (*models.Transaction, error) {
	var transaction models.Transaction
	result := db.PostgresClient.Where("id = ?", id).First(&transaction)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &types.NotFound{Entity: "transaction", Key: id}
		}
		return nil, result.Error
	}
	return &transaction, nil
}

func (db *DatabaseAdapter) FindTransactionByHash(hash string) (*models.Transaction, error) {
	var transaction models.Transaction
	result := db.PostgresClient.Where("hash = ?", hash).First(&transaction)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			// Rebroadcast hashes are preserved in the audit log only.
			var audit models.TransactionAuditLog
			auditResult := db.PostgresClient.Where("hash = ?", hash).
				Order("history_id DESC").First(&audit)
			if auditResult.Error != nil {
				return nil, &types.NotFound{Entity: "transaction", Key: hash}
			}
			return db.FindTransactionByID(audit.TransactionID)
		}
		return nil, result.Error
	}
	return &transaction, nil
}

func (db *DatabaseAdapter) FindTransactionByExternalID(relayerID, externalID string) (*models.Transaction, error) {
	var transaction models.Transaction
	result := db.PostgresClient.
		Where("relayer_id = ? AND external_id = ?", relayerID, externalID).
		First(&transaction)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &types.NotFound{Entity: "transaction", Key: externalID}
		}
		return nil, result.Error
	}
	return &transaction, nil
}

func (db *DatabaseAdapter) ListRelayerTransactions(relayerID string, limit, offset int) ([]models.Transaction, error) {
	var transactions []models.Transaction
	query := db.PostgresClient.Where("relayer_id = ?", relayerID).Order("queued_at DESC")
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	return transactions, query.Find(&transactions).Error
}

// LoadNonTerminalTransactions returns the relayer's live pipeline ordered by
// nonce; queue startup reconciliation feeds from this.
func (db *DatabaseAdapter) LoadNonTerminalTransactions(relayerID string) ([]models.Transaction, error) {
	var transactions []models.Transaction
	err := db.PostgresClient.
		Where("relayer_id = ? AND status IN ?", relayerID, nonTerminalStatuses).
		Order("nonce ASC").
		Find(&transactions).Error
	return transactions, err
}

func (db *DatabaseAdapter) CountTransactionsByStatus(relayerID string, status types.TransactionStatus) (int64, error) {
	var count int64
	err := db.PostgresClient.Model(&models.Transaction{}).
		Where("relayer_id = ? AND status = ?", relayerID, status).
		Count(&count).Error
	return count, err
}

// ExpirePendingTransactions transitions never-broadcast pending rows whose
// expires_at has passed. Returns the expired rows for webhook emission.
func (db *DatabaseAdapter) ExpirePendingTransactions(relayerID string, now time.Time) ([]models.Transaction, error) {
	var expired []models.Transaction
	err := db.PostgresClient.Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("relayer_id = ? AND status = ? AND hash IS NULL AND expires_at < ?",
				relayerID, types.StatusPending, now).
			Find(&expired).Error; err != nil {
			return err
		}
		for i := range expired {
			result := tx.Model(&models.Transaction{}).
				Where("id = ? AND status = ?", expired[i].ID, types.StatusPending).
				Updates(map[string]interface{}{"status": types.StatusExpired})
			if result.Error != nil {
				return result.Error
			}
			expired[i].Status = types.StatusExpired
			if err := auditTransaction(tx, &expired[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return expired, err
}

// HistoricalHashes returns every hash ever broadcast for a transaction,
// newest first, from the audit log.
func (db *DatabaseAdapter) HistoricalHashes(transactionID string) ([]string, error) {
	var audits []models.TransactionAuditLog
	err := db.PostgresClient.
		Where("transaction_id = ? AND hash IS NOT NULL", transactionID).
		Order("history_id DESC").
		Find(&audits).Error
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(audits))
	hashes := make([]string, 0, len(audits))
	for _, audit := range audits {
		if audit.Hash == nil {
			continue
		}
		if _, dup := seen[*audit.Hash]; dup {
			continue
		}
		seen[*audit.Hash] = struct{}{}
		hashes = append(hashes, *audit.Hash)
	}
	return hashes, nil
}
