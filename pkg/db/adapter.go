package db

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/relaycore/relayer/pkg/db/models"
)

// DatabaseAdapter wraps the relational store. All status transitions go
// through compare-and-swap updates so lost updates become no-ops, and every
// state-changing mutation appends an audit row in the same transaction.
type DatabaseAdapter struct {
	PostgresClient *gorm.DB
}

func NewDatabaseAdapter(databaseURL string) (*DatabaseAdapter, error) {
	client, err := NewPostgresClient(databaseURL)
	if err != nil {
		return nil, err
	}
	return &DatabaseAdapter{PostgresClient: client}, nil
}

// NewDatabaseAdapterWithClient is used by tests that bring their own gorm DB.
func NewDatabaseAdapterWithClient(client *gorm.DB) *DatabaseAdapter {
	return &DatabaseAdapter{PostgresClient: client}
}

func auditRelayer(tx *gorm.DB, relayer *models.Relayer) error {
	snapshot, err := json.Marshal(relayer)
	if err != nil {
		return err
	}
	return tx.Create(&models.RelayerAuditLog{
		RelayerID: relayer.ID,
		Snapshot:  snapshot,
		CreatedAt: time.Now().UTC(),
	}).Error
}

func auditTransaction(tx *gorm.DB, transaction *models.Transaction) error {
	snapshot, err := json.Marshal(transaction)
	if err != nil {
		return err
	}
	return tx.Create(&models.TransactionAuditLog{
		TransactionID: transaction.ID,
		RelayerID:     transaction.RelayerID,
		Status:        transaction.Status,
		Hash:          transaction.Hash,
		Snapshot:      snapshot,
		CreatedAt:     time.Now().UTC(),
	}).Error
}

func logDbError(component, method string, err error) {
	if err != nil {
		log.Error().Err(err).Msgf("[%s] [%s] database operation failed", component, method)
	}
}
