package db

import (
	"time"

	"github.com/relaycore/relayer/pkg/db/models"
)

func (db *DatabaseAdapter) RecordSignedText(relayerID string, chainID uint64, message, digest, signature string) error {
	return db.PostgresClient.Create(&models.SignedTextHistory{
		RelayerID: relayerID,
		ChainID:   chainID,
		Message:   message,
		Digest:    digest,
		Signature: signature,
		SignedAt:  time.Now().UTC(),
	}).Error
}

func (db *DatabaseAdapter) RecordSignedTypedData(relayerID string, chainID uint64, domain []byte, primaryType string, payload []byte, digest, signature string) error {
	return db.PostgresClient.Create(&models.SignedTypedDataHistory{
		RelayerID:   relayerID,
		ChainID:     chainID,
		Domain:      domain,
		PrimaryType: primaryType,
		Payload:     payload,
		Digest:      digest,
		Signature:   signature,
		SignedAt:    time.Now().UTC(),
	}).Error
}

func (db *DatabaseAdapter) GetSignedTextHistory(relayerID string, limit, offset int) ([]models.SignedTextHistory, error) {
	var history []models.SignedTextHistory
	query := db.PostgresClient.Where("relayer_id = ?", relayerID).Order("signed_at DESC")
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	return history, query.Find(&history).Error
}

func (db *DatabaseAdapter) GetSignedTypedDataHistory(relayerID string, limit, offset int) ([]models.SignedTypedDataHistory, error) {
	var history []models.SignedTypedDataHistory
	query := db.PostgresClient.Where("relayer_id = ?", relayerID).Order("signed_at DESC")
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	return history, query.Find(&history).Error
}
