package db

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/types"
)

func (db *DatabaseAdapter) CreateRelayer(relayer *models.Relayer) error {
	if relayer.ID == "" {
		relayer.ID = uuid.New().String()
	}
	relayer.Address = types.NormalizeAddress(relayer.Address)
	err := db.PostgresClient.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(relayer).Error; err != nil {
			return err
		}
		return auditRelayer(tx, relayer)
	})
	if err != nil {
		return fmt.Errorf("failed to create relayer: %w", err)
	}
	return nil
}

// CloneRelayer reuses the source relayer's key material (wallet index and
// provider handle) under a new id on the target chain.
func (db *DatabaseAdapter) CloneRelayer(sourceID string, chainID uint64, name string) (*models.Relayer, error) {
	source, err := db.FindRelayerByID(sourceID)
	if err != nil {
		return nil, err
	}
	clone := &models.Relayer{
		ID:                    uuid.New().String(),
		Name:                  name,
		ChainID:               chainID,
		Address:               source.Address,
		WalletIndex:           source.WalletIndex,
		MaxGasPriceCap:        source.MaxGasPriceCap,
		EIP1559Enabled:        source.EIP1559Enabled,
		IsPrivateKey:          source.IsPrivateKey,
		AllowlistedOnly:       source.AllowlistedOnly,
		DisableNativeTransfer: source.DisableNativeTransfer,
		DisablePersonalSign:   source.DisablePersonalSign,
		DisableTypedDataSign:  source.DisableTypedDataSign,
		DisableTransactions:   source.DisableTransactions,
	}
	if err := db.CreateRelayer(clone); err != nil {
		return nil, err
	}
	return clone, nil
}

func (db *DatabaseAdapter) FindRelayerByID(id string) (*models.Relayer, error) {
	var relayer models.Relayer
	result := db.PostgresClient.Preload("AllowlistedAddresses").Where("id = ? AND deleted = false", id).First(&relayer)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &types.NotFound{Entity: "relayer", Key: id}
		}
		return nil, result.Error
	}
	return &relayer, nil
}

func (db *DatabaseAdapter) ListRelayers(chainID *uint64, limit, offset int) ([]models.Relayer, error) {
	var relayers []models.Relayer
	query := db.PostgresClient.Where("deleted = false")
	if chainID != nil {
		query = query.Where("chain_id = ?", *chainID)
	}
	if limit > 0 {
		query = query.Limit(limit).Offset(offset)
	}
	result := query.Order("created_at DESC").Find(&relayers)
	return relayers, result.Error
}

// NextWalletIndex returns the next free deterministic-key index for a
// provider-managed relayer on any chain.
func (db *DatabaseAdapter) NextWalletIndex() (uint32, error) {
	var highest int64
	row := db.PostgresClient.Model(&models.Relayer{}).
		Where("is_private_key = false").
		Select("COALESCE(MAX(wallet_index), -1)").Row()
	if err := row.Scan(&highest); err != nil {
		return 0, err
	}
	return uint32(highest + 1), nil
}

func (db *DatabaseAdapter) updateRelayer(id string, updates map[string]interface{}) error {
	return db.PostgresClient.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Relayer{}).Where("id = ? AND deleted = false", id).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return &types.NotFound{Entity: "relayer", Key: id}
		}
		var relayer models.Relayer
		if err := tx.Where("id = ?", id).First(&relayer).Error; err != nil {
			return err
		}
		return auditRelayer(tx, &relayer)
	})
}

func (db *DatabaseAdapter) SetRelayerPaused(id string, paused bool) error {
	return db.updateRelayer(id, map[string]interface{}{"paused": paused})
}

// SetRelayerMaxGasPrice sets the fee cap in wei; nil clears the cap.
func (db *DatabaseAdapter) SetRelayerMaxGasPrice(id string, cap *string) error {
	return db.updateRelayer(id, map[string]interface{}{"max_gas_price_cap": cap})
}

func (db *DatabaseAdapter) SetRelayerEIP1559(id string, enabled bool) error {
	return db.updateRelayer(id, map[string]interface{}{"eip1559_enabled": enabled})
}

// SoftDeleteRelayer marks the relayer deleted; historical transactions stay
// addressable and the row is never hard-deleted while they reference it.
func (db *DatabaseAdapter) SoftDeleteRelayer(id string) error {
	return db.updateRelayer(id, map[string]interface{}{"deleted": true, "paused": true})
}

func (db *DatabaseAdapter) AddAllowlistedAddress(relayerID, address string) error {
	entry := models.AllowlistedAddress{
		RelayerID: relayerID,
		Address:   types.NormalizeAddress(address),
		CreatedAt: time.Now().UTC(),
	}
	return db.PostgresClient.Create(&entry).Error
}

func (db *DatabaseAdapter) RemoveAllowlistedAddress(relayerID, address string) error {
	result := db.PostgresClient.
		Where("relayer_id = ? AND address = ?", relayerID, types.NormalizeAddress(address)).
		Delete(&models.AllowlistedAddress{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &types.NotFound{Entity: "allowlist entry", Key: address}
	}
	return nil
}

func (db *DatabaseAdapter) GetAllowlistedAddresses(relayerID string) ([]string, error) {
	var entries []models.AllowlistedAddress
	if err := db.PostgresClient.Where("relayer_id = ?", relayerID).Find(&entries).Error; err != nil {
		return nil, err
	}
	addresses := make([]string, 0, len(entries))
	for _, entry := range entries {
		addresses = append(addresses, entry.Address)
	}
	return addresses, nil
}

// CreateApiKey mints an opaque 32-char token scoped to one relayer.
func (db *DatabaseAdapter) CreateApiKey(relayerID string) (*models.ApiKey, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	apiKey := models.ApiKey{
		RelayerID: relayerID,
		Key:       hex.EncodeToString(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := db.PostgresClient.Create(&apiKey).Error; err != nil {
		return nil, err
	}
	return &apiKey, nil
}

func (db *DatabaseAdapter) RevokeApiKey(key string) error {
	now := time.Now().UTC()
	result := db.PostgresClient.Model(&models.ApiKey{}).
		Where("key = ? AND revoked_at IS NULL", key).
		Update("revoked_at", &now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &types.NotFound{Entity: "api key", Key: key}
	}
	return nil
}

// FindRelayerByApiKey resolves an unrevoked api key to its owning relayer.
func (db *DatabaseAdapter) FindRelayerByApiKey(key string) (*models.Relayer, error) {
	var apiKey models.ApiKey
	result := db.PostgresClient.Where("key = ? AND revoked_at IS NULL", key).First(&apiKey)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &types.NotFound{Entity: "api key", Key: key}
		}
		return nil, result.Error
	}
	return db.FindRelayerByID(apiKey.RelayerID)
}
