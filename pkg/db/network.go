package db

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/types"
)

// UpsertNetwork reconciles the configured network record; exactly one active
// record per chain_id.
func (db *DatabaseAdapter) UpsertNetwork(network *models.Network) error {
	return db.PostgresClient.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Nodes").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chain_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
		}).Create(network).Error; err != nil {
			return err
		}
		if err := tx.Where("chain_id = ?", network.ChainID).Delete(&models.NetworkNode{}).Error; err != nil {
			return err
		}
		for i := range network.Nodes {
			network.Nodes[i].ID = 0
			network.Nodes[i].ChainID = network.ChainID
			network.Nodes[i].Position = i
		}
		if len(network.Nodes) == 0 {
			return nil
		}
		return tx.Create(&network.Nodes).Error
	})
}

func (db *DatabaseAdapter) FindNetwork(chainID uint64) (*models.Network, error) {
	var network models.Network
	result := db.PostgresClient.Preload("Nodes", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	}).Where("chain_id = ?", chainID).First(&network)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &types.NotFound{Entity: "network", Key: models.ChainKey(chainID)}
		}
		return nil, result.Error
	}
	return &network, nil
}

func (db *DatabaseAdapter) ListNetworks(disabled *bool) ([]models.Network, error) {
	var networks []models.Network
	query := db.PostgresClient.Preload("Nodes", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	})
	if disabled != nil {
		query = query.Where("disabled = ?", *disabled)
	}
	return networks, query.Order("chain_id ASC").Find(&networks).Error
}

func (db *DatabaseAdapter) SetNetworkDisabled(chainID uint64, disabled bool) error {
	result := db.PostgresClient.Model(&models.Network{}).
		Where("chain_id = ?", chainID).
		Update("disabled", disabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &types.NotFound{Entity: "network", Key: models.ChainKey(chainID)}
	}
	return nil
}
