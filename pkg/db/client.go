package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/relaycore/relayer/pkg/db/models"
)

func NewPostgresClient(databaseURL string) (*gorm.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is not set")
	}
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the relay schema.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Network{},
		&models.NetworkNode{},
		&models.Relayer{},
		&models.AllowlistedAddress{},
		&models.ApiKey{},
		&models.Transaction{},
		&models.RelayerAuditLog{},
		&models.TransactionAuditLog{},
		&models.SignedTextHistory{},
		&models.SignedTypedDataHistory{},
		&models.WebhookDelivery{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
