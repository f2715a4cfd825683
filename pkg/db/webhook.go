package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/relayer/pkg/db/models"
)

func (db *DatabaseAdapter) EnqueueWebhookDelivery(delivery *models.WebhookDelivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.New().String()
	}
	if delivery.State == "" {
		delivery.State = models.WebhookStatePending
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}
	if delivery.NextRetryAt.IsZero() {
		delivery.NextRetryAt = delivery.CreatedAt
	}
	return db.PostgresClient.Create(delivery).Error
}

// DueWebhookDeliveries returns pending deliveries whose retry time has come,
// oldest first. The dispatcher reloads from here after a restart, which is
// what makes delivery at-least-once.
func (db *DatabaseAdapter) DueWebhookDeliveries(now time.Time, limit int) ([]models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	err := db.PostgresClient.
		Where("state = ? AND next_retry_at <= ?", models.WebhookStatePending, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

func (db *DatabaseAdapter) MarkWebhookDelivered(id string) error {
	now := time.Now().UTC()
	return db.PostgresClient.Model(&models.WebhookDelivery{}).
		Where("id = ? AND state = ?", id, models.WebhookStatePending).
		Updates(map[string]interface{}{
			"state":        models.WebhookStateDelivered,
			"delivered_at": &now,
		}).Error
}

func (db *DatabaseAdapter) MarkWebhookAttempt(id string, attempts int, nextRetryAt time.Time, lastError string) error {
	return db.PostgresClient.Model(&models.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":      attempts,
			"next_retry_at": nextRetryAt,
			"last_error":    lastError,
		}).Error
}

func (db *DatabaseAdapter) MarkWebhookDead(id string, lastError string) error {
	return db.PostgresClient.Model(&models.WebhookDelivery{}).
		Where("id = ? AND state = ?", id, models.WebhookStatePending).
		Updates(map[string]interface{}{
			"state":      models.WebhookStateDead,
			"last_error": lastError,
		}).Error
}
