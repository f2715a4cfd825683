package webhooks

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaycore/relayer/config"
	"github.com/relaycore/relayer/pkg/db"
	"github.com/relaycore/relayer/pkg/db/models"
	"github.com/relaycore/relayer/pkg/events"
	"github.com/relaycore/relayer/pkg/types"
)

const (
	initialRetryDelay = time.Second
	maxRetryDelay     = 2 * time.Minute
	// maxAttempts caps redelivery; combined with the delay cap this bounds
	// the retry horizon to roughly ten minutes.
	maxAttempts = 12

	dispatchBatch = 64
	pollInterval  = 5 * time.Second
)

// Dispatcher turns bus events into durable webhook deliveries and drives
// them to completion with at-least-once semantics. Ordering per endpoint is
// best effort only.
type Dispatcher struct {
	db        *db.DatabaseAdapter
	sender    *Sender
	endpoints []config.WebhookConfig
	// chainNames maps chain ids to configured display names for endpoint
	// network filters.
	chainNames map[uint64]string
	bus        *events.EventBus
}

func NewDispatcher(database *db.DatabaseAdapter, bus *events.EventBus, endpoints []config.WebhookConfig, chainNames map[uint64]string) *Dispatcher {
	return &Dispatcher{
		db:         database,
		sender:     NewSender(),
		endpoints:  endpoints,
		chainNames: chainNames,
		bus:        bus,
	}
}

// Run consumes the bus and drives the delivery queue until the context
// ends. Restart recovery comes for free: pending rows are re-read from the
// store.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.endpoints) == 0 {
		log.Info().Msg("[WebhookDispatcher] [Run] no webhook endpoints configured")
		return
	}

	eventCh := d.bus.Subscribe("webhook-dispatcher")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	log.Info().Int("endpoints", len(d.endpoints)).Msg("[WebhookDispatcher] [Run] dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			d.enqueue(event)
		case <-ticker.C:
			d.deliverDue(ctx)
		}
	}
}

// matches applies the endpoint's event and network filters.
func (d *Dispatcher) matches(endpoint *config.WebhookConfig, event *types.EventEnvelope) bool {
	if event.EventType == types.EventBalanceLow || event.EventType == types.EventFunderLow {
		if !endpoint.AlertOnLowBalances {
			return false
		}
	} else if len(endpoint.Events) > 0 {
		found := false
		for _, subscribed := range endpoint.Events {
			if subscribed == string(event.EventType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(endpoint.Networks) == 0 {
		return true
	}
	chainName := d.chainNames[event.ChainID]
	for _, network := range endpoint.Networks {
		if network == chainName {
			return true
		}
	}
	return false
}

// enqueue persists one delivery row per matching endpoint.
func (d *Dispatcher) enqueue(event *types.EventEnvelope) {
	body := map[string]any{
		"event_type": event.EventType,
		"chain_id":   event.ChainID,
		"relayer_id": event.RelayerID,
		"timestamp":  event.Timestamp.Format(time.RFC3339Nano),
		"payload":    event.Payload,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("[WebhookDispatcher] [enqueue] failed to serialize event payload")
		return
	}

	queued := 0
	for i := range d.endpoints {
		endpoint := &d.endpoints[i]
		if !d.matches(endpoint, event) {
			continue
		}
		delivery := &models.WebhookDelivery{
			Endpoint:  endpoint.Endpoint,
			EventType: string(event.EventType),
			RelayerID: event.RelayerID,
			Payload:   payload,
		}
		if err := d.db.EnqueueWebhookDelivery(delivery); err != nil {
			log.Error().Err(err).Str("endpoint", endpoint.Endpoint).
				Msg("[WebhookDispatcher] [enqueue] failed to persist delivery")
			continue
		}
		queued++
	}
	if queued > 0 {
		log.Debug().
			Str("eventType", string(event.EventType)).
			Int("deliveries", queued).
			Msg("[WebhookDispatcher] [enqueue] queued deliveries")
	}
}

// deliverDue attempts every due delivery once and reschedules failures with
// exponential backoff plus jitter.
func (d *Dispatcher) deliverDue(ctx context.Context) {
	due, err := d.db.DueWebhookDeliveries(time.Now().UTC(), dispatchBatch)
	if err != nil {
		log.Error().Err(err).Msg("[WebhookDispatcher] [deliverDue] failed to load due deliveries")
		return
	}

	for i := range due {
		delivery := &due[i]
		secret := d.secretFor(delivery.Endpoint)

		err := d.sender.Send(ctx, delivery.Endpoint, secret, delivery.ID, delivery.EventType, delivery.Payload)
		if err == nil {
			if markErr := d.db.MarkWebhookDelivered(delivery.ID); markErr != nil {
				log.Error().Err(markErr).Str("deliveryId", delivery.ID).
					Msg("[WebhookDispatcher] [deliverDue] failed to mark delivered")
			}
			continue
		}

		attempts := delivery.Attempts + 1
		if attempts >= maxAttempts {
			log.Error().Err(err).
				Str("deliveryId", delivery.ID).
				Str("endpoint", delivery.Endpoint).
				Int("attempts", attempts).
				Msg("[WebhookDispatcher] [deliverDue] delivery dead after retry cap, operator attention required")
			if deadErr := d.db.MarkWebhookDead(delivery.ID, err.Error()); deadErr != nil {
				log.Error().Err(deadErr).Str("deliveryId", delivery.ID).
					Msg("[WebhookDispatcher] [deliverDue] failed to mark dead")
			}
			continue
		}

		nextRetry := time.Now().UTC().Add(retryDelay(attempts))
		if markErr := d.db.MarkWebhookAttempt(delivery.ID, attempts, nextRetry, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("deliveryId", delivery.ID).
				Msg("[WebhookDispatcher] [deliverDue] failed to record attempt")
		}
		log.Warn().Err(err).
			Str("deliveryId", delivery.ID).
			Int("attempt", attempts).
			Time("nextRetry", nextRetry).
			Msg("[WebhookDispatcher] [deliverDue] delivery failed, scheduled retry")
	}
}

func (d *Dispatcher) secretFor(endpoint string) string {
	for i := range d.endpoints {
		if d.endpoints[i].Endpoint == endpoint {
			return d.endpoints[i].SharedSecret
		}
	}
	return ""
}

// retryDelay is exponential and capped; the result is jittered uniformly
// between half the step and the full step.
func retryDelay(attempt int) time.Duration {
	delay := initialRetryDelay << uint(attempt-1)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay/2 + jitter
}
