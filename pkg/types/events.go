package types

import "time"

// EventType names a status transition or supervisor alert published on the
// internal bus and delivered to webhook subscribers.
type EventType string

const (
	EventTransactionQueued    EventType = "transaction.queued"
	EventTransactionInmempool EventType = "transaction.inmempool"
	EventTransactionMined     EventType = "transaction.mined"
	EventTransactionConfirmed EventType = "transaction.confirmed"
	EventTransactionFailed    EventType = "transaction.failed"
	EventTransactionExpired   EventType = "transaction.expired"
	EventTransactionCancelled EventType = "transaction.cancelled"
	EventTransactionReplaced  EventType = "transaction.replaced"
	EventTransactionDropped   EventType = "transaction.dropped"
	EventTextSigned           EventType = "signing.text"
	EventTypedDataSigned      EventType = "signing.typed-data"
	EventBalanceLow           EventType = "balance.low"
	EventFunderLow            EventType = "funder.low"
)

// EventEnvelope is what flows over the internal event bus from the pipeline
// loops to the webhook dispatcher.
type EventEnvelope struct {
	EventType EventType      `json:"event_type"`
	ChainID   uint64         `json:"chain_id"`
	RelayerID string         `json:"relayer_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}
