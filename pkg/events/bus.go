package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/relaycore/relayer/pkg/types"
)

// EventBus fans status-transition events out from the pipeline loops to
// subscribers (webhook dispatcher, metrics) over bounded channels. Publishing
// never blocks a pipeline worker: when a subscriber's buffer is full the
// event is dropped for that subscriber and logged. Durable delivery is the
// webhook dispatcher's job, which re-reads its queue from the database.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *types.EventEnvelope
	bufferSize  int
}

func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventBus{
		subscribers: make(map[string]chan *types.EventEnvelope),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a named subscriber. Re-subscribing under the same name
// replaces the previous channel.
func (eb *EventBus) Subscribe(name string) <-chan *types.EventEnvelope {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan *types.EventEnvelope, eb.bufferSize)
	eb.subscribers[name] = ch
	return ch
}

func (eb *EventBus) Unsubscribe(name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if ch, ok := eb.subscribers[name]; ok {
		close(ch)
		delete(eb.subscribers, name)
	}
}

func (eb *EventBus) Publish(event *types.EventEnvelope) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for name, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			log.Warn().
				Str("subscriber", name).
				Str("eventType", string(event.EventType)).
				Msg("[EventBus] [Publish] subscriber buffer full, dropping event")
		}
	}
}

func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for name, ch := range eb.subscribers {
		close(ch)
		delete(eb.subscribers, name)
	}
}
