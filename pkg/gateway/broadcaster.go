package gateway

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster pushes session events to subscribed clients.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger}
}

// Publish sends event to the clients subscribed to sessionKey. An empty key
// reaches every authenticated client. It returns the number of deliveries.
func (b *EventBroadcaster) Publish(sessionKey, event string, data interface{}) int {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       b.seq.Add(1),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Session:   sessionKey,
	}

	delivered := 0
	for _, client := range b.clients.Subscribers(sessionKey) {
		if err := client.WriteJSON(msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", event).
				Int64("seq", msg.Seq).
				Msg("Failed to deliver event")
			continue
		}
		delivered++
	}

	b.logger.Debug().
		Str("event", event).
		Str("session_key", sessionKey).
		Int64("seq", msg.Seq).
		Int("delivered", delivered).
		Msg("Event published")
	return delivered
}
