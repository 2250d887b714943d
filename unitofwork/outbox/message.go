package outbox

import (
	"encoding/json"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
	"github.com/google/uuid"
)

// Message is one outbox row: a durable copy of an event envelope plus the
// delivery bookkeeping the relay needs. ProcessedAt is nil until the message
// reaches the broker; NextRetryAt gates redelivery after a failure.
type Message struct {
	ID          uuid.UUID       `json:"id"`
	EventName   string          `json:"event_name"`
	Version     int             `json:"version"`
	RoutingKey  string          `json:"routing_key"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
}

// FromEnvelope builds an unprocessed message carrying the envelope's
// identity. The envelope ID becomes the row ID, so writing the same envelope
// twice conflicts instead of duplicating.
func FromEnvelope(envelope events.Envelope) *Message {
	return &Message{
		ID:         envelope.ID,
		EventName:  envelope.EventName,
		Version:    envelope.Version,
		RoutingKey: envelope.RoutingKey,
		Payload:    append(json.RawMessage(nil), envelope.Payload...),
		CreatedAt:  time.Now().UTC(),
	}
}

// Envelope reconstructs the event envelope stored in this message.
func (message *Message) Envelope() events.Envelope {
	return events.Envelope{
		ID:         message.ID,
		EventName:  message.EventName,
		Version:    message.Version,
		RoutingKey: message.RoutingKey,
		Payload:    append(json.RawMessage(nil), message.Payload...),
	}
}

// Processed reports whether the message already reached the broker.
func (message *Message) Processed() bool {
	return message.ProcessedAt != nil
}

// Due reports whether the message is eligible for delivery at the given
// instant, honoring the retry gate.
func (message *Message) Due(now time.Time) bool {
	if message.Processed() {
		return false
	}

	return message.NextRetryAt == nil || !message.NextRetryAt.After(now)
}
