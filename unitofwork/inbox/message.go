package inbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
)

// Status is the processing state of an inbox message.
type Status string

const (
	// StatusPending marks a stored message no worker has claimed yet.
	StatusPending Status = "PENDING"
	// StatusProcessing marks a message under an active worker lease.
	StatusProcessing Status = "PROCESSING"
	// StatusProcessed marks a message whose handler completed.
	StatusProcessed Status = "PROCESSED"
	// StatusDiscarded marks a message abandoned after exhausting retries or
	// lacking a handler.
	StatusDiscarded Status = "DISCARDED"
)

// IsValid reports whether the status is one of the known states.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusProcessed, StatusDiscarded:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving to target is legal. PROCESSING may
// loop back to PENDING when a retry is scheduled, and re-enter PROCESSING
// when an expired lease is reclaimed. Terminal states never move.
func (status Status) CanTransitionTo(target Status) bool {
	switch status {
	case StatusPending:
		return target == StatusProcessing || target == StatusDiscarded
	case StatusProcessing:
		return target == StatusPending || target == StatusProcessing ||
			target == StatusProcessed || target == StatusDiscarded
	case StatusProcessed, StatusDiscarded:
		return false
	default:
		return false
	}
}

// ValidateTransition returns a descriptive error for an illegal transition.
func (status Status) ValidateTransition(target Status) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, string(status))
	}

	if !target.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, string(target))
	}

	if !status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, target)
	}

	return nil
}

// Message is one inbox row: a received envelope plus lease and retry
// bookkeeping. The ID equals the envelope ID, which is what makes duplicate
// deliveries collapse into a single row.
type Message struct {
	ID            string          `json:"id"`
	EventName     string          `json:"event_name"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	HandledTime   *time.Time      `json:"handled_time,omitempty"`
	LockedBy      string          `json:"locked_by,omitempty"`
	LockedUntil   *time.Time      `json:"locked_until,omitempty"`
	RetryCount    int             `json:"retry_count"`
	NextRetryTime *time.Time      `json:"next_retry_time,omitempty"`
}

// FromEnvelope builds a pending message from a received envelope.
func FromEnvelope(envelope events.Envelope) *Message {
	return &Message{
		ID:        envelope.ID.String(),
		EventName: envelope.EventName,
		Version:   envelope.Version,
		Payload:   append(json.RawMessage(nil), envelope.Payload...),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// LeaseExpired reports whether a PROCESSING message's lease has lapsed,
// making it reclaimable by another worker.
func (message *Message) LeaseExpired(now time.Time) bool {
	if message.Status != StatusProcessing {
		return false
	}

	return message.LockedUntil == nil || message.LockedUntil.Before(now)
}

// Leasable reports whether the message is eligible for a new lease at the
// given instant: pending and due, or processing with an expired lease.
func (message *Message) Leasable(now time.Time) bool {
	switch message.Status {
	case StatusPending:
		return message.NextRetryTime == nil || !message.NextRetryTime.After(now)
	case StatusProcessing:
		return message.LeaseExpired(now)
	default:
		return false
	}
}
