package inbox

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
)

// Repository persists inbox messages. Implementations must make StorePending
// idempotent on the envelope ID and must hand each leasable message to at
// most one worker per LeaseBatch call.
type Repository interface {
	// StorePending inserts a pending row for the envelope. When a row with
	// the same ID already exists the call is a no-op and stored is false.
	StorePending(ctx context.Context, envelope events.Envelope) (message *Message, stored bool, err error)
	// HasProcessed reports whether the message already reached a terminal
	// PROCESSED state, for pre-handling duplicate checks.
	HasProcessed(ctx context.Context, id string) (bool, error)
	// LeaseBatch atomically claims up to limit leasable messages for
	// workerID, stamping them PROCESSING with a lease expiring after
	// leaseDuration. Messages under a live lease are never returned.
	LeaseBatch(ctx context.Context, workerID string, limit int, leaseDuration time.Duration) ([]*Message, error)
	// MarkProcessed finishes a message, recording when the handler ran.
	MarkProcessed(ctx context.Context, id string, handledTime time.Time) error
	// ScheduleRetry releases the lease and returns the message to PENDING,
	// gated until nextRetryTime.
	ScheduleRetry(ctx context.Context, id string, nextRetryTime time.Time) error
	// MarkDiscarded abandons the message permanently.
	MarkDiscarded(ctx context.Context, id string) error
	// DeleteProcessedBefore removes terminal messages handled before cutoff
	// and returns how many rows went away.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
