package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Repository persists outbox messages. Implementations must keep
// ListUnprocessed ordered oldest-first and gated on NextRetryAt, so delivery
// approximates creation order and failed messages back off.
type Repository interface {
	// Create inserts the message in its own transaction.
	Create(ctx context.Context, message *Message) error
	// CreateInTx inserts the message inside tx, making the outbox write
	// atomic with the business mutation sharing that transaction.
	CreateInTx(ctx context.Context, tx *sql.Tx, message *Message) error
	// ListUnprocessed returns up to limit undelivered messages that are due,
	// oldest first.
	ListUnprocessed(ctx context.Context, limit int) ([]*Message, error)
	// MarkProcessed stamps the delivery time. Marking an unknown message
	// returns ErrMessageNotFound.
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error
	// RecordFailure increments the retry count, stores the sanitized error
	// and schedules the next attempt.
	RecordFailure(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error
	// DeleteProcessedBefore removes delivered messages older than cutoff and
	// returns how many rows went away.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
