package outbox

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for tests and single-node
// development. CreateInTx ignores the transaction; atomicity with a real
// database is out of scope for the in-memory variant.
type MemoryRepository struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*Message
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{messages: make(map[uuid.UUID]*Message)}
}

func (repo *MemoryRepository) Create(ctx context.Context, message *Message) error {
	if message == nil {
		return ErrMessageRequired
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.messages[message.ID] = cloneMessage(message)

	return nil
}

func (repo *MemoryRepository) CreateInTx(ctx context.Context, _ *sql.Tx, message *Message) error {
	return repo.Create(ctx, message)
}

func (repo *MemoryRepository) ListUnprocessed(ctx context.Context, limit int) ([]*Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	now := time.Now().UTC()

	due := make([]*Message, 0, len(repo.messages))

	for _, message := range repo.messages {
		if message.Due(now) {
			due = append(due, cloneMessage(message))
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (repo *MemoryRepository) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok {
		return ErrMessageNotFound
	}

	stamp := processedAt.UTC()
	message.ProcessedAt = &stamp

	return nil
}

func (repo *MemoryRepository) RecordFailure(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok {
		return ErrMessageNotFound
	}

	message.RetryCount++
	message.LastError = errMsg
	retryAt := nextRetryAt.UTC()
	message.NextRetryAt = &retryAt

	return nil
}

func (repo *MemoryRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var removed int64

	for id, message := range repo.messages {
		if message.ProcessedAt != nil && message.ProcessedAt.Before(cutoff) {
			delete(repo.messages, id)

			removed++
		}
	}

	return removed, nil
}

// Get returns a copy of the stored message, for assertions.
func (repo *MemoryRepository) Get(id uuid.UUID) (*Message, bool) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok {
		return nil, false
	}

	return cloneMessage(message), true
}

// Len returns the number of stored messages.
func (repo *MemoryRepository) Len() int {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return len(repo.messages)
}

func cloneMessage(message *Message) *Message {
	clone := *message
	clone.Payload = append([]byte(nil), message.Payload...)

	if message.ProcessedAt != nil {
		stamp := *message.ProcessedAt
		clone.ProcessedAt = &stamp
	}

	if message.NextRetryAt != nil {
		stamp := *message.NextRetryAt
		clone.NextRetryAt = &stamp
	}

	return &clone
}

var _ Repository = (*MemoryRepository)(nil)
