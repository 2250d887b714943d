package inbox

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
)

// MemoryRepository is an in-process Repository for tests and single-node
// development. Lease semantics match the PostgreSQL implementation: a batch
// claim is atomic and messages under a live lease stay invisible.
type MemoryRepository struct {
	mu       sync.Mutex
	messages map[string]*Message
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{messages: make(map[string]*Message)}
}

func (repo *MemoryRepository) StorePending(ctx context.Context, envelope events.Envelope) (*Message, bool, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	id := envelope.ID.String()

	if existing, ok := repo.messages[id]; ok {
		return cloneInboxMessage(existing), false, nil
	}

	message := FromEnvelope(envelope)
	repo.messages[id] = message

	return cloneInboxMessage(message), true, nil
}

func (repo *MemoryRepository) HasProcessed(ctx context.Context, id string) (bool, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok {
		return false, nil
	}

	return message.Status == StatusProcessed, nil
}

func (repo *MemoryRepository) LeaseBatch(ctx context.Context, workerID string, limit int, leaseDuration time.Duration) ([]*Message, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, ErrWorkerIDRequired
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if leaseDuration <= 0 {
		return nil, ErrLeaseMustBePositive
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	now := time.Now().UTC()

	leasable := make([]*Message, 0, limit)

	for _, message := range repo.messages {
		if message.Leasable(now) {
			leasable = append(leasable, message)
		}
	}

	sort.Slice(leasable, func(i, j int) bool {
		return leasable[i].CreatedAt.Before(leasable[j].CreatedAt)
	})

	if len(leasable) > limit {
		leasable = leasable[:limit]
	}

	lockedUntil := now.Add(leaseDuration)
	claimed := make([]*Message, 0, len(leasable))

	for _, message := range leasable {
		message.Status = StatusProcessing
		message.LockedBy = workerID
		expiry := lockedUntil
		message.LockedUntil = &expiry

		claimed = append(claimed, cloneInboxMessage(message))
	}

	return claimed, nil
}

func (repo *MemoryRepository) MarkProcessed(ctx context.Context, id string, handledTime time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok {
		return ErrMessageNotFound
	}

	if err := message.Status.ValidateTransition(StatusProcessed); err != nil {
		return err
	}

	stamp := handledTime.UTC()
	message.Status = StatusProcessed
	message.HandledTime = &stamp
	message.LockedBy = ""
	message.LockedUntil = nil

	return nil
}

func (repo *MemoryRepository) ScheduleRetry(ctx context.Context, id string, nextRetryTime time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok {
		return ErrMessageNotFound
	}

	if err := message.Status.ValidateTransition(StatusPending); err != nil {
		return err
	}

	retryAt := nextRetryTime.UTC()
	message.Status = StatusPending
	message.RetryCount++
	message.NextRetryTime = &retryAt
	message.LockedBy = ""
	message.LockedUntil = nil

	return nil
}

func (repo *MemoryRepository) MarkDiscarded(ctx context.Context, id string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok {
		return ErrMessageNotFound
	}

	if err := message.Status.ValidateTransition(StatusDiscarded); err != nil {
		return err
	}

	message.Status = StatusDiscarded
	message.LockedBy = ""
	message.LockedUntil = nil

	return nil
}

func (repo *MemoryRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var removed int64

	for id, message := range repo.messages {
		terminal := message.Status == StatusProcessed || message.Status == StatusDiscarded
		if !terminal {
			continue
		}

		handled := message.HandledTime
		if handled != nil && handled.Before(cutoff) {
			delete(repo.messages, id)

			removed++

			continue
		}

		if handled == nil && message.CreatedAt.Before(cutoff) {
			delete(repo.messages, id)

			removed++
		}
	}

	return removed, nil
}

// Get returns a copy of the stored message, for assertions.
func (repo *MemoryRepository) Get(id string) (*Message, bool) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok {
		return nil, false
	}

	return cloneInboxMessage(message), true
}

// Len returns the number of stored messages.
func (repo *MemoryRepository) Len() int {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return len(repo.messages)
}

// ExpireLease force-expires the lease on a message, for crash-recovery
// tests.
func (repo *MemoryRepository) ExpireLease(id string) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok || message.Status != StatusProcessing {
		return
	}

	expired := time.Now().UTC().Add(-time.Second)
	message.LockedUntil = &expired
}

func cloneInboxMessage(message *Message) *Message {
	clone := *message
	clone.Payload = append([]byte(nil), message.Payload...)

	if message.HandledTime != nil {
		stamp := *message.HandledTime
		clone.HandledTime = &stamp
	}

	if message.LockedUntil != nil {
		stamp := *message.LockedUntil
		clone.LockedUntil = &stamp
	}

	if message.NextRetryTime != nil {
		stamp := *message.NextRetryTime
		clone.NextRetryTime = &stamp
	}

	return &clone
}

var _ Repository = (*MemoryRepository)(nil)
