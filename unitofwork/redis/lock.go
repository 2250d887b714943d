package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/lock"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

const defaultLockExpiry = 30 * time.Second

var (
	ErrNilLockManager     = errors.New("lock manager is required")
	ErrLockNotInitialized = errors.New("distributed lock is not initialized")
	ErrEmptyLockKey       = errors.New("lock key cannot be empty")
	ErrLockNotHeld        = errors.New("lock was not held or already expired")
)

// LockManager implements the cluster lock contract over the RedLock
// algorithm. It makes exactly one acquisition attempt per TryLock; a held
// lock is a normal skip, matching the processor's cleanup semantics.
type LockManager struct {
	redsync *redsync.Redsync
	logger  log.Logger
	expiry  time.Duration
}

// LockManagerOption configures a LockManager.
type LockManagerOption func(*LockManager)

// WithLockExpiry overrides how long an acquired lock survives before
// auto-expiring. The expiry is the deadlock bound: it must exceed the
// longest critical section.
func WithLockExpiry(expiry time.Duration) LockManagerOption {
	return func(manager *LockManager) {
		if expiry > 0 {
			manager.expiry = expiry
		}
	}
}

// WithLockLogger sets the lock manager logger.
func WithLockLogger(logger log.Logger) LockManagerOption {
	return func(manager *LockManager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// clientPool adapts the lazily-connected Client to the redsync pool
// interface, resolving the live client on every acquisition so the pool
// survives reconnects.
type clientPool struct {
	conn *Client
}

func (pool *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := pool.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// NewLockManager builds a lock manager over the given client.
func NewLockManager(conn *Client, opts ...LockManagerOption) (*LockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	manager := &LockManager{
		redsync: redsync.New(&clientPool{conn: conn}),
		logger:  log.NewNop(),
		expiry:  defaultLockExpiry,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}

	return manager, nil
}

// TryLock makes a single non-blocking acquisition attempt. A held lock
// returns (nil, false, nil); only infrastructure failures are errors.
func (manager *LockManager) TryLock(ctx context.Context, key string) (lock.Unlocker, bool, error) {
	if manager == nil {
		return nil, false, ErrNilLockManager
	}

	if manager.redsync == nil {
		return nil, false, ErrLockNotInitialized
	}

	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyLockKey
	}

	safeKey := safeLockKeyForLogs(key)

	mutex := manager.redsync.NewMutex(
		key,
		redsync.WithExpiry(manager.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		// redsync reports contention as ErrFailed or a "lock already taken"
		// message depending on the path. Both mean busy, not broken.
		errMsg := err.Error()
		contention := errors.Is(err, redsync.ErrFailed) ||
			strings.Contains(errMsg, "lock already taken") ||
			strings.Contains(errMsg, "failed to acquire lock")

		if contention {
			manager.logger.Log(ctx, log.LevelDebug, "lock already held by another process",
				log.String("lock_key", safeKey))

			return nil, false, nil
		}

		return nil, false, fmt.Errorf("attempt lock acquisition for %s: %w", safeKey, err)
	}

	manager.logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", safeKey))

	return &lockHandle{mutex: mutex, logger: manager.logger}, true, nil
}

// lockHandle wraps a redsync mutex behind the Unlocker contract.
type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

func (handle *lockHandle) Unlock(ctx context.Context) error {
	ok, err := handle.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("distributed lock: unlock: %w", err)
	}

	if !ok {
		return ErrLockNotHeld
	}

	return nil
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLockKeyLogLength = 128

	safeLockKey := strconv.QuoteToASCII(lockKey)
	if len(safeLockKey) <= maxLockKeyLogLength {
		return safeLockKey
	}

	return safeLockKey[:maxLockKeyLogLength] + "...(truncated)"
}

var _ lock.Locker = (*LockManager)(nil)
