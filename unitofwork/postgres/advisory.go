package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/lock"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
)

var (
	ErrDatabaseRequired = errors.New("database handle is required")
	ErrLockKeyRequired  = errors.New("lock key is required")
)

// AdvisoryLocker implements lock.Locker over PostgreSQL session advisory
// locks. Advisory locks are tied to the session holding them, so every
// successful TryLock pins one dedicated connection until Unlock releases
// both the lock and the connection.
type AdvisoryLocker struct {
	db     *sql.DB
	logger log.Logger
}

// NewAdvisoryLocker builds a locker over the primary pool. Advisory locks
// must never target a replica.
func NewAdvisoryLocker(db *sql.DB, logger log.Logger) (*AdvisoryLocker, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &AdvisoryLocker{db: db, logger: logger}, nil
}

// TryLock makes a single non-blocking acquisition attempt. A held lock
// returns (nil, false, nil): contention is a normal skip.
func (locker *AdvisoryLocker) TryLock(ctx context.Context, key string) (lock.Unlocker, bool, error) {
	if key == "" {
		return nil, false, ErrLockKeyRequired
	}

	conn, err := locker.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for advisory lock: %w", err)
	}

	var acquired bool

	// hashtext folds the textual key into the bigint keyspace advisory
	// locks operate on. Collisions only cause spurious contention.
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&acquired)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			log.SafeError(locker.logger, ctx, "failed to close advisory lock connection", closeErr)
		}

		return nil, false, fmt.Errorf("try advisory lock %q: %w", key, err)
	}

	if !acquired {
		if closeErr := conn.Close(); closeErr != nil {
			log.SafeError(locker.logger, ctx, "failed to close advisory lock connection", closeErr)
		}

		return nil, false, nil
	}

	return &advisoryUnlocker{conn: conn, key: key, logger: locker.logger}, true, nil
}

type advisoryUnlocker struct {
	conn   *sql.Conn
	key    string
	logger log.Logger
}

// Unlock releases the advisory lock and returns its session to the pool.
// The connection is closed even when the unlock statement fails; closing the
// session releases the lock server-side anyway.
func (unlocker *advisoryUnlocker) Unlock(ctx context.Context) error {
	var released bool

	err := unlocker.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", unlocker.key).Scan(&released)

	if closeErr := unlocker.conn.Close(); closeErr != nil {
		log.SafeError(unlocker.logger, ctx, "failed to close advisory lock connection", closeErr)
	}

	if err != nil {
		return fmt.Errorf("advisory unlock %q: %w", unlocker.key, err)
	}

	if !released {
		return fmt.Errorf("advisory unlock %q: lock was not held by this session", unlocker.key)
	}

	return nil
}

var _ lock.Locker = (*AdvisoryLocker)(nil)
