package lock

import "context"

// Unlocker releases a previously acquired advisory lock.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Locker is a single-attempt cluster advisory lock. A busy lock returns
// (nil, false, nil): callers treat contention as a normal skip, not an error.
// Errors are reserved for infrastructure failures (network, cancellation).
type Locker interface {
	TryLock(ctx context.Context, key string) (Unlocker, bool, error)
}
