//go:build unit

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestLockManager(t *testing.T) *LockManager {
	t.Helper()

	server := miniredis.RunT(t)

	client, err := NewClient(Config{Addrs: []string{server.Addr()}}, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	manager, err := NewLockManager(client, WithLockExpiry(30*time.Second))
	require.NoError(t, err)

	return manager
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	require.ErrorIs(t, err, ErrAddressRequired)

	_, err = NewClient(Config{Addrs: []string{"  "}}, nil)
	require.ErrorIs(t, err, ErrAddressRequired)
}

func TestNewLockManagerRequiresClient(t *testing.T) {
	_, err := NewLockManager(nil)
	require.ErrorIs(t, err, ErrNilClient)
}

func TestTryLockAcquiresAndReleases(t *testing.T) {
	manager := newTestLockManager(t)
	ctx := context.Background()

	unlocker, acquired, err := manager.TryLock(ctx, "outbox:cleanup")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotNil(t, unlocker)

	require.NoError(t, unlocker.Unlock(ctx))

	// Released, so the key is immediately acquirable again.
	again, acquired, err := manager.TryLock(ctx, "outbox:cleanup")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, again.Unlock(ctx))
}

func TestTryLockReportsBusyWithoutError(t *testing.T) {
	manager := newTestLockManager(t)
	ctx := context.Background()

	unlocker, acquired, err := manager.TryLock(ctx, "inbox:cleanup")
	require.NoError(t, err)
	require.True(t, acquired)

	defer func() { require.NoError(t, unlocker.Unlock(ctx)) }()

	// A held key is a normal skip for the second claimant.
	second, acquired, err := manager.TryLock(ctx, "inbox:cleanup")
	require.NoError(t, err)
	require.False(t, acquired)
	require.Nil(t, second)
}

func TestTryLockKeysAreIndependent(t *testing.T) {
	manager := newTestLockManager(t)
	ctx := context.Background()

	first, acquired, err := manager.TryLock(ctx, "outbox:cleanup")
	require.NoError(t, err)
	require.True(t, acquired)

	defer func() { require.NoError(t, first.Unlock(ctx)) }()

	other, acquired, err := manager.TryLock(ctx, "inbox:cleanup")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, other.Unlock(ctx))
}

func TestTryLockRejectsEmptyKey(t *testing.T) {
	manager := newTestLockManager(t)

	_, _, err := manager.TryLock(context.Background(), "  ")
	require.ErrorIs(t, err, ErrEmptyLockKey)
}

func TestUnlockTwiceReportsNotHeld(t *testing.T) {
	manager := newTestLockManager(t)
	ctx := context.Background()

	unlocker, acquired, err := manager.TryLock(ctx, "outbox:cleanup")
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, unlocker.Unlock(ctx))
	require.Error(t, unlocker.Unlock(ctx))
}
