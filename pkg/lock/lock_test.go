package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbowman01/shared-github-actions/pkg/evidence"
)

func TestFileLock_ExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	l := NewFileLock(t.TempDir(), time.Minute)

	lease, err := l.Acquire(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, "run", lease.Key())

	_, err = l.Acquire(ctx, "run")
	require.Error(t, err)
	assert.True(t, evidence.IsKind(err, evidence.KindLedgerBusy))
	assert.ErrorIs(t, err, ErrHeld)
	assert.Equal(t, evidence.ExitLedgerBusy, evidence.ExitCode(err))

	// Other keys are independent.
	other, err := l.Acquire(ctx, "rollup-weekly-2025-W32")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	again, err := l.Acquire(ctx, "run")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestFileLock_TakesOverExpiredLock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 8, 8, 0, 0, 0, 0, time.UTC)
	l := NewFileLock(t.TempDir(), time.Minute)
	l.Now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "run")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := l.Acquire(ctx, "run")
	require.NoError(t, err)

	// The crashed holder must not remove the new holder's lock.
	assert.Error(t, stale.Release(ctx))
	require.NoError(t, fresh.Release(ctx))
}

func TestFileLock_UnreadableRecentLockIsBusy(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLock(dir, time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.lock"), []byte("garbage"), 0o600))

	_, err := l.Acquire(context.Background(), "run")
	assert.True(t, evidence.IsKind(err, evidence.KindLedgerBusy))
}

func TestFileLock_ReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewFileLock(t.TempDir(), time.Minute)
	lease, err := l.Acquire(ctx, "run")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
	assert.NoError(t, lease.Release(ctx))
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLock(client, "evidence-test:"+t.Name()+":", time.Minute)
	lease, err := l.Acquire(ctx, "run")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "run")
	assert.True(t, evidence.IsKind(err, evidence.KindLedgerBusy))

	require.NoError(t, lease.Release(ctx))
	assert.Error(t, lease.Release(ctx), "second release finds no owned key")
}

func TestAcquire_UnusableLockDirIsLedgerCommitError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := Acquire(context.Background(), NewFileLock(filepath.Join(blocker, "locks"), time.Minute), "run")
	require.Error(t, err)
	assert.True(t, evidence.IsKind(err, evidence.KindLedgerCommit))
	assert.Equal(t, evidence.ExitLedgerCommit, evidence.ExitCode(err))
}

func TestAcquire_KeepsBusyKind(t *testing.T) {
	ctx := context.Background()
	l := NewFileLock(t.TempDir(), time.Minute)
	lease, err := Acquire(ctx, l, "run")
	require.NoError(t, err)
	defer func() { _ = lease.Release(ctx) }()

	_, err = Acquire(ctx, l, "run")
	assert.True(t, evidence.IsKind(err, evidence.KindLedgerBusy))
}
