package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRawLock(t *testing.T, dir, service string, rec types.Lock) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, service+".lock"), data, 0o644))
}

func TestAcquireAndRelease(t *testing.T) {
	mgr, err := New(t.TempDir())
	require.NoError(t, err)

	rec, err := mgr.Acquire("wordpress", "wordpress_20260101_000000.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "wordpress", rec.Service)
	assert.Equal(t, os.Getpid(), rec.PID)

	require.NoError(t, mgr.Release("wordpress"))

	rec2, err := mgr.Acquire("wordpress", "wordpress_20260101_010000.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "wordpress_20260101_010000.tar.gz", rec2.BackupName)
}

func TestAcquireRefusedWhenHeldByLivePID(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(dir)
	require.NoError(t, err)

	writeRawLock(t, dir, "wordpress", types.Lock{
		Service:     "wordpress",
		BackupName:  "wordpress_20260101_000000.tar.gz",
		TimestampNs: time.Now().Unix(),
		PID:         os.Getpid(),
		Hostname:    hostname(),
	})

	_, err = mgr.Acquire("wordpress", "wordpress_20260101_010000.tar.gz")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrLockHeld)
}

func TestAcquireReplacesStaleLockByAge(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(dir)
	require.NoError(t, err)

	writeRawLock(t, dir, "wordpress", types.Lock{
		Service:     "wordpress",
		BackupName:  "wordpress_old.tar.gz",
		TimestampNs: time.Now().Add(-4 * time.Hour).Unix(),
		PID:         os.Getpid(),
		Hostname:    hostname(),
	})

	rec, err := mgr.Acquire("wordpress", "wordpress_new.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "wordpress_new.tar.gz", rec.BackupName)
}

func TestAcquireReplacesStaleLockByDeadPID(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(dir)
	require.NoError(t, err)

	writeRawLock(t, dir, "wordpress", types.Lock{
		Service:     "wordpress",
		BackupName:  "wordpress_old.tar.gz",
		TimestampNs: time.Now().Unix(),
		PID:         999999999,
		Hostname:    hostname(),
	})

	rec, err := mgr.Acquire("wordpress", "wordpress_new.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "wordpress_new.tar.gz", rec.BackupName)
}

func TestAcquireReplacesMalformedLock(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "wordpress.lock"), []byte("not json"), 0o644))

	rec, err := mgr.Acquire("wordpress", "wordpress_new.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "wordpress_new.tar.gz", rec.BackupName)
}

func TestReleaseMissingLockIsNotError(t *testing.T) {
	mgr, err := New(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, mgr.Release("nonexistent"))
}

func TestList(t *testing.T) {
	mgr, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = mgr.Acquire("wordpress", "wordpress_x.tar.gz")
	require.NoError(t, err)
	_, err = mgr.Acquire("nextcloud", "nextcloud_x.tar.gz")
	require.NoError(t, err)

	locks, err := mgr.List()
	require.NoError(t, err)
	assert.Len(t, locks, 2)
}

func TestSweepStaleRemovesOldLocksOnly(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(dir)
	require.NoError(t, err)

	writeRawLock(t, dir, "stale-service", types.Lock{
		Service:     "stale-service",
		TimestampNs: time.Now().Add(-5 * time.Hour).Unix(),
		PID:         os.Getpid(),
		Hostname:    hostname(),
	})
	_, err = mgr.Acquire("fresh-service", "fresh_x.tar.gz")
	require.NoError(t, err)

	removed, err := mgr.SweepStale()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	locks, err := mgr.List()
	require.NoError(t, err)
	assert.Len(t, locks, 1)
	assert.Equal(t, "fresh-service", locks[0].Service)
}
