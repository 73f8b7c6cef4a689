package manager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/config"
	"github.com/cuemby/vaultkeeper/pkg/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArchive(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("archive-bytes"), 0o644))
}

func TestStatusGroupsArchivesByService(t *testing.T) {
	resolver, err := config.NewResolver("")
	require.NoError(t, err)
	backupDir := t.TempDir()

	writeArchive(t, backupDir, "wordpress_20260101_000000.tar.gz")
	writeArchive(t, backupDir, "wordpress_20260102_000000.tar.gz")
	writeArchive(t, backupDir, "nextcloud_20260101_000000.tar.gz")

	mgr, err := New(Config{Runtime: runtime.NewMockRuntime(), ConfigRes: resolver, BackupDir: backupDir})
	require.NoError(t, err)

	status, err := mgr.Status()
	require.NoError(t, err)
	require.Len(t, status.Services, 2)

	assert.Equal(t, "nextcloud", status.Services[0].Service)
	assert.Equal(t, "wordpress", status.Services[1].Service)
	assert.Equal(t, 2, status.Services[1].Count)
}

func TestStatusLatestIsMostRecentArchive(t *testing.T) {
	resolver, err := config.NewResolver("")
	require.NoError(t, err)
	backupDir := t.TempDir()

	writeArchive(t, backupDir, "wordpress_20260101_000000.tar.gz")
	writeArchive(t, backupDir, "wordpress_20260215_120000.tar.gz")

	mgr, err := New(Config{Runtime: runtime.NewMockRuntime(), ConfigRes: resolver, BackupDir: backupDir})
	require.NoError(t, err)

	status, err := mgr.Status()
	require.NoError(t, err)
	require.Len(t, status.Services, 1)
	require.NotNil(t, status.Services[0].Latest)
	assert.Equal(t, "wordpress_20260215_120000.tar.gz", filepath.Base(status.Services[0].Latest.Path))
}

func TestStatusIgnoresNonArchiveFiles(t *testing.T) {
	resolver, err := config.NewResolver("")
	require.NoError(t, err)
	backupDir := t.TempDir()

	writeArchive(t, backupDir, "README.txt")

	mgr, err := New(Config{Runtime: runtime.NewMockRuntime(), ConfigRes: resolver, BackupDir: backupDir})
	require.NoError(t, err)

	status, err := mgr.Status()
	require.NoError(t, err)
	assert.Empty(t, status.Services)
}

func TestStatusReportsActiveLocks(t *testing.T) {
	resolver, err := config.NewResolver("")
	require.NoError(t, err)
	backupDir := t.TempDir()

	mgr, err := New(Config{Runtime: runtime.NewMockRuntime(), ConfigRes: resolver, BackupDir: backupDir})
	require.NoError(t, err)

	_, err = mgr.lockMgr.Acquire("wordpress", "wordpress_x.tar.gz")
	require.NoError(t, err)

	status, err := mgr.Status()
	require.NoError(t, err)
	assert.Contains(t, status.ActiveBackups, "wordpress")
}

func TestParseArchiveTimestamp(t *testing.T) {
	service, ts, ok := parseArchiveTimestamp("wordpress_20260215_120000.tar.gz")
	require.True(t, ok)
	assert.Equal(t, "wordpress", service)
	assert.Equal(t, 2026, ts.Year())
	assert.Equal(t, time.Month(2), ts.Month())

	_, _, ok = parseArchiveTimestamp("not-an-archive")
	assert.False(t, ok)
}
