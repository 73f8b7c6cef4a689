package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touchArchive(t *testing.T, dir, service string, ts time.Time) string {
	t.Helper()
	name := fmt.Sprintf("%s_%s.tar.gz", service, ts.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func listRemaining(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestParseArchiveNameValid(t *testing.T) {
	service, ts, ok := parseArchiveName("wordpress_20260115_093000.tar.gz")
	require.True(t, ok)
	assert.Equal(t, "wordpress", service)
	assert.Equal(t, 2026, ts.Year())
	assert.Equal(t, time.Month(1), ts.Month())
	assert.Equal(t, 15, ts.Day())
}

func TestParseArchiveNameMalformedIsSkipped(t *testing.T) {
	_, _, ok := parseArchiveName("not-an-archive.txt")
	assert.False(t, ok)

	_, _, ok = parseArchiveName("wordpress_bad_timestamp.tar.gz")
	assert.False(t, ok)
}

func TestSweepKeepsWithinAgeWindow(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	recent := touchArchive(t, dir, "wordpress", now.AddDate(0, 0, -1))
	old := touchArchive(t, dir, "wordpress", now.AddDate(0, 0, -10))

	eng := New(dir)
	deleted, err := eng.Sweep(nil, types.RetentionPolicy{Kind: types.RetentionTime, Days: 7}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, statErr := os.Stat(recent)
	assert.NoError(t, statErr)
	_, statErr = os.Stat(old)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSweepKeepsCountMostRecent(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	for i := 0; i < 5; i++ {
		touchArchive(t, dir, "wordpress", now.AddDate(0, 0, -i))
	}

	eng := New(dir)
	policies := map[string]types.RetentionPolicy{
		"wordpress": {Kind: types.RetentionCount, Count: 2},
	}
	deleted, err := eng.Sweep(policies, types.RetentionPolicy{Kind: types.RetentionTime, Days: 7}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	remaining := listRemaining(t, dir)
	assert.Len(t, remaining, 2)
}

func TestSweepNeverDeletesActiveLockedArchive(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	veryOld := touchArchive(t, dir, "wordpress", now.AddDate(0, 0, -100))

	eng := New(dir)
	activeLocks := map[string]bool{veryOld: true}
	deleted, err := eng.Sweep(nil, types.RetentionPolicy{Kind: types.RetentionTime, Days: 1}, activeLocks)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	_, statErr := os.Stat(veryOld)
	assert.NoError(t, statErr)
}

func TestSweepUsesDefaultPolicyForUnconfiguredService(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touchArchive(t, dir, "unconfigured", now.AddDate(0, 0, -30))

	eng := New(dir)
	deleted, err := eng.Sweep(map[string]types.RetentionPolicy{}, types.RetentionPolicy{Kind: types.RetentionTime, Days: 7}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestSweepIgnoresMalformedFilenames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("x"), 0o644))

	eng := New(dir)
	deleted, err := eng.Sweep(nil, types.RetentionPolicy{Kind: types.RetentionTime, Days: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	remaining := listRemaining(t, dir)
	assert.Equal(t, []string{"README.txt"}, remaining)
}

func TestSweepMixedRetentionBoundedAcrossManyArchives(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	var lockedPath string
	for i := 0; i < 40; i++ {
		ts := now.AddDate(0, 0, -3*i)
		path := touchArchive(t, dir, "nextcloud", ts)
		if i == 39 {
			lockedPath = path
		}
	}

	eng := New(dir)
	policies := map[string]types.RetentionPolicy{
		"nextcloud": {
			Kind: types.RetentionMixed,
			Mixed: types.MixedRetention{
				Daily:   7,
				Weekly:  4,
				Monthly: 3,
			},
		},
	}
	activeLocks := map[string]bool{lockedPath: true}

	_, err := eng.Sweep(policies, types.RetentionPolicy{Kind: types.RetentionTime, Days: 7}, activeLocks)
	require.NoError(t, err)

	remaining := listRemaining(t, dir)
	assert.LessOrEqual(t, len(remaining), 15)

	_, statErr := os.Stat(lockedPath)
	assert.NoError(t, statErr)
}
