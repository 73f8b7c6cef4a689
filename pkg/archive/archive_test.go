package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readTarNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gr.Close()

	var names []string
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func TestCreateArchivesAllFiles(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "world")

	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "out.tar.gz")

	err := Create(src, outPath, nil)
	require.NoError(t, err)

	names := readTarNames(t, outPath)
	assert.Contains(t, names, "a.txt")
	assert.Contains(t, names, "sub/b.txt")
}

func TestCreateAppliesExclusionGlobs(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "keep.txt"), "keep")
	writeFile(t, filepath.Join(src, "cache", "evict.txt"), "evict")

	outPath := filepath.Join(t.TempDir(), "out.tar.gz")
	err := Create(src, outPath, []string{"cache/*"})
	require.NoError(t, err)

	names := readTarNames(t, outPath)
	assert.Contains(t, names, "keep.txt")
	assert.NotContains(t, names, "cache/evict.txt")
}

func TestCreateExcludesDirEntirely(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "cache", "a.txt"), "a")
	writeFile(t, filepath.Join(src, "cache", "nested", "b.txt"), "b")
	writeFile(t, filepath.Join(src, "keep.txt"), "keep")

	outPath := filepath.Join(t.TempDir(), "out.tar.gz")
	err := Create(src, outPath, []string{"cache"})
	require.NoError(t, err)

	names := readTarNames(t, outPath)
	assert.Contains(t, names, "keep.txt")
	for _, n := range names {
		assert.NotContains(t, n, "cache")
	}
}

func TestCreateDoesNotLeavePartialArchiveOnFailure(t *testing.T) {
	src := filepath.Join(t.TempDir(), "does-not-exist")
	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "out.tar.gz")

	err := Create(src, outPath, nil)
	require.Error(t, err)

	_, statErr := os.Stat(outPath)
	assert.True(t, os.IsNotExist(statErr))
	_, tmpStatErr := os.Stat(outPath + ".tmp")
	assert.True(t, os.IsNotExist(tmpStatErr))
}

func TestCreatePublishesAtomically(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello")

	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "out.tar.gz")

	require.NoError(t, Create(src, outPath, nil))

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.tar.gz", entries[0].Name())
}

func TestMatchesAnyBaseNameGlob(t *testing.T) {
	assert.True(t, matchesAny("wp-content/debug.log", "/src/wp-content/debug.log", []string{"wp-content/debug.log"}))
	assert.True(t, matchesAny("a/b/debug.log", "/src/a/b/debug.log", []string{"debug.log"}))
	assert.False(t, matchesAny("a/b/keep.log", "/src/a/b/keep.log", []string{"debug.log"}))
}
