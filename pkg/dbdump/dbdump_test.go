package dbdump

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/vaultkeeper/pkg/runtime"
	"github.com/cuemby/vaultkeeper/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateShellArgRejectsMetacharacters(t *testing.T) {
	cases := []string{"foo;bar", "foo&bar", "foo|bar", "foo`bar`", "foo$bar", "foo>bar", "foo<bar"}
	for _, c := range cases {
		assert.Error(t, ValidateShellArg(c), c)
	}
}

func TestValidateShellArgAllowsPlainValues(t *testing.T) {
	assert.NoError(t, ValidateShellArg("my-db_01"))
}

func TestValidatePortBoundaries(t *testing.T) {
	assert.NoError(t, ValidatePort(0))
	assert.NoError(t, ValidatePort(1))
	assert.NoError(t, ValidatePort(65535))
	assert.Error(t, ValidatePort(-1))
	assert.Error(t, ValidatePort(65536))
}

func TestDetectFlavorOrderedMatch(t *testing.T) {
	assert.Equal(t, types.DatabasePostgres, DetectFlavor("postgres:16-alpine"))
	assert.Equal(t, types.DatabaseMySQL, DetectFlavor("mariadb:11"))
	assert.Equal(t, types.DatabaseMongoDB, DetectFlavor("mongo:7"))
	assert.Equal(t, types.DatabaseRedis, DetectFlavor("redis:7-alpine"))
	assert.Equal(t, types.DatabaseSQLite, DetectFlavor("linuxserver/sqlite-web"))
	assert.Equal(t, types.DatabaseNone, DetectFlavor("nginx:latest"))
}

func TestDetectFlavorWithProbeFallsBackToSQLiteWhenFileFound(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.ExecFunc = func(id string, cmd []string, env []string) (int, []byte, error) {
		if len(cmd) > 0 && cmd[0] == "find" {
			return 0, []byte("/data/app.sqlite3\n"), nil
		}
		return 0, nil, nil
	}

	flavor := DetectFlavorWithProbe(context.Background(), rt, "cont1", "ghcr.io/acme/custom-app:latest")
	assert.Equal(t, types.DatabaseSQLite, flavor)
}

func TestDetectFlavorWithProbeReturnsNoneWhenNoFileFound(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.ExecFunc = func(id string, cmd []string, env []string) (int, []byte, error) {
		return 1, nil, nil
	}

	flavor := DetectFlavorWithProbe(context.Background(), rt, "cont1", "ghcr.io/acme/custom-app:latest")
	assert.Equal(t, types.DatabaseNone, flavor)
}

func TestDetectFlavorWithProbeSkipsProbeWhenImageMatches(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.ExecFunc = func(id string, cmd []string, env []string) (int, []byte, error) {
		t.Fatal("probe should not run when the image already resolves a flavor")
		return 1, nil, nil
	}

	flavor := DetectFlavorWithProbe(context.Background(), rt, "cont1", "postgres:16-alpine")
	assert.Equal(t, types.DatabasePostgres, flavor)
}

func readGzipped(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gr.Close()
	data, err := io.ReadAll(gr)
	require.NoError(t, err)
	return data
}

func TestDumpPostgresWritesGzippedOutput(t *testing.T) {
	rt := runtime.NewMockRuntime()
	container := types.Container{ID: "cont1", Name: "db"}
	rt.Containers[container.ID] = container
	rt.ExecFunc = func(id string, cmd []string, env []string) (int, []byte, error) {
		return 0, []byte("-- dump data"), nil
	}

	outPath := filepath.Join(t.TempDir(), "out.sql.gz")
	err := Dump(context.Background(), rt, container, types.DatabasePostgres, types.Credentials{User: "app", Database: "appdb"}, outPath)
	require.NoError(t, err)

	data := readGzipped(t, outPath)
	assert.Equal(t, "-- dump data", string(data))
}

func TestDumpPostgresRequiresUserAndDatabase(t *testing.T) {
	rt := runtime.NewMockRuntime()
	container := types.Container{ID: "cont1", Name: "db"}
	rt.Containers[container.ID] = container

	outPath := filepath.Join(t.TempDir(), "out.sql.gz")
	err := Dump(context.Background(), rt, container, types.DatabasePostgres, types.Credentials{}, outPath)
	assert.ErrorIs(t, err, types.ErrInvalidCredentialInput)
}

func TestDumpMySQLDefaultsToAllDatabasesWithoutDatabase(t *testing.T) {
	rt := runtime.NewMockRuntime()
	container := types.Container{ID: "cont1", Name: "db"}
	rt.Containers[container.ID] = container

	var capturedCmd []string
	rt.ExecFunc = func(id string, cmd []string, env []string) (int, []byte, error) {
		capturedCmd = cmd
		return 0, []byte("dump"), nil
	}

	outPath := filepath.Join(t.TempDir(), "out.sql.gz")
	err := Dump(context.Background(), rt, container, types.DatabaseMySQL, types.Credentials{}, outPath)
	require.NoError(t, err)
	assert.Contains(t, capturedCmd, "--all-databases")
	assert.Contains(t, capturedCmd, "root")
}

func TestDumpMySQLUsesNamedDatabaseWhenSet(t *testing.T) {
	rt := runtime.NewMockRuntime()
	container := types.Container{ID: "cont1", Name: "db"}
	rt.Containers[container.ID] = container

	var capturedCmd []string
	rt.ExecFunc = func(id string, cmd []string, env []string) (int, []byte, error) {
		capturedCmd = cmd
		return 0, []byte("dump"), nil
	}

	outPath := filepath.Join(t.TempDir(), "out.sql.gz")
	err := Dump(context.Background(), rt, container, types.DatabaseMySQL, types.Credentials{Database: "wp"}, outPath)
	require.NoError(t, err)
	assert.Contains(t, capturedCmd, "wp")
	assert.NotContains(t, capturedCmd, "--all-databases")
}

func TestDumpRedisSkipsRDBGenerationWhenFilePresent(t *testing.T) {
	rt := runtime.NewMockRuntime()
	container := types.Container{ID: "cont1", Name: "db"}
	rt.Containers[container.ID] = container
	rt.Archives[container.ID] = []byte("rdb-bytes")

	var generateCalled bool
	rt.ExecFunc = func(id string, cmd []string, env []string) (int, []byte, error) {
		if cmd[0] == "test" {
			return 0, nil, nil
		}
		generateCalled = true
		return 0, nil, nil
	}

	outPath := filepath.Join(t.TempDir(), "out.rdb.gz")
	err := Dump(context.Background(), rt, container, types.DatabaseRedis, types.Credentials{}, outPath)
	require.NoError(t, err)
	assert.False(t, generateCalled)

	data := readGzipped(t, outPath)
	assert.Equal(t, "rdb-bytes", string(data))
}

func TestDumpRedisGeneratesRDBWhenAbsent(t *testing.T) {
	rt := runtime.NewMockRuntime()
	container := types.Container{ID: "cont1", Name: "db"}
	rt.Containers[container.ID] = container
	rt.Archives[container.ID] = []byte("generated-rdb")

	var generateCalled bool
	rt.ExecFunc = func(id string, cmd []string, env []string) (int, []byte, error) {
		if cmd[0] == "test" {
			return 1, nil, nil
		}
		generateCalled = true
		return 0, nil, nil
	}

	outPath := filepath.Join(t.TempDir(), "out.rdb.gz")
	err := Dump(context.Background(), rt, container, types.DatabaseRedis, types.Credentials{}, outPath)
	require.NoError(t, err)
	assert.True(t, generateCalled)
}

func TestDumpSQLiteFallsBackToRawFileWithoutBinary(t *testing.T) {
	rt := runtime.NewMockRuntime()
	container := types.Container{ID: "cont1", Name: "db"}
	rt.Containers[container.ID] = container
	rt.Archives[container.ID] = []byte("raw-sqlite-bytes")

	rt.ExecFunc = func(id string, cmd []string, env []string) (int, []byte, error) {
		switch cmd[0] {
		case "find":
			return 0, []byte("/config/app.db\n"), nil
		case "which":
			return 1, nil, nil
		}
		return 0, nil, nil
	}

	outPath := filepath.Join(t.TempDir(), "out.db.gz")
	err := Dump(context.Background(), rt, container, types.DatabaseSQLite, types.Credentials{}, outPath)
	require.NoError(t, err)

	data := readGzipped(t, outPath)
	assert.Equal(t, "raw-sqlite-bytes", string(data))
}

func TestDumpSQLiteNoFileFoundErrors(t *testing.T) {
	rt := runtime.NewMockRuntime()
	container := types.Container{ID: "cont1", Name: "db"}
	rt.Containers[container.ID] = container

	rt.ExecFunc = func(id string, cmd []string, env []string) (int, []byte, error) {
		return 1, nil, nil
	}

	outPath := filepath.Join(t.TempDir(), "out.db.gz")
	err := Dump(context.Background(), rt, container, types.DatabaseSQLite, types.Credentials{}, outPath)
	assert.ErrorIs(t, err, types.ErrInvalidCredentialInput)
}

func TestDumpRejectsInjectionInCredentials(t *testing.T) {
	rt := runtime.NewMockRuntime()
	container := types.Container{ID: "cont1", Name: "db"}
	rt.Containers[container.ID] = container

	outPath := filepath.Join(t.TempDir(), "out.sql.gz")
	err := Dump(context.Background(), rt, container, types.DatabasePostgres, types.Credentials{User: "app;rm -rf /", Database: "appdb"}, outPath)
	assert.ErrorIs(t, err, types.ErrInvalidCredentialInput)
}

func TestDumpUnsupportedTypeErrors(t *testing.T) {
	rt := runtime.NewMockRuntime()
	container := types.Container{ID: "cont1", Name: "db"}
	rt.Containers[container.ID] = container

	outPath := filepath.Join(t.TempDir(), "out.sql.gz")
	err := Dump(context.Background(), rt, container, types.DatabaseNone, types.Credentials{}, outPath)
	assert.ErrorIs(t, err, types.ErrInvalidCredentialInput)
}
