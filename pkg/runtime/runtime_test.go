package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateContainerIDAcceptsNamesAndHexIDs(t *testing.T) {
	assert.NoError(t, ValidateContainerID("wordpress_db_1"))
	assert.NoError(t, ValidateContainerID("a1b2c3d4e5f6"))
	assert.NoError(t, ValidateContainerID("abcdef0123456789abcdef0123456789abcdef0123456789abcdef01234567"))
}

func TestValidateContainerIDRejectsShellMetacharacters(t *testing.T) {
	cases := []string{"foo;bar", "foo|bar", "foo$bar", "../etc/passwd", ""}
	for _, c := range cases {
		assert.Error(t, ValidateContainerID(c), c)
	}
}

func TestMockRuntimeListRunningContainersFiltersStatus(t *testing.T) {
	rt := NewMockRuntime()
	rt.Containers["running1"] = types.Container{ID: "running1", Status: types.ContainerStatusRunning}
	rt.Containers["exited1"] = types.Container{ID: "exited1", Status: types.ContainerStatusExited}

	containers, err := rt.ListRunningContainers(context.Background())
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "running1", containers[0].ID)
}

func TestMockRuntimeInspectRejectsInvalidID(t *testing.T) {
	rt := NewMockRuntime()
	_, err := rt.Inspect(context.Background(), "bad;id")
	assert.Error(t, err)
}

func TestMockRuntimeInspectUnknownContainer(t *testing.T) {
	rt := NewMockRuntime()
	_, err := rt.Inspect(context.Background(), "unknown1")
	assert.Error(t, err)
}

func TestMockRuntimeStopAndStartTrackCalls(t *testing.T) {
	rt := NewMockRuntime()
	rt.Containers["c1"] = types.Container{ID: "c1", Status: types.ContainerStatusRunning}

	require.NoError(t, rt.Stop(context.Background(), "c1", time.Second))
	assert.Equal(t, []string{"c1"}, rt.Stopped)
	assert.Equal(t, types.ContainerStatusExited, rt.Containers["c1"].Status)

	require.NoError(t, rt.Start(context.Background(), "c1"))
	assert.Equal(t, []string{"c1"}, rt.Started)
	assert.Equal(t, types.ContainerStatusRunning, rt.Containers["c1"].Status)
}

func TestMockRuntimeReadOnlyRejectsMutation(t *testing.T) {
	rt := NewMockRuntime()
	rt.ReadOnly = true
	rt.Containers["c1"] = types.Container{ID: "c1", Status: types.ContainerStatusRunning}

	assert.Error(t, rt.Stop(context.Background(), "c1", time.Second))
	assert.Error(t, rt.Start(context.Background(), "c1"))
}

func TestMockRuntimeStreamArchiveReturnsConfiguredBytes(t *testing.T) {
	rt := NewMockRuntime()
	rt.Archives["c1"] = []byte("archive-bytes")

	rc, err := rt.StreamArchive(context.Background(), "c1", "/data")
	require.NoError(t, err)
	defer rc.Close()

	data := make([]byte, len("archive-bytes"))
	n, _ := rc.Read(data)
	assert.Equal(t, "archive-bytes", string(data[:n]))
}

func TestMockRuntimeExecUsesCustomFuncWhenSet(t *testing.T) {
	rt := NewMockRuntime()
	rt.ExecFunc = func(id string, cmd []string, env []string) (int, []byte, error) {
		return 7, []byte("custom output"), nil
	}

	code, out, err := rt.Exec(context.Background(), "c1", []string{"echo"}, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, "custom output", string(out))
}
