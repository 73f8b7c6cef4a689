package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/types"
)

// MockRuntime is an in-memory ContainerRuntime used by tests across the
// pipeline, discovery, and dumper packages. It avoids any dependency on
// a real container runtime SDK.
type MockRuntime struct {
	mu         sync.Mutex
	Containers map[string]types.Container
	Archives   map[string][]byte // id -> tar bytes returned by StreamArchive
	ExecFunc   func(id string, cmd []string, env []string) (int, []byte, error)
	Stopped    []string
	Started    []string
	ReadOnly   bool
}

// NewMockRuntime creates an empty mock runtime.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		Containers: make(map[string]types.Container),
		Archives:   make(map[string][]byte),
	}
}

func (m *MockRuntime) ListRunningContainers(ctx context.Context) ([]types.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Container
	for _, c := range m.Containers {
		if c.Status == types.ContainerStatusRunning {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockRuntime) Inspect(ctx context.Context, id string) (types.Container, error) {
	if err := ValidateContainerID(id); err != nil {
		return types.Container{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Containers[id]
	if !ok {
		return types.Container{}, fmt.Errorf("no such container: %s", id)
	}
	return c, nil
}

func (m *MockRuntime) Exec(ctx context.Context, id string, cmd []string, env []string, timeout time.Duration) (int, []byte, error) {
	if err := ValidateContainerID(id); err != nil {
		return -1, nil, err
	}
	if m.ExecFunc != nil {
		return m.ExecFunc(id, cmd, env)
	}
	return 0, []byte("-- PostgreSQL database dump\n"), nil
}

func (m *MockRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	if m.ReadOnly {
		return fmt.Errorf("%w: stop rejected in read-only mode", types.ErrPermissionDenied)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stopped = append(m.Stopped, id)
	if c, ok := m.Containers[id]; ok {
		c.Status = types.ContainerStatusExited
		m.Containers[id] = c
	}
	return nil
}

func (m *MockRuntime) Start(ctx context.Context, id string) error {
	if m.ReadOnly {
		return fmt.Errorf("%w: start rejected in read-only mode", types.ErrPermissionDenied)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Started = append(m.Started, id)
	if c, ok := m.Containers[id]; ok {
		c.Status = types.ContainerStatusRunning
		m.Containers[id] = c
	}
	return nil
}

func (m *MockRuntime) StreamArchive(ctx context.Context, id string, path string) (io.ReadCloser, error) {
	if err := ValidateContainerID(id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	data := m.Archives[id]
	m.mu.Unlock()
	return io.NopCloser(bytes.NewReader(data)), nil
}

var _ ContainerRuntime = (*MockRuntime)(nil)
