package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/vaultkeeper/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace vaultkeeper operates in.
	DefaultNamespace = "vaultkeeper"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultExecTimeout is used when a caller does not specify one,
	// matching DOCKER_EXEC_TIMEOUT's default.
	DefaultExecTimeout = 300 * time.Second
)

// containerIDPattern validates container identifiers before any runtime
// call touches them, per spec.md §4.1: either a short human-friendly
// name or a hex container ID.
var containerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][\w.-]{1,63}$|^[a-f0-9]{12,64}$`)

// ValidateContainerID reports whether id is safe to pass to the runtime.
func ValidateContainerID(id string) error {
	if !containerIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid container id %q", types.ErrPermissionDenied, id)
	}
	return nil
}

// ContainerRuntime is the capability the core consumes: a small,
// read-mostly surface over the container runtime. Stop and Start are
// rejected in read-only mode; Exec and StreamArchive are not.
type ContainerRuntime interface {
	ListRunningContainers(ctx context.Context) ([]types.Container, error)
	Inspect(ctx context.Context, id string) (types.Container, error)
	Exec(ctx context.Context, id string, cmd []string, env []string, timeout time.Duration) (exitCode int, output []byte, err error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Start(ctx context.Context, id string) error
	StreamArchive(ctx context.Context, id string, path string) (io.ReadCloser, error)
}

// ContainerdRuntime implements ContainerRuntime on top of containerd.
type ContainerdRuntime struct {
	client      *containerd.Client
	namespace   string
	readOnly    bool
	execTimeout time.Duration // zero-timeout Exec calls fall back to this
	execMu      sync.Mutex    // serializes ephemeral-task teardown bookkeeping
	inflightID  int
}

// Option configures a ContainerdRuntime.
type Option func(*ContainerdRuntime)

// WithReadOnly overrides the default (on) read-only mode.
func WithReadOnly(readOnly bool) Option {
	return func(r *ContainerdRuntime) { r.readOnly = readOnly }
}

// WithExecTimeout overrides DefaultExecTimeout for Exec calls that
// don't specify their own timeout, matching DOCKER_EXEC_TIMEOUT.
func WithExecTimeout(timeout time.Duration) Option {
	return func(r *ContainerdRuntime) {
		if timeout > 0 {
			r.execTimeout = timeout
		}
	}
}

// NewContainerdRuntime creates a new containerd-backed runtime client.
// Read-only mode defaults to on, matching DOCKER_READ_ONLY's default.
func NewContainerdRuntime(socketPath string, opts ...Option) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to containerd: %v", types.ErrRuntimeUnavailable, err)
	}

	r := &ContainerdRuntime{
		client:      client,
		namespace:   DefaultNamespace,
		readOnly:    true,
		execTimeout: DefaultExecTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// ListRunningContainers returns every running container in the namespace.
func (r *ContainerdRuntime) ListRunningContainers(ctx context.Context) ([]types.Container, error) {
	ctx = r.ns(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]types.Container, 0, len(containers))
	for _, c := range containers {
		info, err := r.describe(ctx, c)
		if err != nil {
			continue
		}
		if info.Status != types.ContainerStatusRunning {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// Inspect returns the full env/mounts/labels/image view of one container.
func (r *ContainerdRuntime) Inspect(ctx context.Context, id string) (types.Container, error) {
	if err := ValidateContainerID(id); err != nil {
		return types.Container{}, err
	}
	ctx = r.ns(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return types.Container{}, fmt.Errorf("failed to load container %s: %w", id, err)
	}
	return r.describe(ctx, c)
}

func (r *ContainerdRuntime) describe(ctx context.Context, c containerd.Container) (types.Container, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return types.Container{}, fmt.Errorf("failed to get container info: %w", err)
	}

	spec, err := c.Spec(ctx)
	if err != nil {
		return types.Container{}, fmt.Errorf("failed to get container spec: %w", err)
	}

	status := types.ContainerStatusExited
	if task, err := c.Task(ctx, nil); err == nil {
		if st, err := task.Status(ctx); err == nil && st.Status == containerd.Running {
			status = types.ContainerStatusRunning
		}
	}

	var env []string
	var mounts []types.Mount
	if spec.Process != nil {
		env = append(env, spec.Process.Env...)
	}
	for _, m := range spec.Mounts {
		mounts = append(mounts, types.Mount{
			Type:        types.MountType(m.Type),
			Source:      m.Source,
			Destination: m.Destination,
			RW:          !containsOpt(m.Options, "ro"),
		})
	}

	return types.Container{
		ID:        c.ID(),
		Name:      c.ID(),
		Image:     info.Image,
		Status:    status,
		Labels:    info.Labels,
		Env:       env,
		Mounts:    mounts,
		CreatedAt: info.CreatedAt,
	}, nil
}

func containsOpt(opts []string, want string) bool {
	for _, o := range opts {
		if o == want {
			return true
		}
	}
	return false
}

// Exec runs cmd inside the container's mount/pid namespace as an
// ephemeral process, capturing stdout+stderr and the exit code. Used by
// both the database dumper (to invoke dump tools) and the file dumper
// (to probe which data paths exist). StreamArchive runs its own
// ephemeral tar process rather than going through Exec.
func (r *ContainerdRuntime) Exec(ctx context.Context, id string, cmd []string, env []string, timeout time.Duration) (int, []byte, error) {
	if err := ValidateContainerID(id); err != nil {
		return -1, nil, err
	}
	if len(cmd) == 0 {
		return -1, nil, fmt.Errorf("exec: empty command")
	}
	if timeout <= 0 {
		timeout = r.execTimeout
	}
	ctx = r.ns(ctx)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := r.client.LoadContainer(execCtx, id)
	if err != nil {
		return -1, nil, fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := c.Task(execCtx, nil)
	if err != nil {
		return -1, nil, fmt.Errorf("container %s has no running task: %w", id, err)
	}

	var out bytes.Buffer
	execID := r.nextExecID()
	process, err := task.Exec(execCtx, execID, &specs.Process{
		Args: cmd,
		Env:  env,
		Cwd:  "/",
	}, cio.NewCreator(cio.WithStreams(nil, &out, &out)))
	if err != nil {
		return -1, nil, fmt.Errorf("failed to create exec process: %w", err)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(execCtx)
	if err != nil {
		return -1, nil, fmt.Errorf("failed to wait on exec process: %w", err)
	}

	if err := process.Start(execCtx); err != nil {
		return -1, nil, fmt.Errorf("failed to start exec process: %w", err)
	}

	select {
	case status := <-statusC:
		code := int(status.ExitCode())
		return code, out.Bytes(), nil
	case <-execCtx.Done():
		_ = process.Kill(ctx, syscall.SIGKILL)
		return -1, out.Bytes(), fmt.Errorf("%w: exec timed out after %s", types.ErrTimeoutExceeded, timeout)
	}
}

func (r *ContainerdRuntime) nextExecID() string {
	r.execMu.Lock()
	defer r.execMu.Unlock()
	r.inflightID++
	return fmt.Sprintf("vk-exec-%d", r.inflightID)
}

// Stop sends SIGTERM then, after grace, SIGKILL to the container's task.
// Rejected in read-only mode.
func (r *ContainerdRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	if r.readOnly {
		return fmt.Errorf("%w: stop rejected in read-only mode", types.ErrPermissionDenied)
	}
	if err := ValidateContainerID(id); err != nil {
		return err
	}
	ctx = r.ns(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil // idempotent: not running
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// Start recreates and starts a task for a previously-stopped container.
// Rejected in read-only mode.
func (r *ContainerdRuntime) Start(ctx context.Context, id string) error {
	if r.readOnly {
		return fmt.Errorf("%w: start rejected in read-only mode", types.ErrPermissionDenied)
	}
	if err := ValidateContainerID(id); err != nil {
		return err
	}
	ctx = r.ns(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	if _, err := c.Task(ctx, nil); err == nil {
		return nil // idempotent: already running
	}

	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// Status returns the current observed state of a container. It is not
// part of ContainerRuntime; the backup pipeline's RESTORE step reads a
// container's status through Inspect instead.
func (r *ContainerdRuntime) Status(ctx context.Context, id string) (types.ContainerStatus, error) {
	if err := ValidateContainerID(id); err != nil {
		return types.ContainerStatusUnknown, err
	}
	ctx = r.ns(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return types.ContainerStatusUnknown, fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := c.Task(ctx, nil)
	if err != nil {
		return types.ContainerStatusExited, nil
	}
	st, err := task.Status(ctx)
	if err != nil {
		return types.ContainerStatusUnknown, fmt.Errorf("failed to get task status: %w", err)
	}
	switch st.Status {
	case containerd.Running:
		return types.ContainerStatusRunning, nil
	case containerd.Paused:
		return types.ContainerStatusPaused, nil
	default:
		return types.ContainerStatusExited, nil
	}
}

// StreamArchive tars the given in-container path and returns its bytes
// as a stream, by running `tar -cf - <path>` as an ephemeral exec and
// piping its stdout back to the caller. Used by the File Dumper for
// paths that are not reachable via a host-side bind mount.
func (r *ContainerdRuntime) StreamArchive(ctx context.Context, id string, path string) (io.ReadCloser, error) {
	if err := ValidateContainerID(id); err != nil {
		return nil, err
	}
	ctx = r.ns(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", id, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("container %s has no running task: %w", id, err)
	}

	pr, pw := io.Pipe()
	execID := r.nextExecID()
	process, err := task.Exec(ctx, execID, &specs.Process{
		Args: []string{"tar", "-cf", "-", "-C", "/", path},
		Cwd:  "/",
	}, cio.NewCreator(cio.WithStreams(nil, pw, io.Discard)))
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to create archive exec: %w", err)
	}

	statusC, err := process.Wait(ctx)
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to wait on archive exec: %w", err)
	}
	if err := process.Start(ctx); err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to start archive exec: %w", err)
	}

	go func() {
		<-statusC
		process.Delete(context.Background())
		pw.Close()
	}()

	return pr, nil
}
