package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ContainerExecutor is the minimal capability ExecChecker needs to run a
// command inside a container; satisfied by runtime.ContainerRuntime.
type ContainerExecutor interface {
	Exec(ctx context.Context, id string, cmd []string, env []string, timeout time.Duration) (exitCode int, output []byte, err error)
}

// ExecChecker performs exec-based health checks by running a command
// either on the host or, when ContainerID and Runtime are set, inside a
// container via the Runtime Adapter.
type ExecChecker struct {
	// Command is the command to execute (e.g., ["pg_isready", "-U", "postgres"])
	Command []string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration

	// ContainerID is the ID of the container to exec into.
	// If empty, runs on host (useful for testing).
	ContainerID string

	// Runtime performs the in-container exec when ContainerID is set.
	Runtime ContainerExecutor
}

// NewExecChecker creates a new exec health checker.
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check performs the exec health check.
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if e.ContainerID != "" && e.Runtime != nil {
		return e.checkInContainer(ctx, start)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("Command: %v, Error: %v", e.Command, err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s, Stderr: %s", message, stderr.String())
		}
		return Result{Healthy: false, Message: message, CheckedAt: start, Duration: time.Since(start)}
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("Command: %v, Output: %s", e.Command, truncate(stdout.String())),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (e *ExecChecker) checkInContainer(ctx context.Context, start time.Time) Result {
	code, output, err := e.Runtime.Exec(ctx, e.ContainerID, e.Command, nil, e.Timeout)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("Command: %v, Error: %v", e.Command, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	if code != 0 {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("Command: %v, exit code %d, Output: %s", e.Command, code, truncate(string(output))),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("Command: %v, Output: %s", e.Command, truncate(string(output))),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func truncate(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}

// Type returns the health check type.
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout.
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

// WithContainer sets the container ID and runtime for in-container exec.
func (e *ExecChecker) WithContainer(containerID string, rt ContainerExecutor) *ExecChecker {
	e.ContainerID = containerID
	e.Runtime = rt
	return e
}
