// Package lock implements the Lock Manager (C10): file-backed exclusive
// backup locks with staleness detection, so two processes sharing a
// backup directory never run the same service's pipeline concurrently.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/log"
	"github.com/cuemby/vaultkeeper/pkg/types"
)

// staleAfter is how old a lock can get before it is considered
// abandoned regardless of whether its pid is still alive.
const staleAfter = 3 * time.Hour

// Manager owns the lock directory for one backup root.
type Manager struct {
	dir string
}

// New creates a Manager rooted at dir, creating dir if necessary.
func New(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir %s: %w", dir, err)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) path(service string) string {
	return filepath.Join(m.dir, service+".lock")
}

// Acquire creates an exclusive lock for service using O_EXCL create,
// returning the lock record on success. On contention it inspects the
// existing lock: if malformed, stale, or its (pid, hostname) is not
// alive, it is replaced; otherwise Acquire returns ErrLockHeld.
func (m *Manager) Acquire(service, backupName string) (*types.Lock, error) {
	logger := log.WithComponent("lock").With().Str("service", service).Logger()
	path := m.path(service)

	rec := &types.Lock{
		Service:     service,
		BackupName:  backupName,
		TimestampNs: time.Now().Unix(),
		PID:         os.Getpid(),
		Hostname:    hostname(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(path)
			return nil, fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
		}
		return rec, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	existing, readErr := m.read(service)
	if readErr != nil || isStale(existing) {
		if err := forceReplace(path, data); err != nil {
			return nil, err
		}
		logger.Warn().Msg("replaced stale lock")
		return rec, nil
	}

	return nil, fmt.Errorf("%w: service %s", types.ErrLockHeld, service)
}

// Release removes the lock for service. Best-effort and idempotent: a
// missing lock file is not an error.
func (m *Manager) Release(service string) error {
	err := os.Remove(m.path(service))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to release lock for %s: %w", service, err)
	}
	return nil
}

// List returns every currently-held (not necessarily live) lock record
// in the lock directory.
func (m *Manager) List() ([]types.Lock, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list lock dir: %w", err)
	}

	var locks []types.Lock
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lock" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec types.Lock
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		locks = append(locks, rec)
	}
	return locks, nil
}

// SweepStale removes every stale lock in the directory and returns how
// many were removed. Intended to run once at process startup.
func (m *Manager) SweepStale() (int, error) {
	locks, err := m.List()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, rec := range locks {
		if isStale(&rec) {
			if err := m.Release(rec.Service); err == nil {
				count++
			}
		}
	}
	return count, nil
}

func (m *Manager) read(service string) (*types.Lock, error) {
	data, err := os.ReadFile(m.path(service))
	if err != nil {
		return nil, err
	}
	var rec types.Lock
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("malformed lock file: %w", err)
	}
	return &rec, nil
}

// isStale reports whether rec should be treated as abandoned: malformed
// (nil), older than staleAfter, or its recorded (pid, hostname) is not
// alive on this host.
func isStale(rec *types.Lock) bool {
	if rec == nil {
		return true
	}
	age := time.Since(time.Unix(rec.TimestampNs, 0))
	if age > staleAfter {
		return true
	}
	if rec.Hostname != hostname() {
		// Can't check liveness of a pid on another host; trust the age check alone.
		return false
	}
	return !pidAlive(rec.PID)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness.
	return proc.Signal(syscall.Signal(0)) == nil
}

// forceReplace overwrites a stale lock via write-to-tmp-then-rename, so
// a reader of path never observes a partially written lock file.
func forceReplace(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create replacement lock file: %w", err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write replacement lock file: %w", errors.Join(werr, cerr))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace stale lock: %w", err)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
