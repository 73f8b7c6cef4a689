// Package types holds the domain model shared across vaultkeeper's
// packages: the read-only container/stack view consumed from the
// runtime and registry, the per-service configuration produced by the
// config resolver, and the archive/lock records that are the contract
// between the backup pipeline and the retention engine.
package types

import (
	"errors"
	"time"
)

// Sentinel error kinds. These are the error kinds the core distinguishes;
// callers use errors.Is against them rather than matching strings.
var (
	ErrRegistryUnavailable    = errors.New("registry unavailable")
	ErrRuntimeUnavailable     = errors.New("runtime unavailable")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrCommandFailed          = errors.New("command failed")
	ErrInvalidCredentialInput = errors.New("invalid credential input")
	ErrLockHeld               = errors.New("lock held by another process")
	ErrArchiveWrite           = errors.New("archive write failed")
	ErrTimeoutExceeded        = errors.New("timeout exceeded")
	ErrConfigInvalid          = errors.New("config invalid")
)

// CommandFailedError wraps ErrCommandFailed with the process's exit code
// and captured output, as spec.md's CommandFailed(exit_code, output).
type CommandFailedError struct {
	ExitCode int
	Output   []byte
}

func (e *CommandFailedError) Error() string {
	return "command failed with exit code " + itoa(e.ExitCode)
}

func (e *CommandFailedError) Unwrap() error { return ErrCommandFailed }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// MountType mirrors the runtime's mount type vocabulary.
type MountType string

const (
	MountTypeBind   MountType = "bind"
	MountTypeVolume MountType = "volume"
	MountTypeTmpfs  MountType = "tmpfs"
)

// Mount describes one mount point reported by the runtime for a container.
type Mount struct {
	Type        MountType
	Source      string
	Destination string
	Mode        string
	RW          bool
}

// ContainerStatus is the runtime-reported lifecycle state of a container.
type ContainerStatus string

const (
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusExited  ContainerStatus = "exited"
	ContainerStatusPaused  ContainerStatus = "paused"
	ContainerStatusUnknown ContainerStatus = "unknown"
)

// Container is the read-only view of a running (or recently running)
// container that the core consumes from the Runtime Adapter. Nothing in
// this struct is a back-pointer into a Service; services reference
// containers by ID and re-fetch details as needed.
type Container struct {
	ID        string
	Name      string
	Image     string
	Status    ContainerStatus
	Labels    map[string]string
	Env       []string // ordered "K=V" entries
	Mounts    []Mount
	CreatedAt time.Time
}

// Stack is the registry-side representation of a service: its resolved
// environment is the source credentials are extracted from.
type Stack struct {
	Name string
	ID   string
	Env  map[string]string // references already resolved
}

// DatabaseType enumerates the database flavors the dumper understands.
type DatabaseType string

const (
	DatabaseNone     DatabaseType = ""
	DatabasePostgres DatabaseType = "postgres"
	DatabaseMySQL    DatabaseType = "mysql"
	DatabaseMariaDB  DatabaseType = "mariadb"
	DatabaseSQLite   DatabaseType = "sqlite"
	DatabaseMongoDB  DatabaseType = "mongodb"
	DatabaseRedis    DatabaseType = "redis"
)

// Credentials are the fields the Credential Resolver can extract. All
// fields are optional except where a flavor's dump protocol requires
// them (see pkg/dbdump).
type Credentials struct {
	User     string
	Password string
	Database string
	Host     string
	Port     int
}

// DatabaseConfig is the database section of a ServiceConfig.
type DatabaseConfig struct {
	Type              DatabaseType
	RequiresStopping  bool
	ContainerPatterns []string // globs, matched case-insensitively against container name
	Credentials       *Credentials
}

// FilesConfig is the files section of a ServiceConfig.
type FilesConfig struct {
	DataPaths        []string
	RequiresStopping bool
	Exclusions       []string
}

// MixedRetention keeps the newest backup of each day/week/month bucket.
type MixedRetention struct {
	Daily   int
	Weekly  int
	Monthly int
}

// GlobalConfig is the global section of a ServiceConfig.
type GlobalConfig struct {
	Priority          int // 1-100, lower runs first
	ExcludeFromBackup bool
	BackupRetention   *int // days; nil = use default
	MixedRetention    *MixedRetention
}

// ServiceConfig is the effective, post-merge configuration for one
// service, as produced by the Config Resolver (pkg/config).
type ServiceConfig struct {
	Database DatabaseConfig
	Files    FilesConfig
	Global   GlobalConfig
}

// Service is a discovered, not persisted, grouping of containers.
type Service struct {
	Name          string
	Containers    []Container
	Config        ServiceConfig
	DBContainers  []Container
	AppContainers []Container
}

// Archive describes one completed backup artifact.
type Archive struct {
	Path      string
	Service   string
	Timestamp time.Time
	Size      int64
}

// Lock is the on-disk exclusive-backup marker for one service.
type Lock struct {
	Service     string `json:"service"`
	BackupName  string `json:"backup_name"`
	TimestampNs int64  `json:"timestamp_unix"`
	PID         int    `json:"pid"`
	Hostname    string `json:"hostname"`
}

// RetentionKind enumerates the retention policy shapes of spec.md §3.
type RetentionKind string

const (
	RetentionTime  RetentionKind = "time"
	RetentionCount RetentionKind = "count"
	RetentionMixed RetentionKind = "mixed"
)

// RetentionPolicy is the resolved policy for one service, derived from
// ServiceConfig.Global by pkg/retention.
type RetentionPolicy struct {
	Kind  RetentionKind
	Days  int
	Count int
	Mixed MixedRetention
}

// HistoryRecord is one logged outcome of a service's backup pipeline,
// persisted by pkg/history for status reporting and audit. It
// supplements the archive-file listing with richer run metadata
// (duration, error text) that a bare directory listing cannot carry.
type HistoryRecord struct {
	Service      string
	ArchiveName  string
	StartedAt    time.Time
	FinishedAt   time.Time
	Success      bool
	Error        string
	BytesWritten int64
}
