// Package pipeline implements the Service Backup Engine (C7): the
// per-service state machine that classifies containers, optionally
// quiesces them, dumps databases and files, assembles the archive, and
// restores whatever it stopped.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/archive"
	"github.com/cuemby/vaultkeeper/pkg/credentials"
	"github.com/cuemby/vaultkeeper/pkg/dbdump"
	"github.com/cuemby/vaultkeeper/pkg/filedump"
	"github.com/cuemby/vaultkeeper/pkg/log"
	"github.com/cuemby/vaultkeeper/pkg/runtime"
	"github.com/cuemby/vaultkeeper/pkg/types"
	"github.com/rs/zerolog"
)

// State is one node of the backup state machine.
type State string

const (
	StateIdle      State = "IDLE"
	StateClassify  State = "CLASSIFY"
	StateQuiesce   State = "QUIESCE"
	StateDumpDBs   State = "DUMP_DBS"
	StateDumpFiles State = "DUMP_FILES"
	StateAssemble  State = "ASSEMBLE"
	StateRestore   State = "RESTORE"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// Timeouts assigned to QUIESCE/RESTORE per spec.md §5.
const (
	stopGrace      = 30 * time.Second
	startWait      = 60 * time.Second
	startWaitRetry = 120 * time.Second
	pollInterval   = 2 * time.Second
)

// dbFamilyPatterns matches an image reference against a known database
// family for CLASSIFY and hot-backup eligibility, when no explicit
// container_patterns are configured.
var dbFamilyPatterns = []string{"postgres", "pgvecto", "mysql", "mariadb", "mongo", "redis", "sqlite"}

// RegistryLookup is the subset of the Registry Adapter the pipeline
// needs to resolve a service's env for credential extraction.
type RegistryLookup interface {
	ListStacks(ctx context.Context) (map[string]string, error)
	GetStackEnv(ctx context.Context, name string, stacks map[string]string) (map[string]string, error)
}

// HealthCheckFunc reports whether a container is healthy, consulted
// during RESTORE when the container declares a healthcheck. A nil
// HealthCheckFunc is treated as always-healthy.
type HealthCheckFunc func(ctx context.Context, container types.Container) bool

// Engine runs the Service Backup Engine for one service at a time; it
// holds no per-service state between calls, so one Engine is shared
// safely across the Backup Manager's worker pool.
type Engine struct {
	rt                  runtime.ContainerRuntime
	registry            RegistryLookup
	scratchDir          string
	backupDir           string
	selfNames           map[string]bool
	healthFn            HealthCheckFunc
	excludeMountPaths   []string
	backupMethod        string
	maxContainerSizeMB  int64
}

// EngineOption configures optional Engine behavior not needed by every
// caller, following the same pattern as runtime.Option.
type EngineOption func(*Engine)

// WithExcludeMountPaths adds EXCLUDE_MOUNT_PATHS entries, applied to
// every service's file backup in addition to its own exclusions. Each
// entry is matched like a service exclusion (exact path, parent path or
// glob); an entry that is only a substring of a data path excludes
// nothing.
func WithExcludeMountPaths(paths []string) EngineOption {
	return func(e *Engine) {
		e.excludeMountPaths = paths
	}
}

// WithBackupMethod sets BACKUP_METHOD ("mounts" or "container_cp"). An
// empty value leaves the default ("mounts") in place.
func WithBackupMethod(method string) EngineOption {
	return func(e *Engine) {
		if method != "" {
			e.backupMethod = method
		}
	}
}

// WithMaxContainerBackupSize sets MAX_CONTAINER_BACKUP_SIZE in MB. Zero
// disables the per-container size cap.
func WithMaxContainerBackupSize(mb int64) EngineOption {
	return func(e *Engine) {
		e.maxContainerSizeMB = mb
	}
}

// NewEngine constructs an Engine. selfServiceNames comes from
// BACKUP_SERVICE_NAMES and marks containers this process must never
// stop or back up.
func NewEngine(rt runtime.ContainerRuntime, registry RegistryLookup, backupDir, scratchRoot string, selfServiceNames []string, healthFn HealthCheckFunc, opts ...EngineOption) *Engine {
	self := make(map[string]bool, len(selfServiceNames))
	for _, n := range selfServiceNames {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			self[n] = true
		}
	}
	e := &Engine{
		rt:           rt,
		registry:     registry,
		backupDir:    backupDir,
		scratchDir:   scratchRoot,
		selfNames:    self,
		healthFn:     healthFn,
		backupMethod: "mounts",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of one pipeline run.
type Result struct {
	Service      string
	Success      bool
	ArchivePath  string
	BytesWritten int64
	FinalState   State
	Errors       []string
}

// Run executes the full state machine for svc and returns its outcome.
// Success requires ASSEMBLE to complete; RESTORE always runs regardless
// of earlier failures, restoring the running-container set to its state
// at entry on both the success and failure paths.
func (e *Engine) Run(ctx context.Context, svc types.Service, backupName string) Result {
	logger := log.WithService(svc.Name)
	result := Result{Service: svc.Name, FinalState: StateClassify}

	classify(&svc)

	var stoppedContainers []types.Container
	if svc.Config.Database.RequiresStopping || svc.Config.Files.RequiresStopping {
		result.FinalState = StateQuiesce
		stoppedContainers = e.quiesce(ctx, svc, logger)
	}

	scratchPath := filepath.Join(e.scratchDir, fmt.Sprintf("%s-%d", svc.Name, time.Now().UnixNano()))
	if err := os.MkdirAll(scratchPath, 0o755); err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.FinalState = StateFailed
		e.restore(ctx, stoppedContainers, logger)
		return result
	}
	defer os.RemoveAll(scratchPath)

	result.FinalState = StateDumpDBs
	dbOK := e.dumpDatabases(ctx, svc, scratchPath, logger, &result)

	result.FinalState = StateDumpFiles
	filesOK := e.dumpFiles(ctx, svc, scratchPath, logger, &result)

	result.FinalState = StateAssemble
	noArtifactsExpected := len(svc.DBContainers) == 0 && len(svc.AppContainers) == 0
	var archiveErr error
	if dbOK || filesOK || noArtifactsExpected {
		archiveErr = e.assemble(svc, scratchPath, backupName, &result)
	} else {
		archiveErr = fmt.Errorf("no artifacts produced for service %s", svc.Name)
		result.Errors = append(result.Errors, archiveErr.Error())
	}

	result.FinalState = StateRestore
	e.restore(ctx, stoppedContainers, logger)

	if archiveErr == nil {
		result.Success = true
		result.FinalState = StateDone
	} else {
		result.FinalState = StateFailed
	}

	return result
}

// classify partitions svc.Containers into DBContainers and AppContainers.
func classify(svc *types.Service) {
	patterns := svc.Config.Database.ContainerPatterns
	for _, c := range svc.Containers {
		if matchesDBFamily(c, patterns) {
			svc.DBContainers = append(svc.DBContainers, c)
		} else {
			svc.AppContainers = append(svc.AppContainers, c)
		}
	}
}

func matchesDBFamily(c types.Container, patterns []string) bool {
	lowerName := strings.ToLower(c.Name)
	for _, p := range patterns {
		if ok, _ := filepath.Match(strings.ToLower(p), lowerName); ok {
			return true
		}
	}
	return imageIsDBFamily(c.Image)
}

func imageIsDBFamily(image string) bool {
	lower := strings.ToLower(image)
	for _, fam := range dbFamilyPatterns {
		if strings.Contains(lower, fam) {
			return true
		}
	}
	return false
}

// quiesce stops containers in reverse input order, skipping this
// process's own containers and containers that support hot backup.
// Stopped containers are returned in input order (the reverse of the
// order they were stopped), so restore can replay them forward.
func (e *Engine) quiesce(ctx context.Context, svc types.Service, logger zerolog.Logger) []types.Container {
	var stopped []types.Container
	for i := len(svc.Containers) - 1; i >= 0; i-- {
		c := svc.Containers[i]
		if e.isSelf(c) || supportsHotBackup(c) {
			continue
		}
		if err := e.rt.Stop(ctx, c.ID, stopGrace); err != nil {
			logger.Warn().Err(err).Str("container", c.Name).Msg("failed to stop container during quiesce")
			continue
		}
		stopped = append([]types.Container{c}, stopped...)
	}
	return stopped
}

func supportsHotBackup(c types.Container) bool {
	if strings.EqualFold(c.Labels["backup.hot"], "true") {
		return true
	}
	return imageIsDBFamily(c.Image)
}

// isSelf detects whether c is this process's own container, via
// hostname, env HOSTNAME, or configured BACKUP_SERVICE_NAMES. Any
// positive signal is treated as self, per spec.md §9's conservative
// resolution of the original's ambiguous precedence.
func (e *Engine) isSelf(c types.Container) bool {
	hostname, _ := os.Hostname()
	if hostname != "" && strings.EqualFold(c.Name, hostname) {
		return true
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == "HOSTNAME" && hostname != "" && strings.EqualFold(v, hostname) {
			return true
		}
	}
	for name := range e.selfNames {
		if strings.Contains(strings.ToLower(c.Name), name) {
			return true
		}
	}
	return false
}

// dumpDatabases invokes the Database Dumper for every db container.
// Success requires at least one database to succeed, or there being no
// db containers at all.
func (e *Engine) dumpDatabases(ctx context.Context, svc types.Service, scratchPath string, logger zerolog.Logger, result *Result) bool {
	if len(svc.DBContainers) == 0 {
		return true
	}

	dbDir := filepath.Join(scratchPath, "databases")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return false
	}

	env := e.resolveServiceEnv(ctx, svc.Name)

	succeeded := 0
	for _, c := range svc.DBContainers {
		dbType := svc.Config.Database.Type
		if dbType == "" {
			dbType = dbdump.DetectFlavorWithProbe(ctx, e.rt, c.ID, c.Image)
		}
		if dbType == "" {
			logger.Warn().Str("container", c.Name).Msg("could not determine database flavor, skipping")
			continue
		}

		creds := svc.Config.Database.Credentials
		var resolved types.Credentials
		if creds != nil {
			resolved = *creds
		} else {
			resolved = credentials.Resolve(env, dbType, svc.Name)
		}

		outPath := filepath.Join(dbDir, c.Name+".sql.gz")
		if err := dbdump.Dump(ctx, e.rt, c, dbType, resolved, outPath); err != nil {
			logger.Warn().Err(err).Str("container", c.Name).Msg("database dump failed")
			result.Errors = append(result.Errors, fmt.Sprintf("db dump %s: %v", c.Name, err))
			continue
		}
		if e.overCapLimit(outPath, logger, c.Name, result) {
			continue
		}
		succeeded++
	}

	return succeeded > 0
}

// overCapLimit enforces MAX_CONTAINER_BACKUP_SIZE: when path exceeds the
// configured cap, it deletes path, records the failure, and reports true
// so the caller drops the container instead of counting it a success. A
// zero cap disables the check.
func (e *Engine) overCapLimit(path string, logger zerolog.Logger, containerName string, result *Result) bool {
	if e.maxContainerSizeMB <= 0 {
		return false
	}
	sizeMB, err := dirSizeMB(path)
	if err != nil {
		return false
	}
	if sizeMB <= e.maxContainerSizeMB {
		return false
	}
	logger.Warn().Str("container", containerName).Int64("size_mb", sizeMB).Int64("limit_mb", e.maxContainerSizeMB).
		Msg("container backup exceeded size cap, discarding")
	result.Errors = append(result.Errors, fmt.Sprintf("%s: backup size %dMB exceeds cap %dMB", containerName, sizeMB, e.maxContainerSizeMB))
	os.RemoveAll(path)
	return true
}

// dirSizeMB returns the total size in MB of path, walking it if it's a
// directory.
func dirSizeMB(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total / (1024 * 1024), nil
}

// dumpFiles invokes the File Dumper for every app container.
func (e *Engine) dumpFiles(ctx context.Context, svc types.Service, scratchPath string, logger zerolog.Logger, result *Result) bool {
	if len(svc.AppContainers) == 0 {
		return true
	}

	filesDir := filepath.Join(scratchPath, "files")
	exclusions := append(append([]string{}, svc.Config.Files.Exclusions...), e.excludeMountPaths...)

	succeeded := 0
	for _, c := range svc.AppContainers {
		containerScratch := filepath.Join(filesDir, c.Name)
		if err := os.MkdirAll(containerScratch, 0o755); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if err := filedump.Backup(ctx, e.rt, c, svc.Config.Files.DataPaths, exclusions, containerScratch, e.backupMethod); err != nil {
			logger.Warn().Err(err).Str("container", c.Name).Msg("file backup failed")
			result.Errors = append(result.Errors, fmt.Sprintf("file dump %s: %v", c.Name, err))
			continue
		}
		if entries, err := os.ReadDir(containerScratch); err != nil || len(entries) == 0 {
			logger.Warn().Str("container", c.Name).Msg("file backup collected no data paths")
			result.Errors = append(result.Errors, fmt.Sprintf("file dump %s: no data paths collected", c.Name))
			continue
		}
		if e.overCapLimit(containerScratch, logger, c.Name, result) {
			continue
		}
		succeeded++
	}

	return succeeded > 0
}

// metadata is written alongside the archived artifacts to record what
// produced them.
type metadata struct {
	Service    string            `json:"service"`
	Timestamp  time.Time         `json:"timestamp"`
	Containers []string          `json:"containers"`
	Config     types.ServiceConfig `json:"config"`
}

func (e *Engine) assemble(svc types.Service, scratchPath, backupName string, result *Result) error {
	names := make([]string, 0, len(svc.Containers))
	for _, c := range svc.Containers {
		names = append(names, c.Name)
	}
	meta := metadata{
		Service:    svc.Name,
		Timestamp:  time.Now(),
		Containers: names,
		Config:     svc.Config,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal metadata: %v", types.ErrArchiveWrite, err)
	}
	if err := os.WriteFile(filepath.Join(scratchPath, "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write metadata: %v", types.ErrArchiveWrite, err)
	}

	outPath := filepath.Join(e.backupDir, backupName)
	if err := archive.Create(scratchPath, outPath, svc.Config.Files.Exclusions); err != nil {
		return err
	}

	info, statErr := os.Stat(outPath)
	result.ArchivePath = outPath
	if statErr == nil {
		result.BytesWritten = info.Size()
	}
	return nil
}

// restore restarts every remembered-stopped container in order, waiting
// up to startWait for status=running and non-unhealthy if a health
// check is configured, with one retry at a longer timeout on failure.
// Failures here are logged but never regress an otherwise successful
// pipeline.
func (e *Engine) restore(ctx context.Context, stopped []types.Container, logger zerolog.Logger) {
	for _, c := range stopped {
		if err := e.startAndWait(ctx, c, startWait); err != nil {
			logger.Warn().Err(err).Str("container", c.Name).Msg("restore failed, retrying with longer timeout")
			if err := e.startAndWait(ctx, c, startWaitRetry); err != nil {
				logger.Error().Err(err).Str("container", c.Name).Msg("restore ultimately failed, manual intervention required")
			}
		}
	}
}

func (e *Engine) startAndWait(ctx context.Context, c types.Container, timeout time.Duration) error {
	if err := e.rt.Start(ctx, c.ID); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		current, err := e.rt.Inspect(ctx, c.ID)
		if err == nil && current.Status == types.ContainerStatusRunning {
			if e.healthFn == nil || e.healthFn(ctx, current) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return fmt.Errorf("%w: container %s did not reach running/healthy within %s", types.ErrTimeoutExceeded, c.Name, timeout)
}

// resolveServiceEnv fetches the service's registry env, returning an
// empty map (never an error) on registry failure, per spec.md §7's
// RegistryUnavailable handling: the pipeline proceeds with empty env
// and lets credential extraction fail visibly instead.
func (e *Engine) resolveServiceEnv(ctx context.Context, serviceName string) map[string]string {
	if e.registry == nil {
		return map[string]string{}
	}
	stacks, err := e.registry.ListStacks(ctx)
	if err != nil {
		return map[string]string{}
	}
	env, err := e.registry.GetStackEnv(ctx, serviceName, stacks)
	if err != nil {
		return map[string]string{}
	}
	return env
}
