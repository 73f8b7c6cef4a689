// Package manager implements the Backup Manager (C12): discovers
// services, dispatches each into a bounded worker pool running the
// Service Backup Engine, and sweeps retention after the wave.
package manager

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/config"
	"github.com/cuemby/vaultkeeper/pkg/discovery"
	"github.com/cuemby/vaultkeeper/pkg/history"
	"github.com/cuemby/vaultkeeper/pkg/lock"
	"github.com/cuemby/vaultkeeper/pkg/log"
	"github.com/cuemby/vaultkeeper/pkg/metrics"
	"github.com/cuemby/vaultkeeper/pkg/pipeline"
	"github.com/cuemby/vaultkeeper/pkg/retention"
	"github.com/cuemby/vaultkeeper/pkg/types"
	containerruntime "github.com/cuemby/vaultkeeper/pkg/runtime"
	"github.com/rs/zerolog"
)

const defaultRetentionDays = 7

// Manager orchestrates backup waves across every discovered service.
type Manager struct {
	rt                       containerruntime.ContainerRuntime
	registry                 pipeline.RegistryLookup
	configRes                *config.Resolver
	lockMgr                  *lock.Manager
	retentionEng             *retention.Engine
	historyStore             *history.Store
	backupDir                string
	scratchDir               string
	maxWorkers               int
	selfNames                []string
	stackNames               []string
	excludeNames             []string
	excludeMountPaths        []string
	backupMethod             string
	minRequiredSpaceMB       int64
	maxContainerBackupSizeMB int64
	healthFn                 pipeline.HealthCheckFunc
	defaultPolicy            types.RetentionPolicy
}

// Config carries the settings needed to build a Manager.
type Config struct {
	Runtime       containerruntime.ContainerRuntime
	Registry      pipeline.RegistryLookup
	ConfigRes     *config.Resolver
	HistoryStore  *history.Store
	BackupDir     string
	ScratchDir    string
	MaxWorkers    int
	SelfNames     []string
	StackNames    []string
	HealthFn      pipeline.HealthCheckFunc
	RetentionDays int

	// ExcludeServiceNames is EXCLUDE_FROM_BACKUP: service names (already
	// lower-cased) never backed up regardless of per-service config.
	ExcludeServiceNames []string

	// ExcludeMountPaths is EXCLUDE_MOUNT_PATHS: paths or globs excluded
	// from every service's file backup, in addition to its own
	// exclusions. They match as exact path, parent path or glob; a bare
	// substring of a data path does not exclude it.
	ExcludeMountPaths []string

	// BackupMethod is BACKUP_METHOD: "mounts" (default, prefer a bind
	// mount's host path) or "container_cp" (always stream from inside
	// the container, ignoring any bind mount).
	BackupMethod string

	// MinRequiredSpaceMB is MIN_REQUIRED_SPACE: a backup wave is refused
	// up front if BackupDir's free space falls below this. Zero disables
	// the check.
	MinRequiredSpaceMB int64

	// MaxContainerBackupSizeMB is MAX_CONTAINER_BACKUP_SIZE: a single
	// container's database dump or file tree is abandoned (and reported)
	// if it exceeds this size. Zero disables the check.
	MaxContainerBackupSizeMB int64
}

// New builds a Manager, creating the backup and lock directories.
func New(cfg Config) (*Manager, error) {
	if cfg.BackupDir == "" {
		cfg.BackupDir = "/backups"
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 3
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}

	lockMgr, err := lock.New(filepath.Join(cfg.BackupDir, "locks"))
	if err != nil {
		return nil, err
	}

	backupMethod := cfg.BackupMethod
	if backupMethod == "" {
		backupMethod = "mounts"
	}

	return &Manager{
		rt:                       cfg.Runtime,
		registry:                 cfg.Registry,
		configRes:                cfg.ConfigRes,
		lockMgr:                  lockMgr,
		retentionEng:             retention.New(cfg.BackupDir),
		historyStore:             cfg.HistoryStore,
		backupDir:                cfg.BackupDir,
		scratchDir:               cfg.ScratchDir,
		maxWorkers:               cfg.MaxWorkers,
		selfNames:                cfg.SelfNames,
		stackNames:               cfg.StackNames,
		excludeNames:             cfg.ExcludeServiceNames,
		excludeMountPaths:        cfg.ExcludeMountPaths,
		backupMethod:             backupMethod,
		minRequiredSpaceMB:       cfg.MinRequiredSpaceMB,
		maxContainerBackupSizeMB: cfg.MaxContainerBackupSizeMB,
		healthFn:                 cfg.HealthFn,
		defaultPolicy: types.RetentionPolicy{
			Kind: types.RetentionTime,
			Days: cfg.RetentionDays,
		},
	}, nil
}

// Run discovers services (optionally filtered to serviceNames), runs
// one backup wave across a bounded worker pool, and sweeps retention
// once the wave completes. Returns per-service success.
func (m *Manager) Run(ctx context.Context, serviceNames []string) (map[string]bool, error) {
	logger := log.WithComponent("manager")
	start := time.Now()

	if m.minRequiredSpaceMB > 0 {
		if freeMB, ok := freeSpaceMB(m.backupDir); ok && freeMB < m.minRequiredSpaceMB {
			metrics.BackupWavesTotal.WithLabelValues("insufficient_space").Inc()
			return nil, fmt.Errorf("insufficient space in %s: %dMB free, %dMB required", m.backupDir, freeMB, m.minRequiredSpaceMB)
		}
	}

	services, err := m.discoverConfigured(ctx)
	if err != nil {
		metrics.BackupWavesTotal.WithLabelValues("discovery_failed").Inc()
		return nil, err
	}

	if len(serviceNames) > 0 {
		wanted := make(map[string]bool, len(serviceNames))
		for _, n := range serviceNames {
			wanted[n] = true
		}
		filtered := services[:0]
		for _, svc := range services {
			if wanted[svc.Name] {
				filtered = append(filtered, svc)
			}
		}
		services = filtered
	}

	services = m.filterEligible(services, logger)

	sort.SliceStable(services, func(i, j int) bool {
		return services[i].Config.Global.Priority < services[j].Config.Global.Priority
	})

	logger.Info().Int("services", len(services)).Msg("starting backup wave")

	results := m.runWave(ctx, services, logger)

	deleted, err := m.sweepRetention(services)
	if err != nil {
		logger.Error().Err(err).Msg("retention sweep failed")
	}

	successCount := 0
	for _, ok := range results {
		if ok {
			successCount++
		}
	}
	outcome := "success"
	if successCount < len(services) {
		outcome = "partial"
	}
	metrics.BackupWavesTotal.WithLabelValues(outcome).Inc()

	logger.Info().
		Int("succeeded", successCount).
		Int("total", len(services)).
		Int("retention_deleted", deleted).
		Dur("elapsed", time.Since(start)).
		Msg("backup wave complete")

	return results, nil
}

// discoverConfigured lists running containers, groups them into
// services, and attaches each service's effective configuration.
func (m *Manager) discoverConfigured(ctx context.Context) ([]types.Service, error) {
	containers, err := m.rt.ListRunningContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list running containers: %w", err)
	}
	services := discovery.Discover(containers, m.stackNames)
	return m.resolveConfigs(services), nil
}

// RunRetentionOnly sweeps retention without running a backup wave, for
// the Scheduler's independent retention cadence and the CLI's
// retention subcommand.
func (m *Manager) RunRetentionOnly(ctx context.Context) (int, error) {
	services, err := m.discoverConfigured(ctx)
	if err != nil {
		return 0, err
	}
	services = m.filterEligible(services, log.WithComponent("manager"))
	return m.sweepRetention(services)
}

// resolveConfigs attaches the effective ServiceConfig to each service.
func (m *Manager) resolveConfigs(services []types.Service) []types.Service {
	for i := range services {
		services[i].Config = m.configRes.Resolve(services[i].Name, services[i].Containers)
	}
	return services
}

// filterEligible drops self-service and explicitly excluded services.
func (m *Manager) filterEligible(services []types.Service, logger zerolog.Logger) []types.Service {
	self := make(map[string]bool, len(m.selfNames))
	for _, n := range m.selfNames {
		self[strings.ToLower(n)] = true
	}
	excluded := make(map[string]bool, len(m.excludeNames))
	for _, n := range m.excludeNames {
		excluded[strings.ToLower(n)] = true
	}

	out := services[:0]
	for _, svc := range services {
		if self[strings.ToLower(svc.Name)] {
			continue
		}
		if excluded[strings.ToLower(svc.Name)] {
			logger.Info().Str("service", svc.Name).Msg("service excluded via EXCLUDE_FROM_BACKUP")
			continue
		}
		if svc.Config.Global.ExcludeFromBackup {
			continue
		}
		out = append(out, svc)
	}
	return out
}

// runWave dispatches services into a worker pool sized by the adaptive
// formula, each worker acquiring a lock, running the pipeline, and
// releasing the lock on every exit path.
func (m *Manager) runWave(ctx context.Context, services []types.Service, logger zerolog.Logger) map[string]bool {
	results := make(map[string]bool, len(services))
	var mu sync.Mutex

	workers := adaptiveWorkerCount(m.maxWorkers)
	if workers < 1 {
		workers = 1
	}
	logger.Info().Int("workers", workers).Msg("worker pool sized")

	jobs := make(chan types.Service)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for svc := range jobs {
				ok := m.runOne(ctx, svc)
				mu.Lock()
				results[svc.Name] = ok
				mu.Unlock()
			}
		}()
	}

	for _, svc := range services {
		jobs <- svc
	}
	close(jobs)
	wg.Wait()

	return results
}

func (m *Manager) runOne(ctx context.Context, svc types.Service) bool {
	serviceLogger := log.WithService(svc.Name)
	backupName := fmt.Sprintf("%s_%s.tar.gz", svc.Name, time.Now().Format("20060102_150405"))

	_, err := m.lockMgr.Acquire(svc.Name, backupName)
	if err != nil {
		metrics.LockContentionTotal.WithLabelValues(svc.Name).Inc()
		serviceLogger.Warn().Err(err).Msg("skipping service, lock held")
		m.appendHistory(types.HistoryRecord{
			Service:    svc.Name,
			StartedAt:  time.Now(),
			FinishedAt: time.Now(),
			Success:    false,
			Error:      err.Error(),
		})
		return false
	}
	defer func() {
		if err := m.lockMgr.Release(svc.Name); err != nil {
			serviceLogger.Error().Err(err).Msg("failed to release lock")
		}
	}()

	engine := pipeline.NewEngine(m.rt, m.registry, m.backupDir, m.scratchDir, m.selfNames, m.healthFn,
		pipeline.WithExcludeMountPaths(m.excludeMountPaths),
		pipeline.WithBackupMethod(m.backupMethod),
		pipeline.WithMaxContainerBackupSize(m.maxContainerBackupSizeMB),
	)

	timer := metrics.NewTimer()
	started := time.Now()
	result := engine.Run(ctx, svc, backupName)
	timer.ObserveDurationVec(metrics.ServiceBackupDuration, svc.Name)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.ServiceBackupsTotal.WithLabelValues(svc.Name, outcome).Inc()
	if result.BytesWritten > 0 {
		metrics.ArchiveBytesWritten.WithLabelValues(svc.Name).Observe(float64(result.BytesWritten))
	}

	errText := ""
	if len(result.Errors) > 0 {
		errText = strings.Join(result.Errors, "; ")
	}
	m.appendHistory(types.HistoryRecord{
		Service:      svc.Name,
		ArchiveName:  filepath.Base(result.ArchivePath),
		StartedAt:    started,
		FinishedAt:   time.Now(),
		Success:      result.Success,
		Error:        errText,
		BytesWritten: result.BytesWritten,
	})

	if result.Success {
		serviceLogger.Info().Str("archive", result.ArchivePath).Msg("backup succeeded")
	} else {
		serviceLogger.Error().Strs("errors", result.Errors).Msg("backup failed")
	}

	return result.Success
}

func (m *Manager) appendHistory(rec types.HistoryRecord) {
	if m.historyStore == nil {
		return
	}
	if err := m.historyStore.Record(rec); err != nil {
		log.WithComponent("manager").Warn().Err(err).Msg("failed to record history")
	}
}

func (m *Manager) sweepRetention(services []types.Service) (int, error) {
	policies := make(map[string]types.RetentionPolicy, len(services))
	for _, svc := range services {
		policies[svc.Name] = policyFor(svc.Config.Global, m.defaultPolicy)
	}

	activeLocks := map[string]bool{}
	if locks, err := m.lockMgr.List(); err == nil {
		for _, l := range locks {
			activeLocks[filepath.Join(m.backupDir, l.BackupName)] = true
		}
	}

	return m.retentionEng.Sweep(policies, m.defaultPolicy, activeLocks)
}

func policyFor(g types.GlobalConfig, def types.RetentionPolicy) types.RetentionPolicy {
	if g.MixedRetention != nil {
		return types.RetentionPolicy{Kind: types.RetentionMixed, Mixed: *g.MixedRetention}
	}
	if g.BackupRetention != nil {
		return types.RetentionPolicy{Kind: types.RetentionTime, Days: *g.BackupRetention}
	}
	return def
}

// adaptiveWorkerCount applies spec's backpressure formula:
// workers = min(configured, ceil(cpu_logical * 0.75)), further scaled
// down when memory use exceeds 80%.
func adaptiveWorkerCount(configured int) int {
	cpuCap := int(math.Ceil(float64(runtime.NumCPU()) * 0.75))
	workers := configured
	if cpuCap < workers {
		workers = cpuCap
	}

	if memPct, ok := memoryUsagePercent(); ok && memPct > 80 {
		scale := 1 - (memPct-80)/20
		if scale < 0 {
			scale = 0
		}
		workers = int(math.Ceil(float64(workers) * scale))
	}

	if workers < 1 {
		workers = 1
	}
	return workers
}

// freeSpaceMB reports the free space available to an unprivileged user
// on the filesystem holding dir, for the MIN_REQUIRED_SPACE pre-flight
// check. Returns ok=false when the syscall fails (e.g. dir doesn't
// exist yet), in which case the caller skips the check.
func freeSpaceMB(dir string) (int64, bool) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, false
	}
	return int64(stat.Bavail) * int64(stat.Bsize) / (1024 * 1024), true
}

// memoryUsagePercent reads /proc/meminfo for a best-effort memory
// utilization percentage. Returns ok=false when unavailable (e.g. on
// non-Linux platforms), in which case the caller skips memory scaling.
func memoryUsagePercent() (float64, bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, false
	}

	var totalKB, availableKB int64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = val
		case "MemAvailable:":
			availableKB = val
		}
	}
	if totalKB == 0 {
		return 0, false
	}
	usedPct := 100 * float64(totalKB-availableKB) / float64(totalKB)
	return usedPct, true
}
