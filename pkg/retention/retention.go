// Package retention implements the Retention Engine (C11): scans the
// backup directory, groups archives per service by parsing their
// filenames, and applies time/count/mixed eviction policies.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/log"
	"github.com/cuemby/vaultkeeper/pkg/metrics"
	"github.com/cuemby/vaultkeeper/pkg/types"
)

// archiveNamePattern is the retention contract: <service>_YYYYMMDD_HHMMSS.tar.gz.
var archiveNamePattern = regexp.MustCompile(`^(.+)_(\d{8})_(\d{6})\.tar\.gz$`)

// archiveFile is one parsed archive on disk.
type archiveFile struct {
	path    string
	service string
	ts      time.Time
}

// parseArchiveName extracts the service name and timestamp from an
// archive's base filename. Missing or invalid filenames are reported
// via ok=false and are never fatal to the sweep.
func parseArchiveName(name string) (service string, ts time.Time, ok bool) {
	m := archiveNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	parsed, err := time.ParseInLocation("20060102_150405", m[2]+"_"+m[3], time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1], parsed, true
}

// Engine sweeps one backup directory.
type Engine struct {
	backupDir string
}

// New creates a retention Engine rooted at backupDir.
func New(backupDir string) *Engine {
	return &Engine{backupDir: backupDir}
}

// Sweep applies policy to every service found under the backup
// directory, skipping any archive path present in activeLockPaths.
// Returns the number of archives deleted.
func (e *Engine) Sweep(policies map[string]types.RetentionPolicy, defaultPolicy types.RetentionPolicy, activeLockPaths map[string]bool) (int, error) {
	logger := log.WithComponent("retention")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RetentionSweepDuration)

	entries, err := os.ReadDir(e.backupDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list backup dir: %w", err)
	}

	byService := make(map[string][]archiveFile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		service, ts, ok := parseArchiveName(entry.Name())
		if !ok {
			continue
		}
		byService[service] = append(byService[service], archiveFile{
			path:    filepath.Join(e.backupDir, entry.Name()),
			service: service,
			ts:      ts,
		})
	}

	deleted := 0
	for service, archives := range byService {
		policy, ok := policies[service]
		if !ok {
			policy = defaultPolicy
		}
		keep := selectKeep(archives, policy)

		for _, a := range archives {
			if keep[a.path] || activeLockPaths[a.path] {
				continue
			}
			if err := os.Remove(a.path); err != nil {
				logger.Warn().Err(err).Str("path", a.path).Msg("failed to delete expired archive")
				continue
			}
			deleted++
			logger.Info().Str("service", service).Str("path", a.path).Msg("archive deleted by retention policy")
		}
	}

	metrics.RetentionDeletedTotal.Add(float64(deleted))
	return deleted, nil
}

// selectKeep returns the set of archive paths to retain under policy.
func selectKeep(archives []archiveFile, policy types.RetentionPolicy) map[string]bool {
	switch policy.Kind {
	case types.RetentionCount:
		return keepCount(archives, policy.Count)
	case types.RetentionMixed:
		return keepMixed(archives, policy.Mixed)
	default:
		return keepByAge(archives, policy.Days)
	}
}

func keepByAge(archives []archiveFile, days int) map[string]bool {
	cutoff := time.Now().AddDate(0, 0, -days)
	keep := make(map[string]bool)
	for _, a := range archives {
		if !a.ts.Before(cutoff) {
			keep[a.path] = true
		}
	}
	return keep
}

func keepCount(archives []archiveFile, n int) map[string]bool {
	sorted := append([]archiveFile{}, archives...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ts.After(sorted[j].ts) })
	keep := make(map[string]bool)
	for i := 0; i < len(sorted) && i < n; i++ {
		keep[sorted[i].path] = true
	}
	return keep
}

// keepMixed keeps the union of the most-recent archive per day/week/
// month bucket, taking the top N buckets of each granularity.
func keepMixed(archives []archiveFile, policy types.MixedRetention) map[string]bool {
	keep := make(map[string]bool)
	keep = mergeSets(keep, topBuckets(archives, policy.Daily, dailyBucket))
	keep = mergeSets(keep, topBuckets(archives, policy.Weekly, weeklyBucket))
	keep = mergeSets(keep, topBuckets(archives, policy.Monthly, monthlyBucket))
	return keep
}

func mergeSets(a, b map[string]bool) map[string]bool {
	for k := range b {
		a[k] = true
	}
	return a
}

func dailyBucket(t time.Time) string {
	return t.Format("2006-01-02")
}

func weeklyBucket(t time.Time) string {
	year, week := t.ISOWeek()
	return strconv.Itoa(year) + "-W" + strconv.Itoa(week)
}

func monthlyBucket(t time.Time) string {
	return t.Format("2006-01")
}

// topBuckets groups archives by bucketFn, keeps the newest archive per
// bucket, sorts buckets descending by their representative timestamp,
// and returns the paths of the first n buckets' representatives.
func topBuckets(archives []archiveFile, n int, bucketFn func(time.Time) string) map[string]bool {
	type bucketEntry struct {
		key    string
		newest archiveFile
	}

	buckets := make(map[string]archiveFile)
	for _, a := range archives {
		key := bucketFn(a.ts)
		if existing, ok := buckets[key]; !ok || a.ts.After(existing.ts) {
			buckets[key] = a
		}
	}

	entries := make([]bucketEntry, 0, len(buckets))
	for k, v := range buckets {
		entries = append(entries, bucketEntry{key: k, newest: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].newest.ts.After(entries[j].newest.ts) })

	keep := make(map[string]bool)
	for i := 0; i < len(entries) && i < n; i++ {
		keep[entries[i].newest.path] = true
	}
	return keep
}
