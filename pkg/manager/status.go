package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/types"
)

var archiveNamePattern = regexp.MustCompile(`^(.+)_(\d{8}_\d{6})\.tar\.gz$`)

// ServiceStatus summarizes the archives on disk for one service.
type ServiceStatus struct {
	Service   string           `json:"service"`
	Count     int              `json:"count"`
	TotalSize int64            `json:"total_size_bytes"`
	Latest    *types.Archive   `json:"latest,omitempty"`
	Archives  []types.Archive  `json:"archives"`
}

// Status reports per-service archive counts/sizes/latest plus the
// currently active lock set.
type Status struct {
	BackupDir     string          `json:"backup_dir"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Services      []ServiceStatus `json:"services"`
	ActiveBackups []string        `json:"active_backups"`
}

// Status enumerates archives under the backup directory, grouping them
// by service, and reports the currently held locks.
func (m *Manager) Status() (Status, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read backup dir: %w", err)
	}

	grouped := map[string][]types.Archive{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		service, ts, ok := parseArchiveTimestamp(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		grouped[service] = append(grouped[service], types.Archive{
			Path:      filepath.Join(m.backupDir, e.Name()),
			Service:   service,
			Timestamp: ts,
			Size:      info.Size(),
		})
	}

	var services []ServiceStatus
	for service, archives := range grouped {
		sort.Slice(archives, func(i, j int) bool {
			return archives[i].Timestamp.After(archives[j].Timestamp)
		})
		var total int64
		for _, a := range archives {
			total += a.Size
		}
		latest := archives[0]
		services = append(services, ServiceStatus{
			Service:   service,
			Count:     len(archives),
			TotalSize: total,
			Latest:    &latest,
			Archives:  archives,
		})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Service < services[j].Service })

	active := []string{}
	if locks, err := m.lockMgr.List(); err == nil {
		for _, l := range locks {
			active = append(active, l.Service)
		}
	}

	return Status{
		BackupDir:     m.backupDir,
		GeneratedAt:   time.Now(),
		Services:      services,
		ActiveBackups: active,
	}, nil
}

func parseArchiveTimestamp(name string) (service string, ts time.Time, ok bool) {
	m := archiveNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	t, err := time.Parse("20060102_150405", m[2])
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1], t, true
}
