// Package filedump implements the File Dumper (C6): collects a
// container's data paths, either directly from the host side of a bind
// mount or by streaming a tar from inside the container, into a scratch
// directory ready for the Archive Builder.
package filedump

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/log"
	"github.com/cuemby/vaultkeeper/pkg/runtime"
	"github.com/cuemby/vaultkeeper/pkg/types"
)

// commonDataPaths is the known-good set of paths probed when a service
// doesn't configure explicit data paths, per spec.md §4.6.
var commonDataPaths = []string{
	"/data", "/config", "/app/data", "/var/lib/mysql",
	"/var/lib/postgresql/data", "/var/www", "/app/config",
	"/home/appuser/data", "/opt/app/data",
}

// systemPaths are excluded unconditionally regardless of user config.
var systemPaths = []string{
	"/proc", "/sys", "/dev", "/run", "/var/run", "/var/lock",
	"/tmp", "/var/tmp", "/var/cache",
	"/etc/hostname", "/etc/hosts", "/etc/resolv.conf",
}

// Backup gathers paths from container into scratchDir, one subdirectory
// per path, ready to be passed to archive.Create. If paths is empty, it
// is inferred from commonDataPaths plus the container's non-system
// mount destinations. method is BACKUP_METHOD: "mounts" (default)
// prefers a bind mount's host path when one covers the data path;
// "container_cp" always streams the path from inside the container,
// ignoring any bind mount.
func Backup(ctx context.Context, rt runtime.ContainerRuntime, container types.Container, paths []string, exclusions []string, scratchDir string, method string) error {
	logger := log.WithComponent("filedump").With().Str("container", container.Name).Logger()

	effectivePaths := paths
	if len(effectivePaths) == 0 {
		effectivePaths = detectPaths(ctx, rt, container)
	}

	excludeSet := append(append([]string{}, systemPaths...), exclusions...)
	useContainerCP := method == "container_cp"

	var (
		attempted int
		failures  []string
	)

	for _, path := range effectivePaths {
		if isExcluded(path, excludeSet) {
			logger.Debug().Str("path", path).Msg("path excluded, skipping")
			continue
		}
		attempted++

		destDir := filepath.Join(scratchDir, sanitizeSubdir(path))
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("path skipped, scratch dir unavailable")
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
			continue
		}

		if !useContainerCP {
			if mount, ok := bindMountFor(container, path); ok {
				if err := copyFromHost(mount.Source, destDir); err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("path skipped, bind mount copy failed")
					failures = append(failures, fmt.Sprintf("%s: %v", mount.Source, err))
					os.RemoveAll(destDir)
				}
				continue
			}
		}

		if err := streamToScratch(ctx, rt, container.ID, path, destDir); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("path skipped, stream from container failed")
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
			os.RemoveAll(destDir)
		}
	}

	if len(failures) > 0 && len(failures) == attempted {
		return fmt.Errorf("all %d data path(s) failed: %s", attempted, strings.Join(failures, "; "))
	}
	return nil
}

// detectPaths unions commonDataPaths that exist in the container with
// every non-system mount destination.
func detectPaths(ctx context.Context, rt runtime.ContainerRuntime, container types.Container) []string {
	seen := make(map[string]bool)
	var out []string

	for _, p := range commonDataPaths {
		code, _, err := rt.Exec(ctx, container.ID, []string{"test", "-e", p}, nil, 10*time.Second)
		if err == nil && code == 0 && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, m := range container.Mounts {
		if isSystemPath(m.Destination) || seen[m.Destination] {
			continue
		}
		seen[m.Destination] = true
		out = append(out, m.Destination)
	}

	return out
}

func isSystemPath(path string) bool {
	for _, sp := range systemPaths {
		if path == sp || strings.HasPrefix(path, sp+"/") {
			return true
		}
	}
	return false
}

func isExcluded(path string, exclusions []string) bool {
	for _, ex := range exclusions {
		if path == ex || strings.HasPrefix(path, ex+"/") {
			return true
		}
		if ok, _ := filepath.Match(ex, path); ok {
			return true
		}
	}
	return false
}

// bindMountFor returns the container's bind mount whose destination is
// path, or a parent of path, so reads can go straight to the host.
func bindMountFor(container types.Container, path string) (types.Mount, bool) {
	for _, m := range container.Mounts {
		if m.Type != types.MountTypeBind {
			continue
		}
		if path == m.Destination || strings.HasPrefix(path, m.Destination+"/") {
			return m, true
		}
	}
	return types.Mount{}, false
}

func sanitizeSubdir(path string) string {
	trimmed := strings.Trim(path, "/")
	return strings.ReplaceAll(trimmed, "/", "_")
}

func copyFromHost(src, destDir string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, filepath.Join(destDir, filepath.Base(src)))
	}
	return filepath.Walk(src, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func streamToScratch(ctx context.Context, rt runtime.ContainerRuntime, containerID, path, destDir string) error {
	rc, err := rt.StreamArchive(ctx, containerID, path)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(filepath.Join(destDir, "stream.tar"))
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
