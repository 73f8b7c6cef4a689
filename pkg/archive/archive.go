// Package archive implements the Archive Builder (C4): a streaming
// tar+gzip writer with glob exclusions and atomic publish.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/vaultkeeper/pkg/log"
	"github.com/cuemby/vaultkeeper/pkg/types"
)

// largeInputThreshold is the size above which Create drops the gzip
// compression level to trade ratio for CPU time, per spec.md §4.4.
const largeInputThreshold = 100 * 1024 * 1024 // 100 MiB

// Create walks srcDir, tars and gzips everything not matched by an
// exclusions glob (relative or absolute), and atomically publishes the
// result at outPath. On any failure it removes the partial ".tmp" file
// before returning.
func Create(srcDir, outPath string, exclusions []string) (err error) {
	logger := log.WithComponent("archive")

	size, walkErr := dirSize(srcDir)
	if walkErr != nil {
		return fmt.Errorf("%w: failed to size %s: %v", types.ErrArchiveWrite, srcDir, walkErr)
	}

	level := gzip.DefaultCompression
	if size > largeInputThreshold {
		level = gzip.BestSpeed
	}

	tmpPath := outPath + ".tmp"
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", types.ErrArchiveWrite, tmpPath, err)
	}

	gw, err := gzip.NewWriterLevel(f, level)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", types.ErrArchiveWrite, err)
	}
	tw := tar.NewWriter(gw)

	walkErr = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(srcDir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if matchesAny(rel, path, exclusions) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return addToTar(tw, path, rel, d)
	})

	closeErr := tw.Close()
	gzErr := gw.Close()
	fErr := f.Close()

	if walkErr != nil {
		err = fmt.Errorf("%w: %v", types.ErrArchiveWrite, walkErr)
		return err
	}
	if closeErr != nil {
		err = fmt.Errorf("%w: %v", types.ErrArchiveWrite, closeErr)
		return err
	}
	if gzErr != nil {
		err = fmt.Errorf("%w: %v", types.ErrArchiveWrite, gzErr)
		return err
	}
	if fErr != nil {
		err = fmt.Errorf("%w: %v", types.ErrArchiveWrite, fErr)
		return err
	}

	if renameErr := os.Rename(tmpPath, outPath); renameErr != nil {
		err = fmt.Errorf("%w: failed to publish %s: %v", types.ErrArchiveWrite, outPath, renameErr)
		return err
	}

	logger.Info().Str("path", outPath).Int64("source_bytes", size).Msg("archive written")
	return nil
}

func addToTar(tw *tar.Writer, fullPath, relPath string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(fullPath)
		if err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(relPath)

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// matchesAny reports whether rel (srcDir-relative, slash form) or the
// absolute fullPath matches any exclusion glob.
func matchesAny(rel, fullPath string, exclusions []string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range exclusions {
		pattern = filepath.ToSlash(pattern)
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
		if strings.HasPrefix(pattern, "/") {
			if ok, _ := filepath.Match(pattern, filepath.ToSlash(fullPath)); ok {
				return true
			}
		}
	}
	return false
}
