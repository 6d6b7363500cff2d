// Package fileutil manages s3zip work files: unique in-progress archives,
// tmp+rename delivery to local paths and removal of stale leftovers.
package fileutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eunmann/s3zip/pkg/logging"
)

// TmpSuffix marks in-progress work files.
const TmpSuffix = ".tmp"

// DefaultStaleAge is how old a work file must be before startup cleanup
// removes it. Live archives are written continuously and stay younger.
const DefaultStaleAge = 24 * time.Hour

// Exists returns true if the file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NewWorkFile reserves a unique work file for name inside workDir and
// returns its path. The file exists and is empty. Path separators in name
// are flattened, so nested destination keys share one directory level.
// Concurrent callers, in this or another process, never get the same path.
func NewWorkFile(workDir, name string) (string, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	f, err := os.CreateTemp(workDir, workPattern(name))
	if err != nil {
		return "", fmt.Errorf("create work file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close work file: %w", err)
	}
	return path, nil
}

func workPattern(name string) string {
	flat := strings.NewReplacer("/", "_", "\\", "_", "*", "_").Replace(strings.Trim(name, "/"))
	if flat == "" {
		flat = "archive"
	}
	return flat + "-*" + TmpSuffix
}

// WriteTmpThenMove writes to a temporary file in tmpDir then renames it to
// outPath. writeFunc receives the temporary path and must write the whole
// file. The temporary name is unique, so concurrent writers do not share it.
func WriteTmpThenMove(tmpDir, outPath string, writeFunc func(tmpPath string) error) error {
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}
	f, err := os.CreateTemp(tmpDir, filepath.Base(outPath)+"-*"+TmpSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()
	f.Close()

	fail := func(err error) error {
		os.Remove(tmpPath)
		return err
	}
	if err := writeFunc(tmpPath); err != nil {
		return fail(err)
	}
	if err := syncFile(tmpPath); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fail(fmt.Errorf("create output dir: %w", err))
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fail(fmt.Errorf("rename temp to final: %w", err))
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	return err
}

// CleanupStaleTmpFiles removes .tmp files under dir last modified more than
// olderThan ago. Younger files may belong to a running job and are kept.
// A missing directory is not an error.
func CleanupStaleTmpFiles(dir string, olderThan time.Duration) (int, error) {
	if !Exists(dir) {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)

	var removed int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // keep walking past unreadable entries
		}
		if d.IsDir() || !strings.HasSuffix(path, TmpSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil //nolint:nilerr
		}
		if os.Remove(path) == nil {
			removed++
		}
		return nil
	})

	if removed > 0 {
		log := logging.WithPhase("cleanup")
		log.Debug().Int("files_removed", removed).Str("dir", dir).Msg("removed stale work files")
	}
	return removed, err
}
