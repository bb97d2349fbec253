// Package storage persists staged uploads and composed output PDFs on the
// local filesystem. Writes are atomic (temp file + rename) so a concurrent
// reader never observes a partially written file.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bobmcallan/sheetbuilder/internal/common"
	"github.com/dustin/go-humanize"
)

// Storage is a single directory holding both staged uploads and the PDFs
// they are composed into. Filenames are namespaced with the owning jobId so
// concurrent jobs never collide, e.g. "a1b2c3d4e5f6_report.pdf" for a staged
// upload and "a1b2c3d4e5f6_report_A180_REV.pdf" for its output.
type Storage struct {
	dir    string
	logger *common.Logger

	sweepOnce sync.Once
	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
}

// New ensures cfg's storage directory exists and returns a Storage rooted there.
func New(cfg *common.Config, logger *common.Logger) (*Storage, error) {
	dir := cfg.FileStorage.Directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	logger.Debug().Str("dir", dir).Msg("Storage directory ready")
	return &Storage{dir: dir, logger: logger}, nil
}

// sanitizeName strips path separators from a client-supplied filename so it
// cannot be used to escape the storage directory.
func sanitizeName(name string) string {
	name = filepath.Base(name)
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(name)
}

func atomicWrite(dir, target string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// SaveUpload stages a submitted PDF under "<jobId>_<originalFileName>" and
// returns its absolute path and byte length.
func (s *Storage) SaveUpload(jobID, originalFileName string, r io.Reader) (path string, sizeBytes int64, err error) {
	name := fmt.Sprintf("%s_%s", jobID, sanitizeName(originalFileName))
	target := filepath.Join(s.dir, name)

	n, err := atomicWrite(s.dir, target, r)
	if err != nil {
		return "", 0, err
	}
	s.logger.Debug().Str("jobId", jobID).Str("size", humanize.Bytes(uint64(n))).Msg("Storage: staged upload")
	return target, n, nil
}

// SaveOutput writes the composed PDF using the spec's
// "<jobId>_<base>_A<rotation>_<ORDER>.pdf" naming and returns the bare
// filename (for building a download path) and its absolute path.
func (s *Storage) SaveOutput(jobID, baseName string, rotation int, order string, data []byte) (fileName, path string, err error) {
	fileName = fmt.Sprintf("%s_%s_A%d_%s.pdf", jobID, sanitizeName(stripExt(baseName)), rotation, order)
	target := filepath.Join(s.dir, fileName)

	if _, err := atomicWrite(s.dir, target, strings.NewReader(string(data))); err != nil {
		return "", "", err
	}
	s.logger.Debug().Str("jobId", jobID).Str("size", humanize.Bytes(uint64(len(data)))).Msg("Storage: wrote composed output")
	return fileName, target, nil
}

func stripExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// OpenOutput opens an output file by its exact stored name, for streaming a
// download response (including range requests via the returned *os.File's
// ReadAt/Seek).
func (s *Storage) OpenOutput(fileName string) (*os.File, os.FileInfo, error) {
	path := filepath.Join(s.dir, sanitizeName(fileName))
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// ResolveOutput finds the most-recently-written file matching "*_<cleanName>"
// in the storage directory, implementing the download endpoint's bare-name
// lookup. Returns the matched filename.
func (s *Storage) ResolveOutput(cleanName string) (fileName string, err error) {
	clean := sanitizeName(cleanName)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("failed to read storage directory: %w", err)
	}

	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		if !strings.HasSuffix(e.Name(), "_"+clean) && e.Name() != clean {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = e.Name()
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return "", os.ErrNotExist
	}
	return best, nil
}

// DeleteQuiet removes a file by absolute path, logging but swallowing any
// error. Used by cleanup paths where a missing file must never mask a
// successful or failed job outcome.
func (s *Storage) DeleteQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", path).Msg("Storage: failed to remove file during cleanup")
	}
}

// DeleteOutputAfterDownload removes an output file by its stored name,
// backing the download endpoint's deleteAfterDownload=true option.
func (s *Storage) DeleteOutputAfterDownload(fileName string) {
	s.DeleteQuiet(filepath.Join(s.dir, sanitizeName(fileName)))
}

// fileAge is the subset of os.FileInfo CleanupExpired needs; kept narrow so
// it is trivially fakeable in tests.
type fileAge struct {
	name    string
	modTime time.Time
}

// CleanupExpired removes files older than maxAge from the storage directory
// and returns how many were removed. Backs the out-of-core background sweep
// against orphaned uploads and outputs left behind by crashed or abandoned jobs.
func (s *Storage) CleanupExpired(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read storage directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var stale []fileAge
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, fileAge{name: e.Name(), modTime: info.ModTime()})
		}
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].modTime.Before(stale[j].modTime) })

	removed := 0
	for _, f := range stale {
		if err := os.Remove(filepath.Join(s.dir, f.name)); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Storage: cleanup sweep removed expired files")
	}
	return removed, nil
}
