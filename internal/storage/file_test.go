package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobmcallan/sheetbuilder/internal/common"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.FileStorage.Directory = t.TempDir()
	s, err := New(cfg, common.NewSilentLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestSaveUpload_WritesUnderJobNamespacedName(t *testing.T) {
	s := newTestStorage(t)

	path, size, err := s.SaveUpload("job1", "report.pdf", strings.NewReader("pdf-bytes"))
	if err != nil {
		t.Fatalf("SaveUpload() error = %v", err)
	}
	if size != int64(len("pdf-bytes")) {
		t.Errorf("size = %d, want %d", size, len("pdf-bytes"))
	}
	if filepath.Base(path) != "job1_report.pdf" {
		t.Errorf("path base = %q, want job1_report.pdf", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "pdf-bytes" {
		t.Errorf("ReadFile() = %q, %v, want pdf-bytes, nil", data, err)
	}
}

func TestSaveUpload_SanitizesTraversalAttempts(t *testing.T) {
	s := newTestStorage(t)

	path, _, err := s.SaveUpload("job1", "../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("SaveUpload() error = %v", err)
	}
	if filepath.Dir(path) != s.dir {
		t.Errorf("path escaped storage directory: %s", path)
	}
}

func TestSaveOutput_NamingMatchesConvention(t *testing.T) {
	s := newTestStorage(t)

	fileName, path, err := s.SaveOutput("job1", "report.pdf", 180, "REV", []byte("composed"))
	if err != nil {
		t.Fatalf("SaveOutput() error = %v", err)
	}
	if fileName != "job1_report_A180_REV.pdf" {
		t.Errorf("fileName = %q, want job1_report_A180_REV.pdf", fileName)
	}
	if filepath.Base(path) != fileName {
		t.Errorf("path base = %q, want %q", filepath.Base(path), fileName)
	}
}

func TestOpenOutput_ReturnsContentAndSize(t *testing.T) {
	s := newTestStorage(t)
	fileName, _, _ := s.SaveOutput("job1", "report.pdf", 0, "NORM", []byte("hello"))

	f, info, err := s.OpenOutput(fileName)
	if err != nil {
		t.Fatalf("OpenOutput() error = %v", err)
	}
	defer f.Close()
	if info.Size() != 5 {
		t.Errorf("Size() = %d, want 5", info.Size())
	}
}

func TestResolveOutput_MatchesBareCleanFilenameMostRecentWins(t *testing.T) {
	s := newTestStorage(t)

	s.SaveOutput("job1", "report.pdf", 0, "NORM", []byte("old"))
	time.Sleep(10 * time.Millisecond)
	s.SaveOutput("job2", "report.pdf", 0, "NORM", []byte("new"))

	resolved, err := s.ResolveOutput("report_A0_NORM.pdf")
	if err != nil {
		t.Fatalf("ResolveOutput() error = %v", err)
	}
	if resolved != "job2_report_A0_NORM.pdf" {
		t.Errorf("resolved = %q, want the most recently written match", resolved)
	}
}

func TestResolveOutput_UnknownNameReturnsNotExist(t *testing.T) {
	s := newTestStorage(t)

	if _, err := s.ResolveOutput("nope.pdf"); !os.IsNotExist(err) {
		t.Errorf("err = %v, want os.IsNotExist", err)
	}
}

func TestDeleteOutputAfterDownload_RemovesFile(t *testing.T) {
	s := newTestStorage(t)
	fileName, path, _ := s.SaveOutput("job1", "report.pdf", 0, "NORM", []byte("x"))

	s.DeleteOutputAfterDownload(fileName)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected file to be removed")
	}
}

func TestDeleteQuiet_MissingFileDoesNotError(t *testing.T) {
	s := newTestStorage(t)
	s.DeleteQuiet(filepath.Join(s.dir, "does-not-exist.pdf")) // must not panic
}

func TestCleanupExpired_RemovesOnlyStaleFiles(t *testing.T) {
	s := newTestStorage(t)

	oldPath, _, _ := s.SaveUpload("job-old", "old.pdf", strings.NewReader("old"))
	freshPath, _, _ := s.SaveUpload("job-fresh", "fresh.pdf", strings.NewReader("fresh"))

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	removed, err := s.CleanupExpired(24 * time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("expected the old file to be removed")
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Error("expected the fresh file to survive the sweep")
	}
}

func TestStartStopSweep_RunsAndShutsDownCleanly(t *testing.T) {
	s := newTestStorage(t)
	s.StartSweep(5*time.Millisecond, time.Hour)
	time.Sleep(20 * time.Millisecond)
	s.StopSweep()
}
