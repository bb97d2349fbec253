package client

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bobmcallan/sheetbuilder/internal/fingerprint"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "jobs.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestStore_PutGet_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	digest := fingerprint.Digest("abc123")

	if err := s.Put(digest, Entry{JobID: "job1", Status: StatusProcessing, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entry, ok := s.Get(digest)
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if entry.JobID != "job1" || entry.Status != StatusProcessing {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestStore_Get_MissReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.Get(fingerprint.Digest("nope")); ok {
		t.Error("expected a miss for an unknown digest")
	}
}

func TestStore_Get_ExpiredEntryIsPurged(t *testing.T) {
	s := newTestStore(t)
	digest := fingerprint.Digest("stale")

	stale := Entry{JobID: "job2", Status: StatusCompleted, UpdatedAt: time.Now().Add(-2 * entryTTL)}
	if err := s.Put(digest, stale); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok := s.Get(digest); ok {
		t.Error("expected an expired entry to be reported as a miss")
	}

	entries, err := s.load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, exists := entries[string(digest)]; exists {
		t.Error("expected the expired entry to be removed from the underlying store")
	}
}

func TestStore_Delete_RemovesEntry(t *testing.T) {
	s := newTestStore(t)
	digest := fingerprint.Digest("todelete")

	if err := s.Put(digest, Entry{JobID: "job3", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete(digest); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := s.Get(digest); ok {
		t.Error("expected entry to be gone after Delete")
	}
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	digest := fingerprint.Digest("persisted")

	s1, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := s1.Put(digest, Entry{JobID: "job4", Status: StatusProcessing, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("second NewStore failed: %v", err)
	}
	entry, ok := s2.Get(digest)
	if !ok {
		t.Fatal("expected entry to survive a fresh Store pointed at the same path")
	}
	if entry.JobID != "job4" {
		t.Errorf("expected job4, got %s", entry.JobID)
	}
}
