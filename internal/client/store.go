// Package client implements the reattachment protocol a submitter uses to
// survive a restart without re-uploading a file it has already submitted:
// a local fingerprint-to-jobId store, a decision tree that consults it
// before every upload, and a progress subscriber that degrades from
// streaming to polling without ever re-submitting.
package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bobmcallan/sheetbuilder/internal/fingerprint"
)

// entryTTL is how long a persisted entry is trusted before it is purged on
// access, independent of the server-side registry's own TTL.
const entryTTL = time.Hour

// EntryStatus is the client's own view of a persisted submission, distinct
// from the server's Stage enum since the client only needs to know whether
// to resume watching or to treat the entry as settled.
type EntryStatus string

const (
	StatusProcessing EntryStatus = "processing"
	StatusCompleted  EntryStatus = "completed"
)

// Entry is one keyed record in the client's persisted store.
type Entry struct {
	JobID     string      `json:"jobId"`
	Status    EntryStatus `json:"status"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.UpdatedAt) > entryTTL
}

// Store is a small JSON-file-backed keyed store, the CLI's stand-in for the
// browser-side keyed storage the protocol assumes. Atomic writes follow the
// same temp-file-then-rename idiom internal/storage uses for uploads and
// outputs, so a crash mid-write never leaves a corrupt store behind.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore opens (without yet reading) the store file at path, creating its
// parent directory if needed.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{path: path}, nil
}

func (s *Store) load() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store: %w", err)
	}
	entries := map[string]Entry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse store: %w", err)
	}
	return entries, nil
}

func (s *Store) save(entries map[string]Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tmp-store-*")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp store file: %w", err)
	}
	return nil
}

// Get returns the fresh entry for digest, if any. A stale (expired) entry is
// purged as a side effect and reported as a miss, matching the spec's
// "removed on access" semantics.
func (s *Store) Get(digest fingerprint.Digest) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return Entry{}, false
	}

	e, ok := entries[string(digest)]
	if !ok {
		return Entry{}, false
	}
	if e.expired(time.Now()) {
		delete(entries, string(digest))
		_ = s.save(entries)
		return Entry{}, false
	}
	return e, true
}

// Put persists (or overwrites) the entry for digest.
func (s *Store) Put(digest fingerprint.Digest, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		entries = map[string]Entry{}
	}
	entries[string(digest)] = e
	return s.save(entries)
}

// Delete purges digest's entry unconditionally, used when the server reports
// the jobId is gone (404) or failed.
func (s *Store) Delete(digest fingerprint.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil
	}
	if _, ok := entries[string(digest)]; !ok {
		return nil
	}
	delete(entries, string(digest))
	return s.save(entries)
}
