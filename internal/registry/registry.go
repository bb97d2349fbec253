// Package registry implements the Reliability Registry: the idempotent
// dedup map from upload fingerprint to active or recently-completed job,
// keyed by the fingerprint's content digest.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/bobmcallan/sheetbuilder/internal/common"
	"github.com/bobmcallan/sheetbuilder/internal/fingerprint"
	"github.com/bobmcallan/sheetbuilder/internal/models"
)

// Outcome discriminates the three results of registerOrResolve.
type Outcome int

const (
	Registered Outcome = iota
	DuplicateActive
	DuplicateCompleted
)

func (o Outcome) String() string {
	switch o {
	case Registered:
		return "registered"
	case DuplicateActive:
		return "duplicate_active"
	case DuplicateCompleted:
		return "duplicate_completed"
	default:
		return "unknown"
	}
}

type activeEntry struct {
	jobID     string
	startedAt time.Time
}

type completedEntry struct {
	jobID       string
	completedAt time.Time
	result      models.Result
}

// Registry serializes concurrent submissions against the same fingerprint
// and caches recently completed results so a duplicate upload within the
// TTL window is resolved without reprocessing.
type Registry struct {
	mu              sync.Mutex
	active          map[fingerprint.Digest]activeEntry
	completed       map[fingerprint.Digest]completedEntry
	ttl             time.Duration
	idempotent      bool
	enforceLarge    bool
	largeThreshold  int64
	logger          *common.Logger
	stopSweep       chan struct{}
	sweepWG         sync.WaitGroup
}

// New constructs a Registry. idempotencyActive disables dedup entirely when
// false — every registerOrResolve call then returns Registered.
func New(cfg *common.Config, logger *common.Logger) *Registry {
	return &Registry{
		active:         make(map[fingerprint.Digest]activeEntry),
		completed:      make(map[fingerprint.Digest]completedEntry),
		ttl:            cfg.UploadReliability.RecentResultTTL(),
		idempotent:     cfg.UploadReliability.IdempotencyActive,
		enforceLarge:   cfg.UploadReliability.EnforceProgressForLarge,
		largeThreshold: cfg.UploadReliability.LargeFileThresholdBytes(),
		logger:         logger,
		stopSweep:      make(chan struct{}),
	}
}

// RegisterOrResolve decides the fate of a new submission before any work
// begins. jobIDFactory is invoked only when a fresh job is actually being
// registered, so a panic inside it leaves the map state unchanged (the
// insertion is the last step).
func (r *Registry) RegisterOrResolve(digest fingerprint.Digest, jobIDFactory func() string) (Outcome, string, *models.Result) {
	if !r.idempotent {
		return Registered, jobIDFactory(), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.active[digest]; ok {
		return DuplicateActive, a.jobID, nil
	}

	if c, ok := r.completed[digest]; ok {
		if time.Since(c.completedAt) < r.ttl {
			result := c.result
			return DuplicateCompleted, c.jobID, &result
		}
		delete(r.completed, digest)
	}

	jobID := jobIDFactory()
	r.active[digest] = activeEntry{jobID: jobID, startedAt: time.Now()}
	return Registered, jobID, nil
}

// MarkCompleted removes the matching Active entry and inserts a Completed
// entry holding a copy of result. A jobID mismatch means a stale caller is
// reporting completion after a newer submission has already taken over the
// digest, so the call is ignored.
func (r *Registry) MarkCompleted(digest fingerprint.Digest, jobID string, result models.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.active[digest]; !ok || a.jobID != jobID {
		return
	}
	delete(r.active, digest)
	r.completed[digest] = completedEntry{jobID: jobID, completedAt: time.Now(), result: result}
}

// MarkFailed removes the Active entry without caching a result — failed work
// is never cached, so an immediate retry is always allowed.
func (r *Registry) MarkFailed(digest fingerprint.Digest, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.active[digest]; !ok || a.jobID != jobID {
		return
	}
	delete(r.active, digest)
}

// ShouldBlockLegacy reports whether the synchronous submission path should
// reject an upload of sizeBytes and redirect the caller to the async endpoint.
func (r *Registry) ShouldBlockLegacy(sizeBytes int64) bool {
	return r.enforceLarge && sizeBytes >= r.largeThreshold
}

// StartSweep launches the periodic 5-minute sweep of expired Completed
// entries. A dropped tick is harmless — lazy eviction on lookup still
// catches stale entries.
func (r *Registry) StartSweep() {
	r.sweepWG.Add(1)
	go func() {
		defer r.sweepWG.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().Str("panic", fmt.Sprintf("%v", rec)).Msg("Recovered from panic in registry sweep")
			}
		}()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopSweep:
				return
			case <-ticker.C:
				r.sweepExpired()
			}
		}
	}()
}

// StopSweep stops the periodic sweep and waits for it to exit.
func (r *Registry) StopSweep() {
	close(r.stopSweep)
	r.sweepWG.Wait()
}

func (r *Registry) sweepExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	removed := 0
	for digest, c := range r.completed {
		if now.Sub(c.completedAt) >= r.ttl {
			delete(r.completed, digest)
			removed++
		}
	}
	if removed > 0 && r.logger != nil {
		r.logger.Debug().Int("removed", removed).Msg("Registry: swept expired completed entries")
	}
}
