// Package broker owns Job Records and fans progress events out to
// subscribers using an edge-triggered, at-most-one-in-flight wake model:
// each update wakes every currently-registered waiter with the new event,
// then clears the waiter list. Subscribers must re-register to see the
// next event. This bounds per-subscriber memory to one pending event
// instead of an unbounded buffered channel per subscriber.
package broker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/bobmcallan/sheetbuilder/internal/common"
	"github.com/bobmcallan/sheetbuilder/internal/models"
)

const (
	subscriberWakeTimeout = 30 * time.Second
	reapInterval          = 5 * time.Minute
	terminalRetention     = 2 * time.Hour
	stuckRetention        = 30 * time.Minute
)

type jobEntry struct {
	mu        sync.Mutex
	record    models.JobRecord
	waiters   []chan models.ProgressEvent
}

// Broker is the sole owner of Job Records for the lifetime of the process.
// State is held in memory only — a restart loses all records, which is
// intentional: clients observe this as a 404 on their persisted jobId and
// fall through to re-upload via the reattachment protocol.
type Broker struct {
	mu        sync.RWMutex
	jobs      map[string]*jobEntry
	logger    *common.Logger
	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
}

// New constructs a Broker.
func New(logger *common.Logger) *Broker {
	return &Broker{
		jobs:      make(map[string]*jobEntry),
		logger:    logger,
		stopSweep: make(chan struct{}),
	}
}

// CreateJob generates a 12-hex-char id, stores an Initializing record, and
// returns the id. The short id keeps progress/status URLs compact.
func (b *Broker) CreateJob() string {
	jobID := newJobID()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[jobID] = &jobEntry{
		record: models.JobRecord{
			JobID:     jobID,
			Stage:     models.StageInitializing,
			StartedAt: time.Now(),
		},
	}
	return jobID
}

func newJobID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a time-derived id rather than panic.
		return fmt.Sprintf("%012x", time.Now().UnixNano())[:12]
	}
	return hex.EncodeToString(buf)
}

func (b *Broker) entry(jobID string) *jobEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.jobs[jobID]
}

// UpdateProgress stamps jobID on evt, overwrites the record's lastProgress,
// and wakes all current subscribers. A terminal record is immutable — an
// update arriving after completion/failure is ignored.
func (b *Broker) UpdateProgress(jobID string, evt models.ProgressEvent) {
	e := b.entry(jobID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.Stage.IsTerminal() {
		return
	}

	evt.JobID = jobID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	e.record.LastProgress = &evt
	e.wake(evt)
}

// UpdateStage transitions a job's stage and emits a synthesized
// ProgressEvent carrying the change. Invalid transitions (e.g.
// Completed -> ProcessingPages) are silently ignored.
func (b *Broker) UpdateStage(jobID string, stage models.Stage, operation string) {
	e := b.entry(jobID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !models.CanTransition(e.record.Stage, stage) {
		return
	}

	e.record.Stage = stage
	evt := models.ProgressEvent{
		JobID:     jobID,
		Stage:     stage,
		Operation: operation,
		Timestamp: time.Now(),
	}
	if e.record.LastProgress != nil {
		evt.CurrentPage = e.record.LastProgress.CurrentPage
		evt.TotalPages = e.record.LastProgress.TotalPages
		evt.PercentComplete = e.record.LastProgress.PercentComplete
	}
	e.record.LastProgress = &evt
	e.wake(evt)
}

// CompleteJob sets stage=Completed, stamps endedAt, stores result, and
// emits the terminal event. Idempotent: a second call is a no-op, so the
// first write always wins.
func (b *Broker) CompleteJob(jobID string, result models.Result) {
	e := b.entry(jobID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.Stage.IsTerminal() {
		return
	}

	now := time.Now()
	e.record.Stage = models.StageCompleted
	e.record.EndedAt = &now
	r := result
	e.record.Result = &r

	evt := models.ProgressEvent{
		JobID:           jobID,
		Stage:           models.StageCompleted,
		Operation:       "Completed",
		PercentComplete: 100,
		Timestamp:       now,
	}
	if e.record.LastProgress != nil {
		evt.CurrentPage = e.record.LastProgress.CurrentPage
		evt.TotalPages = e.record.LastProgress.TotalPages
	}
	e.record.LastProgress = &evt
	e.wake(evt)
}

// FailJob sets stage=Failed, stamps endedAt, stores errorMsg, and emits the
// terminal event. Idempotent like CompleteJob.
func (b *Broker) FailJob(jobID string, errorMsg string) {
	e := b.entry(jobID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.Stage.IsTerminal() {
		return
	}

	now := time.Now()
	e.record.Stage = models.StageFailed
	e.record.EndedAt = &now
	e.record.ErrorMessage = errorMsg

	evt := models.ProgressEvent{
		JobID:     jobID,
		Stage:     models.StageFailed,
		Operation: errorMsg,
		Timestamp: now,
	}
	e.record.LastProgress = &evt
	e.wake(evt)
}

// GetStatus returns a deep-copied snapshot of a job's record, or nil if the
// jobId is unknown (including after reaping or a process restart).
func (b *Broker) GetStatus(jobID string) *models.JobRecord {
	e := b.entry(jobID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Snapshot()
}

// ListJobs returns a snapshot of every known job record, most recently
// started first. Backs the supplemented /api/pdf/jobs admin listing.
func (b *Broker) ListJobs() []*models.JobRecord {
	b.mu.RLock()
	entries := make([]*jobEntry, 0, len(b.jobs))
	for _, e := range b.jobs {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	out := make([]*models.JobRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.record.Snapshot())
		e.mu.Unlock()
	}
	return out
}

// Subscribe blocks until the next ProgressEvent after the call, the job
// reaches a terminal stage (in which case the terminal event is delivered
// first), the cancel channel closes, or subscriberWakeTimeout elapses with
// no event. Returns (event, ok) — ok is false on cancellation or timeout,
// signalling the caller to re-subscribe.
func (b *Broker) Subscribe(jobID string, cancel <-chan struct{}) (models.ProgressEvent, bool) {
	e := b.entry(jobID)
	if e == nil {
		return models.ProgressEvent{}, false
	}

	e.mu.Lock()
	if e.record.Stage.IsTerminal() && e.record.LastProgress != nil {
		evt := *e.record.LastProgress
		e.mu.Unlock()
		return evt, true
	}
	ch := make(chan models.ProgressEvent, 1)
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()

	select {
	case evt := <-ch:
		return evt, true
	case <-cancel:
		return models.ProgressEvent{}, false
	case <-time.After(subscriberWakeTimeout):
		return models.ProgressEvent{}, false
	}
}

// wake delivers evt to every currently registered waiter then clears the
// list. Must be called with e.mu held. A wake that fails (buffer already
// full because the same channel was woken twice — defensive only, as each
// channel is single-use) is skipped rather than blocking the publisher.
func (e *jobEntry) wake(evt models.ProgressEvent) {
	for _, ch := range e.waiters {
		select {
		case ch <- evt:
		default:
		}
	}
	e.waiters = nil
}

// StartReaper launches the periodic 5-minute sweep that removes job
// records 2h past their terminal event, or 30m past creation if still
// stuck in a non-terminal stage.
func (b *Broker) StartReaper() {
	b.sweepWG.Add(1)
	go func() {
		defer b.sweepWG.Done()
		defer func() {
			if rec := recover(); rec != nil {
				b.logger.Error().Str("panic", fmt.Sprintf("%v", rec)).Msg("Recovered from panic in broker reaper")
			}
		}()
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopSweep:
				return
			case <-ticker.C:
				b.reap()
			}
		}
	}()
}

// StopReaper stops the periodic sweep and waits for it to exit.
func (b *Broker) StopReaper() {
	close(b.stopSweep)
	b.sweepWG.Wait()
}

func (b *Broker) reap() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for jobID, e := range b.jobs {
		e.mu.Lock()
		expired := false
		if e.record.EndedAt != nil {
			expired = now.Sub(*e.record.EndedAt) >= terminalRetention
		} else {
			expired = now.Sub(e.record.StartedAt) >= stuckRetention
		}
		e.mu.Unlock()

		if expired {
			delete(b.jobs, jobID)
			removed++
		}
	}
	if removed > 0 && b.logger != nil {
		b.logger.Debug().Int("removed", removed).Msg("Broker: reaped stale job records")
	}
}
