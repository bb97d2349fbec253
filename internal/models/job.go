// Package models holds the shared data types for the sheet composition
// pipeline: job records, progress events, and the registry's dedup entries.
package models

import "time"

// Stage is a job's position in the composition lifecycle.
type Stage string

const (
	StageInitializing        Stage = "Initializing"
	StagePreparingDimensions Stage = "PreparingDimensions"
	StageProcessingPages     Stage = "ProcessingPages"
	StageOptimizingOutput    Stage = "OptimizingOutput"
	StageFinalizing          Stage = "Finalizing"
	StageCompleted           Stage = "Completed"
	StageFailed              Stage = "Failed"
)

// IsTerminal reports whether a stage is a terminal state (Completed or Failed).
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// validNextStages enumerates the allowed forward transitions. Any non-terminal
// stage may additionally transition to Failed; that is checked separately.
var validNextStages = map[Stage]Stage{
	StageInitializing:        StagePreparingDimensions,
	StagePreparingDimensions: StageProcessingPages,
	StageProcessingPages:     StageOptimizingOutput,
	StageOptimizingOutput:    StageFinalizing,
}

// CanTransition reports whether moving from "from" to "to" is a legal stage
// transition. Invalid transitions (e.g. Completed -> ProcessingPages) must be
// silently ignored by the caller, not treated as an error.
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	return validNextStages[from] == to
}

// Result is the outcome of a completed composition job. Values handed out of
// the registry's completed-job cache must be deep-copied first — Result has
// no reference fields, so a plain struct copy already satisfies that.
type Result struct {
	Success              bool   `json:"success"`
	Message              string `json:"message"`
	OutputFileName       string `json:"outputFileName"`
	DownloadPath         string `json:"downloadPath"`
	ProcessingTimeMillis int64  `json:"processingTimeMillis"`
	InputPages           int    `json:"inputPages"`
	OutputPages          int    `json:"outputPages"`
}

// PerfCounters reports cache and throughput statistics for a running job.
type PerfCounters struct {
	MemoryMB        float64 `json:"memoryMB"`
	CacheHits       int64   `json:"cacheHits"`
	CacheMisses     int64   `json:"cacheMisses"`
	CacheHitRatio   float64 `json:"cacheHitRatio"`
	CachedObjects   int     `json:"cachedObjects"`
	SheetsGenerated int     `json:"sheetsGenerated"`
}

// ProgressEvent is the closed record emitted to both SSE subscribers and the
// status snapshot. A single serializer (JSON) is used for both transports.
type ProgressEvent struct {
	JobID           string       `json:"jobId"`
	Stage           Stage        `json:"stage"`
	CurrentPage     int          `json:"currentPage"`
	TotalPages      int          `json:"totalPages"`
	PercentComplete float64      `json:"percentComplete"`
	PagesPerSecond  float64      `json:"pagesPerSecond"`
	EtaSeconds      float64      `json:"etaSeconds"`
	ElapsedSeconds  float64      `json:"elapsedSeconds"`
	Operation       string       `json:"operation"`
	Perf            PerfCounters `json:"perf"`
	Timestamp       time.Time    `json:"timestamp"`
}

// JobRecord is the Broker's sole authoritative record for one submission.
// It is created by CreateJob and mutated only by the worker that owns it,
// plus the terminal completeJob/failJob hooks.
type JobRecord struct {
	JobID        string         `json:"jobId"`
	Stage        Stage          `json:"stage"`
	StartedAt    time.Time      `json:"startTime"`
	EndedAt      *time.Time     `json:"endTime,omitempty"`
	LastProgress *ProgressEvent `json:"progress,omitempty"`
	Result       *Result        `json:"result,omitempty"`
	ErrorMessage string         `json:"error,omitempty"`
}

// Snapshot returns a deep copy safe to hand to a caller outside the Broker's lock.
func (j *JobRecord) Snapshot() *JobRecord {
	if j == nil {
		return nil
	}
	cp := *j
	if j.EndedAt != nil {
		t := *j.EndedAt
		cp.EndedAt = &t
	}
	if j.LastProgress != nil {
		p := *j.LastProgress
		cp.LastProgress = &p
	}
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	return &cp
}
