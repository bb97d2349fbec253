// Package app wires together the components that make up the sheet
// composition service: configuration, logging, the Reliability Registry,
// the Progress Broker, the upload/output Storage, and the Sheet Composition
// Worker. It is the single place that owns their lifecycles.
package app

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bobmcallan/sheetbuilder/internal/broker"
	"github.com/bobmcallan/sheetbuilder/internal/common"
	"github.com/bobmcallan/sheetbuilder/internal/compose"
	"github.com/bobmcallan/sheetbuilder/internal/fingerprint"
	"github.com/bobmcallan/sheetbuilder/internal/models"
	"github.com/bobmcallan/sheetbuilder/internal/registry"
	"github.com/bobmcallan/sheetbuilder/internal/storage"
)

const (
	storageSweepInterval = 1 * time.Hour
	defaultHeavyLimit    = 2
)

// App holds every long-lived collaborator the HTTP server needs.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Registry    *registry.Registry
	Broker      *broker.Broker
	Storage     *storage.Storage
	Worker      *compose.Worker
	StartupTime time.Time

	heavySem chan struct{}
}

// NewApp loads configuration, constructs every collaborator, and starts
// their background sweeps. configPath may be empty to use defaults only.
func NewApp(configPath string) (*App, error) {
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLogger(cfg.Logging.Level)

	store, err := storage.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	reg := registry.New(cfg, logger)
	brk := broker.New(logger)
	worker := compose.NewWorker(brk, reg, store, logger)

	heavyLimit := cfg.JobManager.HeavyJobLimit
	if heavyLimit <= 0 {
		heavyLimit = defaultHeavyLimit
	}

	a := &App{
		Config:      cfg,
		Logger:      logger,
		Registry:    reg,
		Broker:      brk,
		Storage:     store,
		Worker:      worker,
		StartupTime: time.Now(),
		heavySem:    make(chan struct{}, heavyLimit),
	}

	reg.StartSweep()
	brk.StartReaper()
	store.StartSweep(storageSweepInterval, cfg.FileStorage.MaxStorageAge())

	return a, nil
}

// Dispatch runs a composition job on its own goroutine, bounded by the
// configured heavy-job limit so an unbounded burst of large uploads cannot
// exhaust memory. Panics inside the worker are recovered and logged — a
// crashed composition goroutine must never bring down the server.
func (a *App) Dispatch(job compose.Job) {
	a.heavySem <- struct{}{}
	go func() {
		defer func() { <-a.heavySem }()
		defer func() {
			if r := recover(); r != nil {
				a.Logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Str("jobId", job.JobID).
					Msg("Recovered from panic in composition worker goroutine")
				a.Broker.FailJob(job.JobID, "internal error during composition")
				a.Registry.MarkFailed(job.Digest, job.JobID)
				a.Storage.DeleteQuiet(job.UploadPath)
			}
		}()
		a.Worker.Run(job)
	}()
}

// ComputeDigest is a thin convenience wrapper so callers outside the
// fingerprint package don't need to import it directly.
func (a *App) ComputeDigest(fp models.Fingerprint) fingerprint.Digest {
	return fingerprint.Compute(fp)
}

// Close stops every background sweep and waits for them to exit.
func (a *App) Close() {
	a.Registry.StopSweep()
	a.Broker.StopReaper()
	a.Storage.StopSweep()
}
