package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/bobmcallan/sheetbuilder/internal/broker"
	"github.com/bobmcallan/sheetbuilder/internal/common"
	"github.com/bobmcallan/sheetbuilder/internal/fingerprint"
	"github.com/bobmcallan/sheetbuilder/internal/models"
	"github.com/bobmcallan/sheetbuilder/internal/registry"
	"github.com/bobmcallan/sheetbuilder/internal/storage"
)

const templateCacheCapacity = 1000

// dimensionReportInterval is how many pages PrepareDimensions processes
// between progress events.
const dimensionReportInterval = 100

// Job describes one composition request handed to the Worker.
type Job struct {
	JobID            string
	Digest           fingerprint.Digest
	UploadPath       string
	OriginalFileName string
	Rotation         int
	Order            models.Order
}

// Worker runs the sheet composition pipeline described in the job
// registry/broker control flow: it owns no state of its own beyond its
// collaborators, so one Worker can run many jobs concurrently as long as
// each Run call is given its own Job.
type Worker struct {
	broker   *broker.Broker
	registry *registry.Registry
	storage  *storage.Storage
	logger   *common.Logger
}

// NewWorker constructs a Worker.
func NewWorker(b *broker.Broker, r *registry.Registry, s *storage.Storage, logger *common.Logger) *Worker {
	return &Worker{broker: b, registry: r, storage: s, logger: logger}
}

// Run executes one composition job end to end. It never returns an error to
// the caller — all failures are reported through the Broker/Registry, per
// the worker's "errors never surface on the submission response" contract.
// Callers invoke Run in its own goroutine (see internal/server's safeGo wrapper).
func (w *Worker) Run(job Job) {
	start := time.Now()
	logger := w.logger.WithCorrelationId(job.JobID)

	result, err := w.compose(job, start, logger)
	if err != nil {
		logger.Warn().Err(err).Str("jobId", job.JobID).Msg("Composition job failed")
		w.broker.FailJob(job.JobID, err.Error())
		w.registry.MarkFailed(job.Digest, job.JobID)
		w.storage.DeleteQuiet(job.UploadPath)
		return
	}

	w.broker.CompleteJob(job.JobID, *result)
	w.registry.MarkCompleted(job.Digest, job.JobID, *result)
	w.storage.DeleteQuiet(job.UploadPath)
}

func (w *Worker) compose(job Job, start time.Time, logger *common.Logger) (*models.Result, error) {
	logger.Info().Str("fileName", job.OriginalFileName).Msg("Composition job started")
	w.broker.UpdateStage(job.JobID, models.StageInitializing, "Validating upload")

	sourcePath := job.UploadPath
	n, err := ValidateAndCountPages(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("invalid PDF: %w", err)
	}

	if job.Order == models.OrderRev {
		reversedPath := sourcePath + ".reversed.pdf"
		if err := BuildReversedCopy(sourcePath, reversedPath, n); err != nil {
			return nil, fmt.Errorf("failed to build reversed copy: %w", err)
		}
		defer w.storage.DeleteQuiet(reversedPath)
		sourcePath = reversedPath
	}

	w.broker.UpdateStage(job.JobID, models.StagePreparingDimensions, "Reading page dimensions")
	dims, err := w.prepareDimensions(job.JobID, sourcePath, n, start)
	if err != nil {
		return nil, fmt.Errorf("failed to read page dimensions: %w", err)
	}

	standardHeight := StandardSheetHeight(dims)

	w.broker.UpdateStage(job.JobID, models.StageProcessingPages, "Packing sheets")
	outPath, sheetCount, err := w.packAndCompose(job, sourcePath, dims, standardHeight, n, start)
	if err != nil {
		return nil, fmt.Errorf("failed to compose output: %w", err)
	}

	w.broker.UpdateStage(job.JobID, models.StageOptimizingOutput, "Finalizing output")
	fileName, _, err := w.finalizeOutput(job, outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize output: %w", err)
	}
	logger.Info().Str("outputFile", fileName).Int("sheets", sheetCount).Msg("Composition job completed")

	w.broker.UpdateStage(job.JobID, models.StageFinalizing, "")

	result := models.Result{
		Success:              true,
		Message:              "Composition complete",
		OutputFileName:       fileName,
		DownloadPath:         "/api/pdf/download/" + fileName,
		ProcessingTimeMillis: time.Since(start).Milliseconds(),
		InputPages:           n,
		OutputPages:          sheetCount,
	}
	return &result, nil
}

// prepareDimensions reads every page's declared size, emitting progress
// every dimensionReportInterval pages with percentComplete linearly
// interpolated across [5, 10].
func (w *Worker) prepareDimensions(jobID, sourcePath string, n int, start time.Time) ([]PageDim, error) {
	dims, err := ReadPageDims(sourcePath, n)
	if err != nil {
		return nil, err
	}

	for i := dimensionReportInterval; i <= n; i += dimensionReportInterval {
		pct := 5 + 5*float64(i)/float64(n)
		w.broker.UpdateProgress(jobID, models.ProgressEvent{
			Stage:           models.StagePreparingDimensions,
			CurrentPage:     i,
			TotalPages:      n,
			PercentComplete: pct,
			Operation:       "Reading page dimensions",
			ElapsedSeconds:  time.Since(start).Seconds(),
		})
	}
	return dims, nil
}

func (w *Worker) packAndCompose(job Job, sourcePath string, dims []PageDim, standardHeight float64, n int, start time.Time) (outPath string, sheetCount int, err error) {
	out := gofpdf.New("P", "pt", "A4", "")
	out.SetAutoPageBreak(false, 0)
	cache := NewTemplateCache(templateCacheCapacity)
	builder := NewSheetBuilder(out, sourcePath, cache)

	reportEvery := n / 50
	if reportEvery < 10 {
		reportEvery = 10
	}

	sheets, err := PackSheets(dims)
	if err != nil {
		return "", 0, err
	}

	for _, sheet := range sheets {
		builder.NewSheet(SheetWidthPt, standardHeight)

		currentY := standardHeight
		for p := sheet.Start; p < sheet.End; p++ {
			dim := dims[p]
			currentY -= dim.Height
			x := XOffset(dim.Width)
			builder.PlacePage(p+1, dim, x, currentY, job.Rotation)
		}
		sheetCount++

		if sheet.End%reportEvery < (sheet.End-sheet.Start) || sheet.End == n {
			elapsed := time.Since(start).Seconds()
			pagesPerSecond := float64(sheet.End) / elapsed
			if pagesPerSecond <= 0 {
				pagesPerSecond = 0.1
			}
			eta := float64(n-sheet.End) / pagesPerSecond
			w.broker.UpdateProgress(job.JobID, models.ProgressEvent{
				Stage:           models.StageProcessingPages,
				CurrentPage:     sheet.End,
				TotalPages:      n,
				PercentComplete: 10 + 80*float64(sheet.End)/float64(n),
				PagesPerSecond:  pagesPerSecond,
				EtaSeconds:      eta,
				ElapsedSeconds:  elapsed,
				Operation:       "Packing sheets",
				Perf: models.PerfCounters{
					CacheHits:       int64(cache.Hits),
					CacheMisses:     int64(cache.Misses),
					CacheHitRatio:   cache.HitRatio(),
					CachedObjects:   cache.Len(),
					SheetsGenerated: sheetCount,
				},
			})
		}
	}

	tmpOut := sourcePath + ".out.pdf"
	if err := builder.Close(tmpOut); err != nil {
		return "", 0, err
	}
	return tmpOut, sheetCount, nil
}

func (w *Worker) finalizeOutput(job Job, composedPath string) (fileName, path string, err error) {
	defer os.Remove(composedPath)

	data, err := os.ReadFile(composedPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to read composed output: %w", err)
	}

	base := filepath.Base(job.OriginalFileName)
	return w.storage.SaveOutput(job.JobID, base, job.Rotation, string(job.Order), data)
}
