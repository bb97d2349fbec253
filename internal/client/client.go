package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bobmcallan/sheetbuilder/internal/common"
	"github.com/bobmcallan/sheetbuilder/internal/fingerprint"
	"github.com/bobmcallan/sheetbuilder/internal/models"
)

const (
	defaultTimeout = 10 * time.Minute
	pollInterval   = 3 * time.Second
)

// ProgressFunc receives each progress event as it is observed, whether
// delivered over the SSE stream or synthesized from a poll response.
type ProgressFunc func(*models.ProgressEvent)

// Client submits PDFs to a sheetbuilder server and reattaches to
// already-in-flight or already-completed submissions instead of
// re-uploading, following the server's fingerprint/jobId contract.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      *Store
	logger     *common.Logger

	mu       sync.Mutex
	inflight map[fingerprint.Digest]*inflightCall
}

// inflightCall is the shared promise a second Submit for the same
// fingerprint waits on instead of issuing its own upload, coalescing
// concurrent submissions of the same file.
type inflightCall struct {
	done   chan struct{}
	result *models.Result
	err    error
}

// Option configures a Client at construction, mirroring the functional
// options used by this module's outbound API clients.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client (and its timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger overrides the default silent logger.
func WithLogger(logger *common.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a Client targeting baseURL (e.g. "http://localhost:8080"),
// persisting reattachment state to store.
func NewClient(baseURL string, store *Store, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		store:      store,
		logger:     common.NewSilentLogger(),
		inflight:   make(map[fingerprint.Digest]*inflightCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit implements the full reattachment decision tree for one file: reuse
// a fresh persisted entry if one exists and is still live on the server,
// otherwise upload and then watch the job to completion. It never uploads
// twice for the same fingerprint, even under concurrent callers.
func (c *Client) Submit(ctx context.Context, filePath string, rotation int, order string, onProgress ProgressFunc) (*models.Result, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", filePath, err)
	}

	fp := models.NewFingerprint(filepath.Base(filePath), info.Size(), rotation, order)
	digest := fingerprint.Compute(fp)

	call, leader := c.claim(digest)
	if !leader {
		<-call.done
		return call.result, call.err
	}
	defer c.release(digest, call)

	result, err := c.submitLeader(ctx, digest, filePath, rotation, order, onProgress)
	call.result, call.err = result, err
	return result, err
}

// claim registers the caller as the leader for digest, or returns the
// existing inflightCall to wait on if another Submit for the same digest is
// already running. This is the in-flight coalescing map.
func (c *Client) claim(digest fingerprint.Digest) (*inflightCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.inflight[digest]; ok {
		return existing, false
	}
	call := &inflightCall{done: make(chan struct{})}
	c.inflight[digest] = call
	return call, true
}

func (c *Client) release(digest fingerprint.Digest, call *inflightCall) {
	close(call.done)
	c.mu.Lock()
	delete(c.inflight, digest)
	c.mu.Unlock()
}

func (c *Client) submitLeader(ctx context.Context, digest fingerprint.Digest, filePath string, rotation int, order string, onProgress ProgressFunc) (*models.Result, error) {
	if entry, ok := c.store.Get(digest); ok {
		result, err := c.reattach(ctx, digest, entry, onProgress)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		// Entry was purged (404/failed); fall through to a fresh upload.
	}

	jobID, duplicateResult, err := c.upload(ctx, filePath, rotation, order)
	if err != nil {
		return nil, err
	}
	if duplicateResult != nil {
		_ = c.store.Put(digest, Entry{JobID: jobID, Status: StatusCompleted, UpdatedAt: time.Now()})
		return duplicateResult, nil
	}

	if err := c.store.Put(digest, Entry{JobID: jobID, Status: StatusProcessing, UpdatedAt: time.Now()}); err != nil {
		c.logger.Warn().Err(err).Msg("client: failed to persist reattachment entry")
	}

	return c.watch(ctx, digest, jobID, onProgress)
}

// reattach consults the server about a persisted entry. A nil, nil return
// means the entry was stale on the server and has been purged; the caller
// should fall through to a fresh upload.
func (c *Client) reattach(ctx context.Context, digest fingerprint.Digest, entry Entry, onProgress ProgressFunc) (*models.Result, error) {
	status, err := c.fetchStatus(ctx, entry.JobID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		// 404: the server has forgotten this job (e.g. restarted).
		_ = c.store.Delete(digest)
		return nil, nil
	}

	switch status.Stage {
	case models.StageCompleted:
		_ = c.store.Put(digest, Entry{JobID: entry.JobID, Status: StatusCompleted, UpdatedAt: time.Now()})
		return status.Result, nil
	case models.StageFailed:
		_ = c.store.Delete(digest)
		return nil, nil
	default:
		return c.watch(ctx, digest, entry.JobID, onProgress)
	}
}

// statusResponse mirrors the server's GET /api/pdf/status/{jobId} body.
type statusResponse struct {
	Success  bool                  `json:"success"`
	JobID    string                `json:"jobId"`
	Stage    models.Stage          `json:"stage"`
	Result   *models.Result        `json:"result"`
	Error    string                `json:"error"`
	Progress *models.ProgressEvent `json:"progress"`
}

func (c *Client) fetchStatus(ctx context.Context, jobID string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/pdf/status/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status request returned %d: %s", resp.StatusCode, string(body))
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &out, nil
}

// uploadResponse mirrors the server's POST /api/pdf/process-with-progress body.
type uploadResponse struct {
	Success     bool           `json:"success"`
	JobID       string         `json:"jobId"`
	DuplicateOf bool           `json:"duplicateOf"`
	Result      *models.Result `json:"result"`
	Message     string         `json:"message"`
}

// upload performs the multipart submission. A non-nil duplicateResult means
// the server resolved this fingerprint against an already-completed job
// without any composition work being triggered.
func (c *Client) upload(ctx context.Context, filePath string, rotation int, order string) (jobID string, duplicateResult *models.Result, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer f.Close()

	var body strings.Builder
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("pdfFile", filepath.Base(filePath))
	if err != nil {
		return "", nil, fmt.Errorf("failed to build form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	_ = w.WriteField("rotationAngle", strconv.Itoa(rotation))
	_ = w.WriteField("order", order)
	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pdf/process-with-progress", strings.NewReader(body.String()))
	if err != nil {
		return "", nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", nil, fmt.Errorf("upload returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if !out.Success {
		return "", nil, fmt.Errorf("upload rejected: %s", out.Message)
	}
	if out.DuplicateOf && out.Result != nil {
		return out.JobID, out.Result, nil
	}
	return out.JobID, nil, nil
}

// watch follows jobID to a terminal state, preferring the SSE stream and
// falling back to polling if the stream never opens or breaks mid-flight.
// It never re-uploads, regardless of which path fails.
func (c *Client) watch(ctx context.Context, digest fingerprint.Digest, jobID string, onProgress ProgressFunc) (*models.Result, error) {
	result, err := c.watchStream(ctx, jobID, onProgress)
	if err == nil {
		c.settle(digest, jobID, result, nil)
		return result, nil
	}
	c.logger.Debug().Err(err).Str("jobId", jobID).Msg("client: SSE stream unavailable, falling back to polling")

	result, err = c.watchPoll(ctx, jobID, onProgress)
	c.settle(digest, jobID, result, err)
	return result, err
}

func (c *Client) settle(digest fingerprint.Digest, jobID string, result *models.Result, err error) {
	if err != nil {
		return
	}
	if result != nil {
		_ = c.store.Put(digest, Entry{JobID: jobID, Status: StatusCompleted, UpdatedAt: time.Now()})
	} else {
		_ = c.store.Delete(digest)
	}
}

// watchStream opens the SSE endpoint and returns once a terminal event
// arrives. Any error (including a malformed event) is returned so the
// caller degrades to polling rather than treating it as job failure.
func (c *Client) watchStream(ctx context.Context, jobID string, onProgress ProgressFunc) (*models.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/pdf/progress/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build progress request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("progress stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("progress stream returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var evt models.ProgressEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return nil, fmt.Errorf("failed to parse SSE event: %w", err)
		}
		if onProgress != nil {
			onProgress(&evt)
		}
		if evt.Stage.IsTerminal() {
			if evt.Stage == models.StageFailed {
				return nil, fmt.Errorf("job %s failed", jobID)
			}
			status, err := c.fetchStatus(ctx, jobID)
			if err != nil || status == nil {
				return nil, fmt.Errorf("failed to fetch terminal result for job %s", jobID)
			}
			return status.Result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("progress stream interrupted: %w", err)
	}
	return nil, fmt.Errorf("progress stream closed before a terminal event")
}

// watchPoll falls back to GET /api/pdf/status/{jobId} every pollInterval
// until the job reaches a terminal stage.
func (c *Client) watchPoll(ctx context.Context, jobID string, onProgress ProgressFunc) (*models.Result, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.fetchStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if status == nil {
			return nil, fmt.Errorf("job %s no longer exists on the server", jobID)
		}
		if onProgress != nil && status.Progress != nil {
			onProgress(status.Progress)
		}
		switch status.Stage {
		case models.StageCompleted:
			return status.Result, nil
		case models.StageFailed:
			return nil, fmt.Errorf("job %s failed: %s", jobID, status.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download fetches the composed PDF at downloadPath (as returned in a
// Result) and writes it to destPath.
func (c *Client) Download(ctx context.Context, downloadPath, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+downloadPath, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	return nil
}
