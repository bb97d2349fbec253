package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/bobmcallan/sheetbuilder/internal/app"
	"github.com/bobmcallan/sheetbuilder/internal/server"
)

// testServer creates an httptest.Server wrapping the full sheetbuilder HTTP
// surface, backed by a fresh App rooted at a temp directory.
func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	configPath := writeTestConfig(t)
	a, err := app.NewApp(configPath)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	t.Cleanup(a.Close)

	srv := server.NewServer(a)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthEndpoint(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status=ok, got %q", body["status"])
	}
}

func TestVersionEndpoint(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET /api/version failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Post(ts.URL+"/api/health", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatalf("POST /api/health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST /api/health, got %d", resp.StatusCode)
	}
}

func TestPDFHealthEndpoint(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/pdf/health")
	if err != nil {
		t.Fatalf("GET /api/pdf/health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != "Healthy" {
		t.Errorf("Expected status=Healthy, got %v", body["status"])
	}
}

// TestProcessWithProgress_HappyPath submits a small PDF asynchronously and
// polls status until the composition completes, then downloads the result.
func TestProcessWithProgress_HappyPath(t *testing.T) {
	ts := testServer(t)

	resp := submitPDF(t, ts.URL, "report.pdf", 3, 0, "Norm")
	var submitBody struct {
		Success bool   `json:"success"`
		JobID   string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitBody); err != nil {
		t.Fatalf("Failed to decode submit response: %v", err)
	}
	resp.Body.Close()
	if !submitBody.Success || submitBody.JobID == "" {
		t.Fatalf("Expected a successful submission with a jobId, got %+v", submitBody)
	}

	status := pollUntilTerminal(t, ts.URL, submitBody.JobID)
	if status["stage"] != "Completed" {
		t.Fatalf("Expected stage=Completed, got %+v", status)
	}

	result, ok := status["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected a result object, got %+v", status)
	}
	downloadPath, _ := result["downloadPath"].(string)
	if downloadPath == "" {
		t.Fatal("Expected a non-empty downloadPath")
	}

	dlResp, err := http.Get(ts.URL + downloadPath)
	if err != nil {
		t.Fatalf("GET %s failed: %v", downloadPath, err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 downloading output, got %d", dlResp.StatusCode)
	}
	if dlResp.Header.Get("Content-Type") != "application/pdf" {
		t.Errorf("Expected Content-Type application/pdf, got %q", dlResp.Header.Get("Content-Type"))
	}
}

// TestProcessWithProgress_DuplicateCompleted re-submits the same fingerprint
// after the first job finished, expecting a cached duplicate response.
func TestProcessWithProgress_DuplicateCompleted(t *testing.T) {
	ts := testServer(t)

	resp := submitPDF(t, ts.URL, "dup.pdf", 2, 0, "Norm")
	var first struct {
		JobID string `json:"jobId"`
	}
	json.NewDecoder(resp.Body).Decode(&first)
	resp.Body.Close()
	pollUntilTerminal(t, ts.URL, first.JobID)

	resp2 := submitPDF(t, ts.URL, "dup.pdf", 2, 0, "Norm")
	defer resp2.Body.Close()
	var second struct {
		Success     bool        `json:"success"`
		JobID       string      `json:"jobId"`
		DuplicateOf bool        `json:"duplicateOf"`
		Result      interface{} `json:"result"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&second); err != nil {
		t.Fatalf("Failed to decode second submit response: %v", err)
	}
	if !second.DuplicateOf || second.Result == nil {
		t.Errorf("Expected a cached duplicate response, got %+v", second)
	}
}

func TestStatusEndpoint_UnknownJobReturns404(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/pdf/status/does-not-exist")
	if err != nil {
		t.Fatalf("GET /api/pdf/status/... failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown jobId, got %d", resp.StatusCode)
	}
}

func TestProcessLegacy_BlocksOversizedUpload(t *testing.T) {
	ts := testServer(t)

	// Build a multipart body whose declared Content-Length exceeds the
	// (tiny, test-config) threshold without actually writing a huge PDF:
	// the handler checks header.Size, which multipart reports from the
	// actual bytes written, so we pad the file with filler bytes.
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, _ := w.CreateFormFile("pdfFile", "big.pdf")
	fw.Write(bytes.Repeat([]byte("x"), 2*1024*1024)) // 2MiB, above the 1MiB test threshold
	w.WriteField("rotationAngle", "0")
	w.WriteField("order", "Norm")
	w.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/pdf/process", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/pdf/process failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for oversized legacy submission, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["requiredEndpoint"] != "/api/pdf/process-with-progress" {
		t.Errorf("Expected requiredEndpoint field, got %+v", body)
	}
}

// TestDiagnosticsEndpoint_ReportsJobCountsAndRecentLogs submits and
// completes a job, then checks that /api/diagnostics both tallies it and
// can replay its log lines by correlation ID.
func TestDiagnosticsEndpoint_ReportsJobCountsAndRecentLogs(t *testing.T) {
	ts := testServer(t)

	resp := submitPDF(t, ts.URL, "diag.pdf", 2, 0, "Norm")
	var submitBody struct {
		JobID string `json:"jobId"`
	}
	json.NewDecoder(resp.Body).Decode(&submitBody)
	resp.Body.Close()
	pollUntilTerminal(t, ts.URL, submitBody.JobID)

	diagResp, err := http.Get(ts.URL + "/api/diagnostics")
	if err != nil {
		t.Fatalf("GET /api/diagnostics failed: %v", err)
	}
	defer diagResp.Body.Close()
	if diagResp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", diagResp.StatusCode)
	}

	var diag map[string]interface{}
	if err := json.NewDecoder(diagResp.Body).Decode(&diag); err != nil {
		t.Fatalf("Failed to decode diagnostics response: %v", err)
	}
	if tracked, _ := diag["jobs_tracked"].(float64); tracked < 1 {
		t.Errorf("Expected jobs_tracked >= 1, got %v", diag["jobs_tracked"])
	}
	if completed, _ := diag["jobs_completed"].(float64); completed < 1 {
		t.Errorf("Expected jobs_completed >= 1, got %v", diag["jobs_completed"])
	}

	byCorrelation, err := http.Get(ts.URL + "/api/diagnostics?correlation_id=" + submitBody.JobID)
	if err != nil {
		t.Fatalf("GET /api/diagnostics?correlation_id failed: %v", err)
	}
	defer byCorrelation.Body.Close()
	var withLogs map[string]interface{}
	if err := json.NewDecoder(byCorrelation.Body).Decode(&withLogs); err != nil {
		t.Fatalf("Failed to decode correlation diagnostics response: %v", err)
	}
	if _, ok := withLogs["correlation_logs"]; !ok {
		t.Errorf("Expected a correlation_logs field when correlation_id is set, got %+v", withLogs)
	}
}

// --- test helpers ---

func submitPDF(t *testing.T, baseURL, filename string, pages, rotation int, order string) *http.Response {
	t.Helper()

	dir := t.TempDir()
	srcPath := filepath.Join(dir, filename)
	writeTestPDF(t, srcPath, pages)
	data, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("failed to read generated PDF: %v", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("pdfFile", filename)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	fw.Write(data)
	w.WriteField("rotationAngle", fmt.Sprintf("%d", rotation))
	w.WriteField("order", order)
	w.Close()

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/pdf/process-with-progress", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/pdf/process-with-progress failed: %v", err)
	}
	return resp
}

func pollUntilTerminal(t *testing.T, baseURL, jobID string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/api/pdf/status/" + jobID)
		if err != nil {
			t.Fatalf("GET status failed: %v", err)
		}
		var status map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()

		if stage, _ := status["stage"].(string); stage == "Completed" || stage == "Failed" {
			return status
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal stage in time", jobID)
	return nil
}

func writeTestPDF(t *testing.T, path string, pages int) {
	t.Helper()
	pdf := gofpdf.New("P", "mm", "A4", "")
	for i := 0; i < pages; i++ {
		pdf.AddPage()
		pdf.SetFont("Arial", "", 12)
		pdf.Cell(40, 10, "page")
	}
	if err := pdf.OutputFileAndClose(path); err != nil {
		t.Fatalf("failed to write test PDF: %v", err)
	}
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	os.MkdirAll(filepath.Join(dir, "data"), 0755)
	os.MkdirAll(filepath.Join(dir, "logs"), 0755)

	config := `
environment = "development"

[server]
host = "127.0.0.1"
port = 0

[upload_reliability]
enforce_progress_for_large = true
large_file_threshold_mb = 1
idempotency_active = true
recent_result_ttl_minutes = 15

[file_storage]
directory = "` + filepath.Join(dir, "data") + `"
max_storage_age_days = 7

[job_manager]
max_concurrent_jobs = 8
heavy_job_limit = 4

[logging]
level = "error"
outputs = ["console"]
file_path = "` + filepath.Join(dir, "logs", "sheetbuilder.log") + `"
`
	configPath := filepath.Join(dir, "sheetbuilder.toml")
	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return configPath
}
