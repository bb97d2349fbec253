package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/bobmcallan/sheetbuilder/internal/common"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)
	mux.HandleFunc("/debug/memstats", s.handleMemstats)

	// PDF sheet composition
	mux.HandleFunc("/api/pdf/health", s.handlePDFHealth)
	mux.Handle("/api/pdf/process-with-progress", submissionRateLimiter(s.limiter, s.logger)(http.HandlerFunc(s.handleProcessWithProgress)))
	mux.Handle("/api/pdf/process", submissionRateLimiter(s.limiter, s.logger)(http.HandlerFunc(s.handleProcessLegacy)))
	mux.HandleFunc("/api/pdf/progress/", s.handleProgressStream)
	mux.HandleFunc("/api/pdf/status/", s.handleStatus)
	mux.HandleFunc("/api/pdf/download/", s.handleDownload)
	mux.HandleFunc("/api/pdf/jobs", s.handleJobList)
}

// handleShutdown handles POST /api/shutdown (dev mode only).
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if s.app.Config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled in production")
		return
	}

	s.logger.Info().Msg("Shutdown requested via HTTP endpoint")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Shutting down gracefully...\n"))

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	correlationID := r.URL.Query().Get("correlation_id")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := parseInt(l); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}

	uptime := time.Since(s.app.StartupTime).Round(time.Second)
	jobs := s.app.Broker.ListJobs()

	active, completed, failed := 0, 0, 0
	for _, j := range jobs {
		switch j.Stage {
		case "Completed":
			completed++
		case "Failed":
			failed++
		default:
			active++
		}
	}

	resp := map[string]interface{}{
		"version":        common.GetVersion(),
		"build":          common.GetBuild(),
		"commit":         common.GetGitCommit(),
		"uptime":         uptime.String(),
		"started_at":     s.app.StartupTime,
		"jobs_tracked":   len(jobs),
		"jobs_active":    active,
		"jobs_completed": completed,
		"jobs_failed":    failed,
	}

	if correlationID != "" {
		if logs, err := s.logger.GetMemoryLogsForCorrelation(correlationID); err == nil {
			resp["correlation_logs"] = logs
		}
	}

	if logs, err := s.logger.GetMemoryLogsWithLimit(limit); err == nil {
		resp["recent_logs"] = logs
	}

	WriteJSON(w, http.StatusOK, resp)
}

// parseInt parses a decimal query parameter, matching the teacher's
// json.Number-based parser rather than strconv so malformed values fail
// the same way across both codebases.
func parseInt(s string) (int, error) {
	n, err := json.Number(s).Int64()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Server) handleMemstats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"heap_alloc_bytes": m.HeapAlloc,
		"heap_inuse_bytes": m.HeapInuse,
		"heap_idle_bytes":  m.HeapIdle,
		"sys_bytes":        m.Sys,
		"num_gc":           m.NumGC,
		"heap_alloc_mb":    float64(m.HeapAlloc) / 1024 / 1024,
		"heap_inuse_mb":    float64(m.HeapInuse) / 1024 / 1024,
		"heap_idle_mb":     float64(m.HeapIdle) / 1024 / 1024,
		"sys_mb":           float64(m.Sys) / 1024 / 1024,
	})
}

// handleJobList backs the supplemented admin listing over the Broker's
// tracked jobs — useful for operators since there is no database to query.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": s.app.Broker.ListJobs(),
	})
}
