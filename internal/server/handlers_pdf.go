package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bobmcallan/sheetbuilder/internal/compose"
	"github.com/bobmcallan/sheetbuilder/internal/models"
	"github.com/bobmcallan/sheetbuilder/internal/registry"
)

// maxMultipartMemory bounds how much of a multipart upload ParseMultipartForm
// buffers in memory before spilling to a temp file; the PDF itself still
// streams through to storage via SaveUpload regardless of this value.
const maxMultipartMemory = 32 << 20

func (s *Server) handlePDFHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "Healthy",
		"timestamp": time.Now(),
		"service":   "sheetbuilder",
	})
}

// parseCompositionParams reads and validates the rotationAngle and order
// form fields shared by both processing endpoints. Writes a 400 response
// and returns ok=false on any validation failure.
func parseCompositionParams(w http.ResponseWriter, r *http.Request) (rotation int, order models.Order, ok bool) {
	rot, err := strconv.Atoi(r.FormValue("rotationAngle"))
	if err != nil || rot < 0 || rot > 360 {
		WriteError(w, http.StatusBadRequest, "rotationAngle must be an integer between 0 and 360")
		return 0, "", false
	}
	return rot, models.ParseOrder(r.FormValue("order")), true
}

// handleProcessWithProgress handles POST /api/pdf/process-with-progress: the
// asynchronous submission path. It stages the upload, registers it against
// the Reliability Registry, and dispatches a composition job — never
// blocking on the composition itself.
func (s *Server) handleProcessWithProgress(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("pdfFile")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Missing or invalid pdfFile field")
		return
	}
	defer file.Close()

	rotation, order, ok := parseCompositionParams(w, r)
	if !ok {
		return
	}

	fp := models.NewFingerprint(header.Filename, header.Size, rotation, string(order))
	digest := s.app.ComputeDigest(fp)

	outcome, jobID, result := s.app.Registry.RegisterOrResolve(digest, func() string {
		return s.app.Broker.CreateJob()
	})

	switch outcome {
	case registry.DuplicateActive:
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success":     true,
			"jobId":       jobID,
			"duplicateOf": true,
		})
		return
	case registry.DuplicateCompleted:
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success":     true,
			"jobId":       jobID,
			"duplicateOf": true,
			"result":      result,
		})
		return
	}

	uploadPath, _, err := s.app.Storage.SaveUpload(jobID, header.Filename, file)
	if err != nil {
		s.logger.Error().Err(err).Str("jobId", jobID).Msg("Failed to stage PDF upload")
		s.app.Broker.FailJob(jobID, "failed to stage upload")
		s.app.Registry.MarkFailed(digest, jobID)
		WriteError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	s.app.Dispatch(compose.Job{
		JobID:            jobID,
		Digest:           digest,
		UploadPath:       uploadPath,
		OriginalFileName: header.Filename,
		Rotation:         rotation,
		Order:            order,
	})

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"jobId":   jobID,
	})
}

// handleProcessLegacy handles POST /api/pdf/process: the synchronous path.
// Large uploads are redirected to the async endpoint per policy; otherwise
// the job runs to completion on the request goroutine and the final result
// is returned directly.
func (s *Server) handleProcessLegacy(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("pdfFile")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Missing or invalid pdfFile field")
		return
	}
	defer file.Close()

	if s.app.Registry.ShouldBlockLegacy(header.Size) {
		WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"success":          false,
			"message":          "File exceeds the synchronous processing size threshold",
			"requiredEndpoint": "/api/pdf/process-with-progress",
		})
		return
	}

	rotation, order, ok := parseCompositionParams(w, r)
	if !ok {
		return
	}

	fp := models.NewFingerprint(header.Filename, header.Size, rotation, string(order))
	digest := s.app.ComputeDigest(fp)
	jobID := s.app.Broker.CreateJob()

	uploadPath, _, err := s.app.Storage.SaveUpload(jobID, header.Filename, file)
	if err != nil {
		s.logger.Error().Err(err).Str("jobId", jobID).Msg("Failed to stage PDF upload")
		s.app.Broker.FailJob(jobID, "failed to stage upload")
		WriteError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	s.app.Worker.Run(compose.Job{
		JobID:            jobID,
		Digest:           digest,
		UploadPath:       uploadPath,
		OriginalFileName: header.Filename,
		Rotation:         rotation,
		Order:            order,
	})

	status := s.app.Broker.GetStatus(jobID)
	if status == nil || status.Stage != models.StageCompleted {
		msg := "Composition failed"
		if status != nil && status.ErrorMessage != "" {
			msg = status.ErrorMessage
		}
		WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": msg,
		})
		return
	}
	WriteJSON(w, http.StatusOK, status.Result)
}

// handleStatus handles GET /api/pdf/status/{jobId}: a point-in-time snapshot
// of a job's record, for clients that poll instead of streaming.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := PathParam(r, "/api/pdf/status/", "")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Missing jobId")
		return
	}

	status := s.app.Broker.GetStatus(jobID)
	if status == nil {
		WriteError(w, http.StatusNotFound, "Unknown jobId")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"jobId":     status.JobID,
		"stage":     status.Stage,
		"startTime": status.StartedAt,
		"endTime":   status.EndedAt,
		"progress":  status.LastProgress,
		"result":    status.Result,
		"error":     status.ErrorMessage,
	})
}

// handleDownload handles GET /api/pdf/download/{filename}: streams a
// composed output with range-request support, resolving a bare filename to
// the most recently written match.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	name := PathParam(r, "/api/pdf/download/", "")
	if name == "" {
		WriteError(w, http.StatusBadRequest, "Missing filename")
		return
	}

	resolved, err := s.app.Storage.ResolveOutput(name)
	if err != nil {
		WriteError(w, http.StatusNotFound, "File not found")
		return
	}

	f, info, err := s.app.Storage.OpenOutput(resolved)
	if err != nil {
		WriteError(w, http.StatusNotFound, "File not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, resolved))
	http.ServeContent(w, r, resolved, info.ModTime(), f)

	if r.URL.Query().Get("deleteAfterDownload") == "true" {
		s.app.Storage.DeleteOutputAfterDownload(resolved)
	}
}
