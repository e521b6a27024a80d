// -----------------------------------------------------------------------
// Job Handler - REST surface for job submission, inspection and cancel
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pulse/internal/jobs"
	"github.com/ternarybob/pulse/internal/ledger"
)

// JobHandler handles job-related API requests
type JobHandler struct {
	jobService    *jobs.Service
	ledgerService *ledger.Service
	logger        arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *jobs.Service, ledgerService *ledger.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobService:    jobService,
		ledgerService: ledgerService,
		logger:        logger,
	}
}

// SubmitJobHandler accepts a job and starts it in the background
// POST /api/jobs
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.jobService.Submit(r.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("provider", req.Provider).Msg("Job submission rejected")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, job)
}

// ListJobsHandler returns the jobs for a user, newest first
// GET /api/jobs?user_id={id}
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	jobList, err := h.jobService.ListJobs(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobList,
		"count": len(jobList),
	})
}

// GetJobHandler returns a single job by ID
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.jobService.GetJob(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// CancelJobHandler requests cooperative cancellation of a running job
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.jobService.Cancel(jobID); err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cancellation requested")
	WriteSuccess(w, "Cancellation requested")
}

// GetJobCreditsHandler returns the credit ledger for a job
// GET /api/jobs/{id}/credits
func (h *JobHandler) GetJobCreditsHandler(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	balance, err := h.ledgerService.Balance(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to read credit balance")
		WriteError(w, http.StatusInternalServerError, "Failed to read credit balance")
		return
	}

	entries, err := h.ledgerService.Entries(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to list credit entries")
		WriteError(w, http.StatusInternalServerError, "Failed to list credit entries")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"balance": balance,
		"entries": entries,
	})
}

// jobIDFromPath extracts the job ID from /api/jobs/{id} and subpaths
func jobIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
