package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/models"
	"github.com/ternarybob/permitwatch/internal/services/jobmonitor"
)

// CreateJobBody is the body of POST /api/jobs
type CreateJobBody struct {
	CountyID   string                 `json:"county_id"`
	JobType    string                 `json:"job_type"`
	Parameters map[string]interface{} `json:"parameters"`
}

type JobHandler struct {
	client   interfaces.ResourceClient
	registry JobRegistry
	logger   arbor.ILogger
}

func NewJobHandler(client interfaces.ResourceClient, registry JobRegistry, logger arbor.ILogger) *JobHandler {
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	return &JobHandler{
		client:   client,
		registry: registry,
		logger:   logger,
	}
}

// ListJobsHandler returns the state of every watched job
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	states := make([]jobmonitor.JobState, 0)
	for _, jobID := range h.registry.Active() {
		if m, ok := h.registry.Lookup(jobID); ok {
			states = append(states, m.State())
		}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  states,
		"count": len(states),
	})
}

// CreateJobHandler submits a job to the backend and keeps it monitored until
// it finishes
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var body CreateJobBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap, err := h.client.CreateJob(r.Context(), &models.CreateJobRequest{
		CountyID:   body.CountyID,
		JobType:    body.JobType,
		Parameters: body.Parameters,
	})
	if err != nil {
		h.writeBackendError(w, err, body.CountyID)
		return
	}

	if err := h.registry.Adopt(r.Context(), snap.JobID); err != nil {
		h.logger.Error().Err(err).Str("job_id", snap.JobID).Msg("Created job could not be monitored")
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	h.logger.Info().
		Str("job_id", snap.JobID).
		Str("county_id", body.CountyID).
		Str("job_type", body.JobType).
		Msg("Job created and watched")

	WriteJSON(w, http.StatusCreated, snap)
}

// GetJobHandler returns the monitor state of a watched job
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID := PathSegment(r, 2)
	m, ok := h.registry.Lookup(jobID)
	if !ok {
		WriteError(w, http.StatusNotFound, "job is not being watched")
		return
	}
	WriteJSON(w, http.StatusOK, m.State())
}

// CancelJobHandler cancels a job. Watched jobs go through their monitor so the
// local state flips to cancelled at once; other jobs are cancelled directly.
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := PathSegment(r, 2)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job id is required")
		return
	}

	var err error
	if m, ok := h.registry.Lookup(jobID); ok {
		err = m.Cancel(r.Context())
	} else {
		err = h.client.CancelJob(r.Context(), jobID)
	}
	if err != nil {
		h.writeBackendError(w, err, "")
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"message": "Job cancelled successfully",
	})
}

// UnwatchJobHandler stops the server's own monitoring of a job. Dashboard
// clients watching the same job keep their monitor.
func (h *JobHandler) UnwatchJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	jobID := PathSegment(r, 2)
	if !h.registry.Disown(jobID) {
		WriteError(w, http.StatusNotFound, "job is not being watched")
		return
	}
	WriteSuccess(w, "Job released")
}

func (h *JobHandler) writeBackendError(w http.ResponseWriter, err error, countyID string) {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, interfaces.ErrConflict):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, interfaces.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Warn().Err(err).Str("county_id", countyID).Msg("Backend request failed")
		WriteError(w, http.StatusBadGateway, err.Error())
	}
}
