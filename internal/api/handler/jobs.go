package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vellumhq/pipeline/internal/admission"
	mw "github.com/vellumhq/pipeline/internal/api/middleware"
	"github.com/vellumhq/pipeline/internal/api/response"
	"github.com/vellumhq/pipeline/internal/queue"
	"github.com/vellumhq/pipeline/internal/store"
	"github.com/vellumhq/pipeline/pkg/models"
)

// JobQueue is the queue surface the job handlers depend on.
type JobQueue interface {
	Submit(ctx context.Context, tenantID uuid.UUID, kind string, payload json.RawMessage) (*models.Job, error)
	Status(ctx context.Context, jobID, tenantID uuid.UUID) (*models.Job, error)
}

type jobResponse struct {
	JobID     uuid.UUID        `json:"job_id"`
	Kind      string           `json:"kind"`
	State     string           `json:"state"`
	Attempts  int              `json:"attempts"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     *models.JobError `json:"error,omitempty"`
	CreatedAt string           `json:"created_at"`
	UpdatedAt string           `json:"updated_at"`
}

func toJobResponse(job *models.Job) jobResponse {
	resp := jobResponse{
		JobID:     job.ID,
		Kind:      job.Kind,
		State:     job.State,
		Attempts:  job.Attempts,
		Result:    job.Result,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if len(job.Error) > 0 {
		var jobErr models.JobError
		if err := json.Unmarshal(job.Error, &jobErr); err == nil {
			resp.Error = &jobErr
		}
	}
	return resp
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "TENANT_REQUIRED", "Missing tenant", nil)
			return
		}

		var req struct {
			Kind    string          `json:"kind"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Kind == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "kind is required", nil)
			return
		}

		job, err := q.Submit(r.Context(), tenantID, req.Kind, req.Payload)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrUnknownKind):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"Unsupported job kind", map[string]string{"kind": req.Kind})
			case admission.AsError(err) != nil:
				response.Error(w, http.StatusForbidden, "ADMISSION_DENIED",
					"Job was not admitted", map[string]string{"reason": admission.AsError(err).Reason})
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, toJobResponse(job))
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(q JobQueue, jobIDParam func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "TENANT_REQUIRED", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(jobIDParam(r))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Malformed job ID", nil)
			return
		}

		job, err := q.Status(r.Context(), jobID, tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, toJobResponse(job))
	}
}
