// Package models contains shared data models used across the pipeline codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStateQueued    = "queued"
	JobStateActive    = "active"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
)

const (
	JobKindGenerate          = "generate"
	JobKindInpaint           = "inpaint"
	JobKindDescribe          = "describe"
	JobKindUploadPostprocess = "upload-postprocess"
)

// ValidJobKind reports whether kind is one of the supported job kinds.
func ValidJobKind(kind string) bool {
	switch kind {
	case JobKindGenerate, JobKindInpaint, JobKindDescribe, JobKindUploadPostprocess:
		return true
	}
	return false
}

// Job is the unit of asynchronous work. The API returns a job id on submission;
// the client polls GET /api/v1/jobs/{id} until state is completed or failed.
//
// A job moves strictly forward: queued -> active -> completed|failed, with
// active -> queued allowed only as a retry (worker failure or lease expiry).
type Job struct {
	ID             uuid.UUID       `db:"id"               json:"id"`
	TenantID       uuid.UUID       `db:"tenant_id"        json:"tenant_id"`
	Kind           string          `db:"kind"             json:"kind"`
	Payload        json.RawMessage `db:"payload"          json:"payload"`
	State          string          `db:"state"            json:"state"`
	Result         json.RawMessage `db:"result"           json:"result,omitempty"`
	Error          json.RawMessage `db:"error"            json:"error,omitempty"`
	Attempts       int             `db:"attempts"         json:"attempts"`
	WorkerID       *string         `db:"worker_id"        json:"-"`
	LeaseExpiresAt *time.Time      `db:"lease_expires_at" json:"-"`
	CreatedAt      time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"       json:"updated_at"`
}

// JobError is the structured failure reason stored on a failed job.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// GeneratePayload is the input for generate and inpaint jobs. For inpaint,
// ImageURL and MaskURL point at the asset being edited.
type GeneratePayload struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url,omitempty"`
	MaskURL  string `json:"mask_url,omitempty"`
	Size     string `json:"size,omitempty"`
}

// DescribePayload is the input for describe jobs.
type DescribePayload struct {
	ImageURL string `json:"image_url"`
}

// UploadPostprocessPayload is the input for jobs enqueued after an asset upload.
type UploadPostprocessPayload struct {
	AssetID  uuid.UUID `json:"asset_id"`
	AssetURL string    `json:"asset_url"`
}

// GenerateResult is the output of generate and inpaint jobs.
type GenerateResult struct {
	AssetID  uuid.UUID `json:"asset_id"`
	AssetURL string    `json:"asset_url"`
	Model    string    `json:"model,omitempty"`
}

// DescribeResult is the output of describe and upload-postprocess jobs.
type DescribeResult struct {
	AssetID     *uuid.UUID `json:"asset_id,omitempty"`
	Description string     `json:"description"`
}
