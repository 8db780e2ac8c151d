package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vellumhq/pipeline/internal/admission"
	mw "github.com/vellumhq/pipeline/internal/api/middleware"
	"github.com/vellumhq/pipeline/internal/api/response"
	"github.com/vellumhq/pipeline/internal/assets"
	"github.com/vellumhq/pipeline/pkg/models"
)

const maxUploadBytes = 20 << 20 // 20 MiB

// AssetWriter is the persistence surface the upload handler needs.
type AssetWriter interface {
	CreateAsset(ctx context.Context, asset *models.Asset) error
}

type uploadResponse struct {
	Asset struct {
		AssetID  uuid.UUID `json:"asset_id"`
		URL      string    `json:"url"`
		FileName string    `json:"file_name"`
	} `json:"asset"`
	Job *jobResponse `json:"job,omitempty"`
	// Admission is set when the post-processing job was denied: the asset
	// was stored but no job was enqueued, for the given reason.
	Admission *admissionDenied `json:"admission,omitempty"`
}

type admissionDenied struct {
	Denied bool   `json:"denied"`
	Reason string `json:"reason"`
}

// NewUploadHandler returns an http.HandlerFunc for POST /api/v1/jobs/upload.
// It stores the uploaded file, records it as an asset, and enqueues a
// post-processing job that describes the new asset.
func NewUploadHandler(objects assets.Store, st AssetWriter, q JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "TENANT_REQUIRED", "Missing tenant", nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Multipart form must include a file field", nil)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			response.Error(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE",
				"Uploaded file exceeds the size limit", nil)
			return
		}
		if len(data) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Uploaded file is empty", nil)
			return
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}

		obj, err := objects.Put(r.Context(), tenantID, header.Filename, data, contentType)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to store uploaded file", nil)
			return
		}

		asset := &models.Asset{
			ID:        uuid.New(),
			TenantID:  tenantID,
			ObjectKey: obj.Key,
			URL:       obj.URL,
			FileName:  header.Filename,
			MimeType:  contentType,
			SizeBytes: int64(len(data)),
			CreatedAt: time.Now().UTC(),
		}
		if err := st.CreateAsset(r.Context(), asset); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to record uploaded asset", nil)
			return
		}

		payload, err := json.Marshal(models.UploadPostprocessPayload{
			AssetID:  asset.ID,
			AssetURL: asset.URL,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		resp := uploadResponse{}
		resp.Asset.AssetID = asset.ID
		resp.Asset.URL = asset.URL
		resp.Asset.FileName = asset.FileName

		job, err := q.Submit(r.Context(), tenantID, models.JobKindUploadPostprocess, payload)
		if err != nil {
			// The asset is stored either way; admission only gates the
			// describe job that would consume quota. The denial still has
			// to be visible to the caller.
			if admErr := admission.AsError(err); admErr != nil {
				resp.Admission = &admissionDenied{Denied: true, Reason: admErr.Reason}
				response.Accepted(w, resp)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		jr := toJobResponse(job)
		resp.Job = &jr
		response.Accepted(w, resp)
	}
}
