package models

import (
	"time"

	"github.com/google/uuid"
)

// Asset is an uploaded or generated file stored in the object store.
// Description is filled in asynchronously by an upload-postprocess job.
type Asset struct {
	ID          uuid.UUID `db:"id"          json:"id"`
	TenantID    uuid.UUID `db:"tenant_id"   json:"tenant_id"`
	ObjectKey   string    `db:"object_key"  json:"object_key"`
	URL         string    `db:"url"         json:"url"`
	FileName    string    `db:"file_name"   json:"file_name"`
	MimeType    string    `db:"mime_type"   json:"mime_type"`
	SizeBytes   int64     `db:"size_bytes"  json:"size_bytes"`
	Description *string   `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at"  json:"created_at"`
}
