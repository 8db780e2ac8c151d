package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vellumhq/pipeline/internal/assets"
	"github.com/vellumhq/pipeline/internal/store"
	"github.com/vellumhq/pipeline/pkg/models"
)

// NewHandlers returns one handler per supported job kind.
func NewHandlers(provider models.AIProvider, assetStore assets.Store, st store.Store) []Handler {
	return []Handler{
		&GenerateHandler{provider: provider, assets: assetStore, store: st},
		&InpaintHandler{provider: provider, assets: assetStore, store: st},
		&DescribeHandler{provider: provider, store: st},
		&UploadPostprocessHandler{provider: provider, store: st},
	}
}

// GenerateHandler produces an image from a prompt and stores it as an asset.
type GenerateHandler struct {
	provider models.AIProvider
	assets   assets.Store
	store    store.Store
}

func (h *GenerateHandler) Kind() string { return models.JobKindGenerate }

func (h *GenerateHandler) Handle(ctx context.Context, job *models.Job) (json.RawMessage, []*models.UsageRecord, error) {
	var p models.GeneratePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, nil, &PermanentError{Code: "invalid_payload", Err: err}
	}
	if p.Prompt == "" {
		return nil, nil, &PermanentError{Code: "invalid_payload", Err: errors.New("prompt is required")}
	}

	out, err := h.provider.Generate(ctx, models.GenerateRequest{Prompt: p.Prompt, Size: p.Size})
	if err != nil {
		return nil, nil, err
	}

	asset, err := storeImage(ctx, h.assets, h.store, job.TenantID, out)
	if err != nil {
		return nil, nil, err
	}

	result, err := json.Marshal(models.GenerateResult{AssetID: asset.ID, AssetURL: asset.URL, Model: out.Model})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	usage, err := usageFor(ctx, h.store, job, models.EventTypeGeneration)
	if err != nil {
		return nil, nil, err
	}
	return result, usage, nil
}

// InpaintHandler redraws a masked region of an existing asset.
type InpaintHandler struct {
	provider models.AIProvider
	assets   assets.Store
	store    store.Store
}

func (h *InpaintHandler) Kind() string { return models.JobKindInpaint }

func (h *InpaintHandler) Handle(ctx context.Context, job *models.Job) (json.RawMessage, []*models.UsageRecord, error) {
	var p models.GeneratePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, nil, &PermanentError{Code: "invalid_payload", Err: err}
	}
	if p.Prompt == "" || p.ImageURL == "" || p.MaskURL == "" {
		return nil, nil, &PermanentError{Code: "invalid_payload",
			Err: errors.New("prompt, image_url, and mask_url are required")}
	}

	out, err := h.provider.Inpaint(ctx, models.InpaintRequest{
		Prompt:   p.Prompt,
		ImageURL: p.ImageURL,
		MaskURL:  p.MaskURL,
		Size:     p.Size,
	})
	if err != nil {
		return nil, nil, err
	}

	asset, err := storeImage(ctx, h.assets, h.store, job.TenantID, out)
	if err != nil {
		return nil, nil, err
	}

	result, err := json.Marshal(models.GenerateResult{AssetID: asset.ID, AssetURL: asset.URL, Model: out.Model})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	usage, err := usageFor(ctx, h.store, job, models.EventTypeGeneration)
	if err != nil {
		return nil, nil, err
	}
	return result, usage, nil
}

// DescribeHandler produces a plain-language description of an image URL.
type DescribeHandler struct {
	provider models.AIProvider
	store    store.Store
}

func (h *DescribeHandler) Kind() string { return models.JobKindDescribe }

func (h *DescribeHandler) Handle(ctx context.Context, job *models.Job) (json.RawMessage, []*models.UsageRecord, error) {
	var p models.DescribePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, nil, &PermanentError{Code: "invalid_payload", Err: err}
	}
	if p.ImageURL == "" {
		return nil, nil, &PermanentError{Code: "invalid_payload", Err: errors.New("image_url is required")}
	}

	desc, err := h.provider.Describe(ctx, p.ImageURL)
	if err != nil {
		return nil, nil, err
	}

	result, err := json.Marshal(models.DescribeResult{Description: desc})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	usage, err := usageFor(ctx, h.store, job, models.EventTypeDescription)
	if err != nil {
		return nil, nil, err
	}
	return result, usage, nil
}

// UploadPostprocessHandler describes a freshly uploaded asset and writes the
// description back onto the asset row.
type UploadPostprocessHandler struct {
	provider models.AIProvider
	store    store.Store
}

func (h *UploadPostprocessHandler) Kind() string { return models.JobKindUploadPostprocess }

func (h *UploadPostprocessHandler) Handle(ctx context.Context, job *models.Job) (json.RawMessage, []*models.UsageRecord, error) {
	var p models.UploadPostprocessPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, nil, &PermanentError{Code: "invalid_payload", Err: err}
	}
	if p.AssetID == uuid.Nil || p.AssetURL == "" {
		return nil, nil, &PermanentError{Code: "invalid_payload",
			Err: errors.New("asset_id and asset_url are required")}
	}

	desc, err := h.provider.Describe(ctx, p.AssetURL)
	if err != nil {
		return nil, nil, err
	}

	if err := h.store.SetAssetDescription(ctx, p.AssetID, job.TenantID, desc); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, &PermanentError{Code: "asset_missing",
				Err: fmt.Errorf("asset %s not found for tenant", p.AssetID)}
		}
		return nil, nil, err
	}

	assetID := p.AssetID
	result, err := json.Marshal(models.DescribeResult{AssetID: &assetID, Description: desc})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	usage, err := usageFor(ctx, h.store, job, models.EventTypeDescription)
	if err != nil {
		return nil, nil, err
	}
	return result, usage, nil
}

// storeImage pushes provider output to the object store and records the asset.
func storeImage(ctx context.Context, as assets.Store, st store.Store, tenantID uuid.UUID, out models.ImageOutput) (*models.Asset, error) {
	obj, err := as.Put(ctx, tenantID, "generated", out.Data, out.MimeType)
	if err != nil {
		return nil, fmt.Errorf("storing generated image: %w", err)
	}

	asset := &models.Asset{
		ID:        uuid.New(),
		TenantID:  tenantID,
		ObjectKey: obj.Key,
		URL:       obj.URL,
		FileName:  "generated",
		MimeType:  out.MimeType,
		SizeBytes: int64(len(out.Data)),
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("recording generated asset: %w", err)
	}
	return asset, nil
}

// usageFor builds the single usage record a successful execution earns,
// stamped with the tenant's current billing cycle.
func usageFor(ctx context.Context, st store.Store, job *models.Job, eventType string) ([]*models.UsageRecord, error) {
	tenant, err := st.GetTenant(ctx, job.TenantID)
	if err != nil {
		return nil, fmt.Errorf("reading tenant for usage: %w", err)
	}
	return []*models.UsageRecord{{
		ID:             uuid.New(),
		TenantID:       job.TenantID,
		EventType:      eventType,
		Quantity:       1,
		BillingCycleID: tenant.BillingCycleID,
		CreatedAt:      time.Now().UTC(),
	}}, nil
}
