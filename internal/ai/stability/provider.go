// Package stability implements models.AIProvider against the Stability AI
// v2beta stable-image endpoints. Stability has no captioning endpoint, so
// Describe reports an unsupported operation.
package stability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/vellumhq/pipeline/internal/ai/aierr"
	"github.com/vellumhq/pipeline/internal/config"
	"github.com/vellumhq/pipeline/pkg/models"
)

const baseURL = "https://api.stability.ai/v2beta/stable-image"

// Provider implements models.AIProvider using Stability AI.
type Provider struct {
	cfg    config.StabilityConfig
	client *http.Client
}

func NewProvider(cfg config.StabilityConfig, timeout time.Duration) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return "stability" }

func (p *Provider) Generate(ctx context.Context, req models.GenerateRequest) (models.ImageOutput, error) {
	fields := map[string]string{
		"prompt": req.Prompt,
		"model":  p.cfg.Model,
	}
	return p.postForm(ctx, "/generate/core", fields, nil)
}

func (p *Provider) Inpaint(ctx context.Context, req models.InpaintRequest) (models.ImageOutput, error) {
	image, err := p.fetch(ctx, req.ImageURL)
	if err != nil {
		return models.ImageOutput{}, fmt.Errorf("fetching source image: %w", err)
	}
	mask, err := p.fetch(ctx, req.MaskURL)
	if err != nil {
		return models.ImageOutput{}, fmt.Errorf("fetching mask: %w", err)
	}
	fields := map[string]string{"prompt": req.Prompt}
	files := map[string][]byte{"image": image, "mask": mask}
	return p.postForm(ctx, "/edit/inpaint", fields, files)
}

func (p *Provider) Describe(_ context.Context, _ string) (string, error) {
	return "", fmt.Errorf("%w: stability has no describe endpoint", aierr.ErrUnsupportedOperation)
}

func (p *Provider) postForm(ctx context.Context, path string, fields map[string]string, files map[string][]byte) (models.ImageOutput, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = w.WriteField(k, v)
	}
	for name, data := range files {
		part, err := w.CreateFormFile(name, name+".png")
		if err != nil {
			return models.ImageOutput{}, fmt.Errorf("creating form file: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return models.ImageOutput{}, fmt.Errorf("writing form file: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return models.ImageOutput{}, fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, &buf)
	if err != nil {
		return models.ImageOutput{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "image/*")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.ImageOutput{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ImageOutput{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.ImageOutput{}, classifyStatus(resp.StatusCode, raw)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	return models.ImageOutput{Data: raw, MimeType: mime, Model: p.cfg.Model}, nil
}

func (p *Provider) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: asset fetch returned %d", aierr.ErrProviderUnavailable, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", aierr.ErrInferenceTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", aierr.ErrInferenceTimeout, err)
	}
	return fmt.Errorf("%w: %v", aierr.ErrProviderUnavailable, err)
}

func classifyStatus(status int, body []byte) error {
	var resp struct {
		Errors []string `json:"errors"`
		Name   string   `json:"name"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &resp); err == nil && len(resp.Errors) > 0 {
		msg = resp.Errors[0]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", aierr.ErrRateLimited, msg)
	case resp.Name == "content_moderation" || status == http.StatusForbidden && resp.Name != "":
		return fmt.Errorf("%w: %s", aierr.ErrContentPolicy, msg)
	case status >= 400 && status < 500 && status != http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d: %s", aierr.ErrInvalidPrompt, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", aierr.ErrProviderUnavailable, status, msg)
	}
}

var _ models.AIProvider = (*Provider)(nil)
