// Package openai implements models.AIProvider against the OpenAI HTTP API:
// the images API for generate/inpaint and chat completions for describe.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vellumhq/pipeline/internal/ai/aierr"
	"github.com/vellumhq/pipeline/internal/config"
	"github.com/vellumhq/pipeline/pkg/models"
)

const baseURL = "https://api.openai.com/v1"

// Provider implements models.AIProvider using OpenAI.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig, timeout time.Duration) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return "openai" }

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (p *Provider) Generate(ctx context.Context, req models.GenerateRequest) (models.ImageOutput, error) {
	body := map[string]any{
		"model":  p.cfg.ImageModel,
		"prompt": req.Prompt,
		"n":      1,
	}
	if req.Size != "" {
		body["size"] = req.Size
	}

	raw, err := p.postJSON(ctx, "/images/generations", body)
	if err != nil {
		return models.ImageOutput{}, err
	}
	return p.decodeImage(raw)
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

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("model", p.cfg.ImageModel)
	_ = w.WriteField("prompt", req.Prompt)
	if req.Size != "" {
		_ = w.WriteField("size", req.Size)
	}
	if err := writeFilePart(w, "image", "image.png", image); err != nil {
		return models.ImageOutput{}, err
	}
	if err := writeFilePart(w, "mask", "mask.png", mask); err != nil {
		return models.ImageOutput{}, err
	}
	if err := w.Close(); err != nil {
		return models.ImageOutput{}, fmt.Errorf("closing multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/images/edits", &buf)
	if err != nil {
		return models.ImageOutput{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	raw, err := p.do(httpReq)
	if err != nil {
		return models.ImageOutput{}, err
	}
	return p.decodeImage(raw)
}

func (p *Provider) Describe(ctx context.Context, imageURL string) (string, error) {
	body := map[string]any{
		"model": p.cfg.TextModel,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": "Describe this image in one or two sentences for use as alt text."},
				{"type": "image_url", "image_url": map[string]string{"url": imageURL}},
			},
		}},
	}

	raw, err := p.postJSON(ctx, "/chat/completions", body)
	if err != nil {
		return "", err
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", aierr.ErrProviderUnavailable)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (p *Provider) postJSON(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	return p.do(httpReq)
}

func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, raw)
	}
	return raw, nil
}

func (p *Provider) decodeImage(raw []byte) (models.ImageOutput, error) {
	var resp imageResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.ImageOutput{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return models.ImageOutput{}, fmt.Errorf("%w: no image in response", aierr.ErrProviderUnavailable)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return models.ImageOutput{}, fmt.Errorf("decoding image data: %w", err)
	}
	return models.ImageOutput{Data: data, MimeType: "image/png", Model: p.cfg.ImageModel}, nil
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

func writeFilePart(w *multipart.Writer, field, name string, data []byte) error {
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("writing form file: %w", err)
	}
	return nil
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
	msg := errorMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", aierr.ErrRateLimited, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", aierr.ErrProviderUnavailable, status, msg)
	case status == http.StatusBadRequest && strings.Contains(msg, "content_policy"):
		return fmt.Errorf("%w: %s", aierr.ErrContentPolicy, msg)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: status %d: %s", aierr.ErrInvalidPrompt, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", aierr.ErrProviderUnavailable, status, msg)
	}
}

func errorMessage(body []byte) string {
	var resp struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error.Message != "" {
		if resp.Error.Code != "" {
			return resp.Error.Code + ": " + resp.Error.Message
		}
		return resp.Error.Message
	}
	return string(body)
}

var _ models.AIProvider = (*Provider)(nil)
