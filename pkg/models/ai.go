package models

import "context"

// AIProvider is the interface all generation backends implement. Worker
// handlers depend on this interface only; concrete providers are chosen at
// startup by the factory.
type AIProvider interface {
	// Generate produces an image from a text prompt.
	Generate(ctx context.Context, req GenerateRequest) (ImageOutput, error)
	// Inpaint redraws the masked region of an existing image per the prompt.
	Inpaint(ctx context.Context, req InpaintRequest) (ImageOutput, error)
	// Describe produces a plain-language description of an image.
	Describe(ctx context.Context, imageURL string) (string, error)
	// Name returns the provider identifier (e.g., "openai", "stability").
	Name() string
}

// GenerateRequest is the input to a text-to-image operation.
type GenerateRequest struct {
	Prompt string
	Size   string
}

// InpaintRequest is the input to an inpainting operation.
type InpaintRequest struct {
	Prompt   string
	ImageURL string
	MaskURL  string
	Size     string
}

// ImageOutput holds produced image bytes plus the model that made them.
type ImageOutput struct {
	Data     []byte
	MimeType string
	Model    string
}
