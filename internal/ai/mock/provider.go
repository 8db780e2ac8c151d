// Package mock provides an in-memory AIProvider for tests and local
// development without provider credentials.
package mock

import (
	"context"
	"fmt"

	"github.com/vellumhq/pipeline/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing.
type MockProvider struct {
	Name_        string
	GenerateFunc func(ctx context.Context, req models.GenerateRequest) (models.ImageOutput, error)
	InpaintFunc  func(ctx context.Context, req models.InpaintRequest) (models.ImageOutput, error)
	DescribeFunc func(ctx context.Context, imageURL string) (string, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Generate(ctx context.Context, req models.GenerateRequest) (models.ImageOutput, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return models.ImageOutput{}, nil
}

func (m *MockProvider) Inpaint(ctx context.Context, req models.InpaintRequest) (models.ImageOutput, error) {
	if m.InpaintFunc != nil {
		return m.InpaintFunc(ctx, req)
	}
	return models.ImageOutput{}, nil
}

func (m *MockProvider) Describe(ctx context.Context, imageURL string) (string, error) {
	if m.DescribeFunc != nil {
		return m.DescribeFunc(ctx, imageURL)
	}
	return "", nil
}

// pngHeader is enough bytes for content-type sniffing in tests.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// NewProvider returns a MockProvider with sensible default responses.
func NewProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		GenerateFunc: func(_ context.Context, req models.GenerateRequest) (models.ImageOutput, error) {
			return models.ImageOutput{Data: pngHeader, MimeType: "image/png", Model: "mock-v1"}, nil
		},
		InpaintFunc: func(_ context.Context, req models.InpaintRequest) (models.ImageOutput, error) {
			return models.ImageOutput{Data: pngHeader, MimeType: "image/png", Model: "mock-v1"}, nil
		},
		DescribeFunc: func(_ context.Context, imageURL string) (string, error) {
			return fmt.Sprintf("Mock description of %s", imageURL), nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		GenerateFunc: func(_ context.Context, _ models.GenerateRequest) (models.ImageOutput, error) {
			return models.ImageOutput{}, err
		},
		InpaintFunc: func(_ context.Context, _ models.InpaintRequest) (models.ImageOutput, error) {
			return models.ImageOutput{}, err
		},
		DescribeFunc: func(_ context.Context, _ string) (string, error) {
			return "", err
		},
	}
}

var _ models.AIProvider = (*MockProvider)(nil)
