package ai

import (
	"fmt"

	"github.com/vellumhq/pipeline/internal/ai/mock"
	"github.com/vellumhq/pipeline/internal/ai/openai"
	"github.com/vellumhq/pipeline/internal/ai/stability"
	"github.com/vellumhq/pipeline/internal/config"
	"github.com/vellumhq/pipeline/pkg/models"
)

// NewProvider constructs the appropriate AI provider based on config.
// Called once at worker startup.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(cfg.OpenAI, cfg.InferenceTimeout), nil
	case "stability":
		return stability.NewProvider(cfg.Stability, cfg.InferenceTimeout), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of openai, stability, mock", cfg.Provider)
	}
}
