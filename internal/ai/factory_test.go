package ai_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vellumhq/pipeline/internal/ai"
	"github.com/vellumhq/pipeline/internal/config"
)

func TestNewProvider_OpenAI(t *testing.T) {
	cfg := config.AIConfig{
		Provider:         "openai",
		InferenceTimeout: 90 * time.Second,
		OpenAI:           config.OpenAIConfig{APIKey: "sk-test", ImageModel: "gpt-image-1", TextModel: "gpt-4o-mini"},
	}
	p, err := ai.NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestNewProvider_Stability(t *testing.T) {
	cfg := config.AIConfig{
		Provider:         "stability",
		InferenceTimeout: 90 * time.Second,
		Stability:        config.StabilityConfig{APIKey: "sk-test", Model: "sd3.5-large"},
	}
	p, err := ai.NewProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "stability", p.Name())
}

func TestNewProvider_Mock(t *testing.T) {
	p, err := ai.NewProvider(config.AIConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := ai.NewProvider(config.AIConfig{Provider: "dalle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown AI provider")
	assert.Contains(t, err.Error(), "dalle")
}
