package llm

import (
	"errors"
	"strings"

	"github.com/voocel/litellm"
)

// Provider names accepted by ProviderConfig.Provider.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	// ProviderCompatible is any OpenAI-compatible endpoint (Groq, vLLM, ...)
	// reached through BaseURL.
	ProviderCompatible = "compatible"
)

// ProviderConfig selects and configures the model backend.
type ProviderConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

// DefaultProviderConfig returns a default provider configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Model:       "gpt-4.1-mini",
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// NewModel builds a ChatModel for config. Without an explicit provider the
// model name decides; unknown names go to an OpenAI-compatible client.
func NewModel(config ProviderConfig) (*LiteLLMAdapter, error) {
	if config.APIKey == "" {
		return nil, errors.New("llm: API key is required")
	}
	if config.Model == "" {
		return nil, errors.New("llm: model is required")
	}

	provider := resolveProvider(config)
	client := newClient(provider, config)

	info := ModelInfo{Name: config.Model, Provider: provider}
	gen := &GenerationConfig{Temperature: config.Temperature, MaxTokens: config.MaxTokens}
	return NewLiteLLMAdapter(client, info, gen), nil
}

func resolveProvider(config ProviderConfig) string {
	switch strings.ToLower(strings.TrimSpace(config.Provider)) {
	case ProviderOpenAI:
		return ProviderOpenAI
	case ProviderAnthropic:
		return ProviderAnthropic
	case ProviderGemini, "google":
		return ProviderGemini
	case ProviderCompatible, "groq":
		return ProviderCompatible
	}

	switch {
	case isAnthropicModel(config.Model):
		return ProviderAnthropic
	case isGeminiModel(config.Model):
		return ProviderGemini
	case isOpenAIModel(config.Model) && config.BaseURL == "":
		return ProviderOpenAI
	default:
		return ProviderCompatible
	}
}

func newClient(provider string, config ProviderConfig) *litellm.Client {
	defaults := litellm.WithDefaults(config.MaxTokens, config.Temperature)
	var baseURL []string
	if config.BaseURL != "" {
		baseURL = append(baseURL, config.BaseURL)
	}

	switch provider {
	case ProviderAnthropic:
		return litellm.New(litellm.WithAnthropic(config.APIKey, baseURL...), defaults)
	case ProviderGemini:
		return litellm.New(litellm.WithGemini(config.APIKey, baseURL...), defaults)
	default:
		return litellm.New(litellm.WithOpenAI(config.APIKey, baseURL...), defaults)
	}
}

// isOpenAIModel checks if the model is an OpenAI model
func isOpenAIModel(model string) bool {
	return hasAnyPrefix(model, "o1", "o3", "o4-mini", "gpt-")
}

// isAnthropicModel checks if the model is an Anthropic model
func isAnthropicModel(model string) bool {
	return hasAnyPrefix(model, "claude-")
}

// isGeminiModel checks if the model is a Gemini model
func isGeminiModel(model string) bool {
	return hasAnyPrefix(model, "gemini-")
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
