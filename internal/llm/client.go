// Package llm holds the provider clients behind the Builder, Auditor,
// Doctor, and Replanner agents. Providers share one interface; the registry
// layers circuit breaking and provider fallback on top.
package llm

import (
	"context"
	"fmt"
	"strings"

	"autopack/internal/config"
)

// Usage is the token accounting one call reports.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Add folds another call's usage in.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
	}
}

// Result is a completion with its token accounting.
type Result struct {
	Text  string
	Usage Usage
}

// Client defines the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// Generate is CompleteWithSystem with token accounting, for callers
	// that meter budgets.
	Generate(ctx context.Context, systemPrompt, userPrompt string) (*Result, error)

	GetModel() string
	SetModel(model string)
}

// NewClient builds the configured provider's client. The model comes from
// cfg.LLM.Model when set, otherwise the provider default; BaseURL likewise.
func NewClient(cfg *config.Config) (Client, error) {
	return NewProviderClient(cfg, cfg.LLM.Provider, cfg.LLM.APIKey)
}

// NewProviderClient builds a client for an explicit provider and key,
// keeping cfg's model/baseURL/timeout overrides. The registry uses this to
// bind fallback providers found in the environment.
func NewProviderClient(cfg *config.Config, provider, apiKey string) (Client, error) {
	timeout := cfg.GetLLMTimeout()

	switch provider {
	case "anthropic":
		c := DefaultAnthropicConfig(apiKey)
		c.Timeout = timeout
		applyOverrides(&c.BaseURL, &c.Model, cfg, provider)
		return NewAnthropicClientWithConfig(c), nil

	case "openai":
		c := DefaultOpenAIConfig(apiKey)
		c.Timeout = timeout
		applyOverrides(&c.BaseURL, &c.Model, cfg, provider)
		return NewOpenAIClientWithConfig(c), nil

	case "xai":
		c := DefaultXAIConfig(apiKey)
		c.Timeout = timeout
		applyOverrides(&c.BaseURL, &c.Model, cfg, provider)
		return NewOpenAIClientWithConfig(c), nil

	case "gemini":
		// The genai SDK manages its own transport; only the model is
		// overridable here.
		c := DefaultGeminiConfig(apiKey)
		applyOverrides(new(string), &c.Model, cfg, provider)
		return NewGeminiClientWithConfig(c)

	default:
		return nil, fmt.Errorf("unknown provider: %s (valid: %s)", provider, strings.Join(config.ValidProviders, ", "))
	}
}

// applyOverrides folds cfg's base URL and model onto a provider config.
// Overrides apply only to the provider cfg names, so a fallback provider
// keeps its own defaults.
func applyOverrides(baseURL, model *string, cfg *config.Config, provider string) {
	if cfg.LLM.Provider != provider {
		return
	}
	if cfg.LLM.BaseURL != "" {
		*baseURL = cfg.LLM.BaseURL
	}
	if cfg.LLM.Model != "" {
		*model = cfg.LLM.Model
	}
}
