package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"autopack/internal/logging"
)

// GeminiClient implements Client for the Gemini API via the genai SDK.
type GeminiClient struct {
	client          *genai.Client
	maxOutputTokens int32

	mu    sync.Mutex
	model string
}

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey          string
	Model           string
	MaxOutputTokens int32
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:          apiKey,
		Model:           "gemini-2.5-flash",
		MaxOutputTokens: 65536,
	}
}

// NewGeminiClient creates a Gemini client with default config.
func NewGeminiClient(apiKey string) (*GeminiClient, error) {
	return NewGeminiClientWithConfig(DefaultGeminiConfig(apiKey))
}

// NewGeminiClientWithConfig creates a Gemini client with custom config.
func NewGeminiClientWithConfig(config GeminiConfig) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	model := config.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	maxOut := config.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 65536
	}
	return &GeminiClient{
		client:          client,
		model:           model,
		maxOutputTokens: maxOut,
	}, nil
}

// Complete sends a prompt and returns the completion.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	res, err := c.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Generate sends a prompt and returns the completion with token usage.
func (c *GeminiClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	model := c.GetModel()
	logging.LLMDebug("[gemini] model=%s system_len=%d user_len=%d", model, len(systemPrompt), len(userPrompt))

	genConfig := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(0.1)),
		MaxOutputTokens: c.maxOutputTokens,
	}
	if systemPrompt != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, genConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini generate failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, fmt.Errorf("no completion returned")
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return &Result{Text: text, Usage: usage}, nil
}

// SetModel changes the model used for completions.
func (c *GeminiClient) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// GetModel returns the current model.
func (c *GeminiClient) GetModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}
