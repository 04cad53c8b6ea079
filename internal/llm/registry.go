package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"autopack/internal/config"
	"autopack/internal/logging"
)

// ErrNoProvider means every registered provider is disabled or failing.
var ErrNoProvider = errors.New("no enabled llm provider")

// ClientFactory builds a client pinned to one model. An empty model means
// the provider default.
type ClientFactory func(model string) (Client, error)

// Registry routes completions to providers. The configured provider is
// primary; any other provider with an API key in the environment registers
// as a fallback. Each provider sits behind a circuit breaker, and Disable
// takes one out of rotation when the Doctor decides to roll it back.
type Registry struct {
	cfg *config.Config

	mu      sync.Mutex
	order   []string
	entries map[string]*providerEntry
}

type providerEntry struct {
	name     string
	factory  ClientFactory
	breaker  *gobreaker.CircuitBreaker
	clients  map[string]Client
	disabled bool
}

// NewRegistry builds a registry from config. The configured provider comes
// first; other providers found in the environment register behind it in
// detection priority order.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		cfg:     cfg,
		entries: make(map[string]*providerEntry),
	}
	r.Register(cfg.LLM.Provider, func(model string) (Client, error) {
		return newPinnedClient(cfg, cfg.LLM.Provider, cfg.LLM.APIKey, model)
	})

	fallbacks := []struct {
		envVar   string
		provider string
	}{
		{"ANTHROPIC_API_KEY", "anthropic"},
		{"OPENAI_API_KEY", "openai"},
		{"GEMINI_API_KEY", "gemini"},
		{"XAI_API_KEY", "xai"},
	}
	for _, f := range fallbacks {
		if f.provider == cfg.LLM.Provider {
			continue
		}
		key := os.Getenv(f.envVar)
		if key == "" {
			continue
		}
		provider := f.provider
		r.Register(provider, func(model string) (Client, error) {
			return newPinnedClient(cfg, provider, key, model)
		})
	}
	return r
}

func newPinnedClient(cfg *config.Config, provider, apiKey, model string) (Client, error) {
	cl, err := NewProviderClient(cfg, provider, apiKey)
	if err != nil {
		return nil, err
	}
	if model != "" {
		cl.SetModel(model)
	}
	return cl, nil
}

// Register adds a provider at the end of the rotation. The first
// registration is the primary and receives per-call model selection;
// fallbacks run their own defaults.
func (r *Registry) Register(provider string, factory ClientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[provider]; dup {
		return
	}
	r.entries[provider] = &providerEntry{
		name:    provider,
		factory: factory,
		clients: make(map[string]Client),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        provider,
			MaxRequests: 1,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.LLMWarn("breaker %s: %s -> %s", name, from, to)
			},
		}),
	}
	r.order = append(r.order, provider)
}

// Generate routes a completion. The primary provider runs the requested
// model; when it is disabled or its breaker rejects the call, the next
// enabled provider runs its default model instead.
func (r *Registry) Generate(ctx context.Context, model, systemPrompt, userPrompt string) (*Result, error) {
	r.mu.Lock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	r.mu.Unlock()

	var errs []error
	for i, name := range order {
		entry, enabled := r.entry(name)
		if entry == nil || !enabled {
			continue
		}

		// Model names are provider-specific; only the primary honors the
		// requested one.
		callModel := ""
		if i == 0 {
			callModel = model
		}
		client, err := r.clientFor(entry, callModel)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		out, err := entry.breaker.Execute(func() (interface{}, error) {
			return client.Generate(ctx, systemPrompt, userPrompt)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logging.LLMWarn("provider %s failed, trying next: %v", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if i > 0 {
			logging.LLM("completion served by fallback provider %s (%s)", name, client.GetModel())
		}
		return out.(*Result), nil
	}

	if len(errs) == 0 {
		return nil, ErrNoProvider
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, errors.Join(errs...))
}

// Disable takes a provider out of rotation. The Doctor's rollback-provider
// action lands here.
func (r *Registry) Disable(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[provider]; ok {
		e.disabled = true
		logging.LLMWarn("provider %s disabled", provider)
	}
}

// Enable puts a provider back in rotation.
func (r *Registry) Enable(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[provider]; ok {
		e.disabled = false
		logging.LLM("provider %s enabled", provider)
	}
}

// ActiveProvider names the first enabled provider in rotation, or "".
func (r *Registry) ActiveProvider() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		if e := r.entries[name]; e != nil && !e.disabled {
			return name
		}
	}
	return ""
}

// Providers lists the rotation in order with disabled state.
func (r *Registry) Providers() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.entries))
	for name, e := range r.entries {
		out[name] = !e.disabled
	}
	return out
}

// BuilderModel resolves the builder model for an escalation tier.
func (r *Registry) BuilderModel(tier int) string {
	return r.cfg.Models.BuilderModelForTier(tier)
}

// MaxBuilderTier returns the top of the escalation ladder.
func (r *Registry) MaxBuilderTier() int {
	return r.cfg.Models.MaxBuilderTier()
}

// PlannerModel returns the model used for plan revision.
func (r *Registry) PlannerModel() string { return r.cfg.Models.Planner }

// AuditorModel returns the model used for deliverable audits.
func (r *Registry) AuditorModel() string { return r.cfg.Models.Auditor }

// DoctorModel returns the diagnosis model, strong or cheap.
func (r *Registry) DoctorModel(strong bool) string {
	if strong {
		return r.cfg.Models.DoctorStrong
	}
	return r.cfg.Models.DoctorCheap
}

func (r *Registry) entry(name string) (*providerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[name]
	if e == nil {
		return nil, false
	}
	return e, !e.disabled
}

func (r *Registry) clientFor(entry *providerEntry, model string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := entry.clients[model]; ok {
		return c, nil
	}
	c, err := entry.factory(model)
	if err != nil {
		return nil, err
	}
	entry.clients[model] = c
	return c, nil
}
