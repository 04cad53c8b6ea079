package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"autopack/internal/config"
)

type stubClient struct {
	model    string
	generate func(ctx context.Context, system, user string) (*Result, error)
}

func (s *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

func (s *stubClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	res, err := s.Generate(ctx, system, user)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (s *stubClient) Generate(ctx context.Context, system, user string) (*Result, error) {
	return s.generate(ctx, system, user)
}

func (s *stubClient) GetModel() string      { return s.model }
func (s *stubClient) SetModel(model string) { s.model = model }

func newStubRegistry(t *testing.T) *Registry {
	t.Helper()
	return &Registry{
		cfg:     config.DefaultConfig(),
		entries: make(map[string]*providerEntry),
	}
}

func okFactory(calls *int32, text string) ClientFactory {
	return func(model string) (Client, error) {
		return &stubClient{
			model: model,
			generate: func(ctx context.Context, system, user string) (*Result, error) {
				atomic.AddInt32(calls, 1)
				return &Result{Text: text, Usage: Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
			},
		}, nil
	}
}

func failFactory(calls *int32) ClientFactory {
	return func(model string) (Client, error) {
		return &stubClient{
			model: model,
			generate: func(ctx context.Context, system, user string) (*Result, error) {
				atomic.AddInt32(calls, 1)
				return nil, errors.New("provider down")
			},
		}, nil
	}
}

func TestRegistryPrimaryGetsRequestedModel(t *testing.T) {
	r := newStubRegistry(t)
	var seenModel string
	r.Register("primary", func(model string) (Client, error) {
		seenModel = model
		return &stubClient{
			model: model,
			generate: func(ctx context.Context, system, user string) (*Result, error) {
				return &Result{Text: "ok"}, nil
			},
		}, nil
	})

	res, err := r.Generate(context.Background(), "model-x", "sys", "user")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "ok" {
		t.Errorf("text = %q", res.Text)
	}
	if seenModel != "model-x" {
		t.Errorf("primary factory got model %q", seenModel)
	}
}

func TestRegistryFallsBackOnFailure(t *testing.T) {
	r := newStubRegistry(t)
	var primaryCalls, backupCalls int32
	r.Register("primary", failFactory(&primaryCalls))

	var backupModel string
	r.Register("backup", func(model string) (Client, error) {
		backupModel = model
		return &stubClient{
			model: "backup-default",
			generate: func(ctx context.Context, system, user string) (*Result, error) {
				atomic.AddInt32(&backupCalls, 1)
				return &Result{Text: "served by backup"}, nil
			},
		}, nil
	})

	res, err := r.Generate(context.Background(), "model-x", "sys", "user")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "served by backup" {
		t.Errorf("text = %q", res.Text)
	}
	if primaryCalls != 1 || backupCalls != 1 {
		t.Errorf("calls: primary=%d backup=%d", primaryCalls, backupCalls)
	}
	// Fallback providers run their own default, never the primary's model.
	if backupModel != "" {
		t.Errorf("backup factory got model %q", backupModel)
	}
}

func TestRegistryBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := newStubRegistry(t)
	var primaryCalls, backupCalls int32
	r.Register("primary", failFactory(&primaryCalls))
	r.Register("backup", okFactory(&backupCalls, "ok"))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := r.Generate(ctx, "", "sys", "user"); err != nil {
			t.Fatalf("Generate %d: %v", i, err)
		}
	}

	// The breaker trips after three consecutive failures; later calls skip
	// the primary without invoking it.
	if got := atomic.LoadInt32(&primaryCalls); got != 3 {
		t.Errorf("primary invoked %d times", got)
	}
	if got := atomic.LoadInt32(&backupCalls); got != 5 {
		t.Errorf("backup invoked %d times", got)
	}
}

func TestRegistryDisable(t *testing.T) {
	r := newStubRegistry(t)
	var primaryCalls, backupCalls int32
	r.Register("primary", okFactory(&primaryCalls, "primary"))
	r.Register("backup", okFactory(&backupCalls, "backup"))

	ctx := context.Background()
	r.Disable("primary")

	res, err := r.Generate(ctx, "", "sys", "user")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "backup" || primaryCalls != 0 {
		t.Errorf("disabled primary still served (text=%q calls=%d)", res.Text, primaryCalls)
	}
	if r.ActiveProvider() != "backup" {
		t.Errorf("ActiveProvider = %s", r.ActiveProvider())
	}

	r.Enable("primary")
	res, err = r.Generate(ctx, "", "sys", "user")
	if err != nil {
		t.Fatalf("Generate after enable: %v", err)
	}
	if res.Text != "primary" {
		t.Errorf("re-enabled primary not serving: %q", res.Text)
	}
}

func TestRegistryAllProvidersDown(t *testing.T) {
	r := newStubRegistry(t)
	var calls int32
	r.Register("only", failFactory(&calls))
	r.Disable("only")

	_, err := r.Generate(context.Background(), "", "sys", "user")
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v", err)
	}
}

func TestNewRegistryBindsEnvFallbacks(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("XAI_API_KEY", "")

	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.APIKey = "sk-anthropic"

	r := NewRegistry(cfg)
	if len(r.order) != 2 || r.order[0] != "anthropic" || r.order[1] != "openai" {
		t.Fatalf("order = %v", r.order)
	}
	providers := r.Providers()
	if !providers["anthropic"] || !providers["openai"] {
		t.Errorf("providers = %v", providers)
	}
}

func TestRegistryModelHelpers(t *testing.T) {
	r := newStubRegistry(t)
	models := r.cfg.Models

	if got := r.BuilderModel(0); got != models.BuilderTiers[0] {
		t.Errorf("tier 0 = %s", got)
	}
	if got := r.BuilderModel(99); got != models.BuilderTiers[len(models.BuilderTiers)-1] {
		t.Errorf("clamped tier = %s", got)
	}
	if r.DoctorModel(false) != models.DoctorCheap || r.DoctorModel(true) != models.DoctorStrong {
		t.Error("doctor model selection wrong")
	}
	if r.PlannerModel() != models.Planner || r.AuditorModel() != models.Auditor {
		t.Error("planner/auditor model selection wrong")
	}
	if r.MaxBuilderTier() != len(models.BuilderTiers)-1 {
		t.Errorf("MaxBuilderTier = %d", r.MaxBuilderTier())
	}
}
