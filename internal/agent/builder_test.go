package agent

import (
	"context"
	"strings"
	"testing"

	"autopack/internal/config"
	"autopack/internal/learning"
	"autopack/internal/llm"
	"autopack/internal/patch"
	"autopack/internal/run"
)

func TestBuildNarrowScopeAsksForUnifiedDiff(t *testing.T) {
	gen := &fakeGen{
		response: "```diff\n--- a/src/api/limit.go\n+++ b/src/api/limit.go\n```",
		usage:    llm.Usage{PromptTokens: 900, CompletionTokens: 120},
	}
	cfg := config.DefaultConfig()
	b := NewBuilder(gen, cfg)

	res, err := b.Build(context.Background(), &BuildRequest{
		Phase:          testPhase(),
		Tier:           1,
		ScopeFileCount: 4,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Format != patch.FormatUnifiedDiff {
		t.Errorf("format = %s", res.Format)
	}
	if res.Model != cfg.Models.BuilderTiers[1] {
		t.Errorf("model = %s", res.Model)
	}
	if !strings.Contains(gen.lastUser, "FORMAT: unified-diff") {
		t.Error("prompt missing format instruction")
	}
	if gen.lastSystem != builderSystem {
		t.Error("wrong system prompt")
	}
	// Fences stripped from the returned patch.
	if strings.Contains(res.PatchText, "```") {
		t.Errorf("fences left in patch text: %q", res.PatchText)
	}
	if res.Usage.Total() != 1020 {
		t.Errorf("usage total = %d", res.Usage.Total())
	}
}

func TestBuildWideScopeAsksForStructuredEdits(t *testing.T) {
	gen := &fakeGen{response: `{"edits":[{"op":"delete_file","path":"src/api/old.go"}]}`}
	cfg := config.DefaultConfig()
	b := NewBuilder(gen, cfg)

	// File count exactly at the threshold already flips the format.
	res, err := b.Build(context.Background(), &BuildRequest{
		Phase:          testPhase(),
		Tier:           0,
		ScopeFileCount: cfg.Governance.LargeScopeStructuredEditThresholdFiles,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Format != patch.FormatStructuredEdits {
		t.Errorf("format = %s", res.Format)
	}
	if !strings.Contains(gen.lastUser, "FORMAT: structured-edits") {
		t.Error("prompt missing format instruction")
	}
}

func TestBuildPromptCarriesRulesHintsAndFiles(t *testing.T) {
	gen := &fakeGen{response: "--- a/src/api/limit.go\n+++ b/src/api/limit.go"}
	b := NewBuilder(gen, config.DefaultConfig())

	phase := testPhase()
	phase.Hints = append(phase.Hints, run.Hint{Body: "use the token bucket from x/time", Source: "doctor"})

	_, err := b.Build(context.Background(), &BuildRequest{
		Phase: phase,
		Files: []ContextFile{{Path: "src/api/gateway.go", Content: "package api\n"}},
		Rules: []learning.Rule{{Body: "handlers must close the request body", Confidence: 0.9}},
		RunHints: []learning.RunHint{
			{Body: "the auth middleware runs before rate limiting"},
		},
		Tier:           0,
		ScopeFileCount: 2,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, want := range []string{
		"Add rate limiting to the request gateway",
		"requests over the limit receive 429",
		"src/api/limit.go",
		"handlers must close the request body",
		"the auth middleware runs before rate limiting",
		"[doctor] use the token bucket from x/time",
		"--- FILE: src/api/gateway.go ---",
		"package api",
	} {
		if !strings.Contains(gen.lastUser, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildEmptyResponseIsError(t *testing.T) {
	gen := &fakeGen{response: "```\n```"}
	b := NewBuilder(gen, config.DefaultConfig())

	_, err := b.Build(context.Background(), &BuildRequest{Phase: testPhase()})
	if err == nil {
		t.Fatal("expected error for empty patch")
	}
}
