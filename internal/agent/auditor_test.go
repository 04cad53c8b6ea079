package agent

import (
	"context"
	"strings"
	"testing"

	"autopack/internal/config"
	"autopack/internal/patch"
)

func auditRequest() *AuditRequest {
	phase := testPhase()
	return &AuditRequest{
		Phase: &phase.Spec,
		Report: &patch.ApplyReport{
			Modified:     []string{"src/api/gateway.go"},
			LinesAdded:   40,
			LinesDeleted: 12,
			NetDeletion:  0,
		},
		PatchText: "--- a/src/api/gateway.go\n+++ b/src/api/gateway.go",
	}
}

func TestAuditParsesReport(t *testing.T) {
	gen := &fakeGen{response: "```json\n" +
		`{"risk":"medium","concerns":["gateway.go drops the auth check"],"summary":"auth weakened"}` +
		"\n```"}
	cfg := config.DefaultConfig()
	a := NewAuditor(gen, cfg)

	report, err := a.Audit(context.Background(), auditRequest())
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if report.Risk != "medium" {
		t.Errorf("risk = %s", report.Risk)
	}
	if len(report.Concerns) != 1 || !strings.Contains(report.Concerns[0], "gateway.go") {
		t.Errorf("concerns = %v", report.Concerns)
	}
	if report.Model != cfg.Models.Auditor {
		t.Errorf("model = %s", report.Model)
	}
	if gen.lastSystem != auditorSystem {
		t.Error("wrong system prompt")
	}
	if !strings.Contains(gen.lastUser, "src/api/gateway.go") {
		t.Error("prompt missing the change summary")
	}
}

func TestAuditRejectsUnknownRisk(t *testing.T) {
	gen := &fakeGen{response: `{"risk":"catastrophic","summary":"x"}`}
	a := NewAuditor(gen, config.DefaultConfig())

	if _, err := a.Audit(context.Background(), auditRequest()); err == nil {
		t.Fatal("expected error for unknown risk level")
	}
}

func TestAuditRejectsNonJSON(t *testing.T) {
	gen := &fakeGen{response: "looks fine to me"}
	a := NewAuditor(gen, config.DefaultConfig())

	if _, err := a.Audit(context.Background(), auditRequest()); err == nil {
		t.Fatal("expected parse error")
	}
}
