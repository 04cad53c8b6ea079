package approval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autopack/internal/run"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func writeDecision(t *testing.T, dir, name string, resp run.ApprovalResponse) string {
	t.Helper()
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal decision: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write decision: %v", err)
	}
	return path
}

func TestInboxProcessesExistingFiles(t *testing.T) {
	b, st, _ := newTestBroker(t)
	ctx := context.Background()

	req, _, err := b.Request(ctx, "run-1", "api", run.ApprovalGovernanceException, scopePayload())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	dir := t.TempDir()
	path := writeDecision(t, dir, "decision.json", run.ApprovalResponse{
		RequestID: req.ID, Decision: run.DecisionApprove, Actor: "alice",
	})

	inbox, err := NewInbox(b, dir)
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}
	if err := inbox.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer inbox.Stop()

	// The startup sweep handles files dropped while nothing was watching.
	got, err := st.GetApproval(req.ID)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if got.Status != run.ApprovalApproved || got.Actor != "alice" {
		t.Errorf("record = %s by %s", got.Status, got.Actor)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("consumed decision file not removed")
	}
}

func TestInboxWatchesNewFiles(t *testing.T) {
	b, st, _ := newTestBroker(t)
	ctx := context.Background()

	req, _, err := b.Request(ctx, "run-1", "api", run.ApprovalGovernanceException, scopePayload())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	dir := t.TempDir()
	inbox, err := NewInbox(b, dir)
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}
	if err := inbox.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer inbox.Stop()

	path := writeDecision(t, dir, "decision.json", run.ApprovalResponse{
		RequestID: req.ID, Decision: run.DecisionReject, Actor: "bob",
	})

	eventually(t, "decision to be applied", func() bool {
		got, err := st.GetApproval(req.ID)
		return err == nil && got.Status == run.ApprovalRejected
	})
	got, _ := st.GetApproval(req.ID)
	if got.Actor != "bob" {
		t.Errorf("actor = %s", got.Actor)
	}
	eventually(t, "decision file removal", func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})
}

func TestInboxQuarantinesMalformed(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.json")
	if err := os.WriteFile(junk, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	inbox, err := NewInbox(b, dir)
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}
	if err := inbox.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer inbox.Stop()

	if _, err := os.Stat(junk + ".invalid"); err != nil {
		t.Errorf("junk not quarantined: %v", err)
	}
	if _, err := os.Stat(junk); !os.IsNotExist(err) {
		t.Error("junk file still matches the inbox pattern")
	}
}

func TestInboxQuarantinesUnknownRequest(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeDecision(t, dir, "stray.json", run.ApprovalResponse{
		RequestID: "apr-00000000", Decision: run.DecisionApprove, Actor: "alice",
	})

	inbox, err := NewInbox(b, dir)
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}
	if err := inbox.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer inbox.Stop()

	if _, err := os.Stat(path + ".invalid"); err != nil {
		t.Errorf("stray decision not quarantined: %v", err)
	}
}
