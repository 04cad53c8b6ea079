package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopack/internal/logging"
	"autopack/internal/run"
)

// TokenKind says which classification an exception token overrides.
type TokenKind string

const (
	TokenScopeException     TokenKind = "scope-exception"
	TokenProtectedException TokenKind = "protected-exception"
)

// ExceptionToken authorizes exactly one mutation of exactly one path. Tokens
// are issued by the gateway on behalf of an approved governance request and
// consumed on first use.
type ExceptionToken struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"`
	Kind     TokenKind `json:"kind"`
	IssuedAt time.Time `json:"issued_at"`
}

// Gateway mediates all reads and writes of one run's working directory.
// Mutations are serialized by a per-run mutex held only for the duration of
// the gateway operation itself.
type Gateway struct {
	root  string
	snap  Snapshotter
	audit *logging.AuditLogger

	mu     sync.Mutex
	policy *Policy
	tokens map[string]*ExceptionToken
}

// NewGateway creates a gateway rooted at the run's working directory.
func NewGateway(root string, policy *Policy, snap Snapshotter) (*Gateway, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &run.WorkspaceIOError{Op: "resolve-root", Path: root, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &run.WorkspaceIOError{Op: "stat-root", Path: abs, Err: err}
	}
	if !info.IsDir() {
		return nil, &run.WorkspaceIOError{Op: "stat-root", Path: abs, Err: fmt.Errorf("not a directory")}
	}
	return &Gateway{
		root:   abs,
		policy: policy,
		snap:   snap,
		tokens: make(map[string]*ExceptionToken),
	}, nil
}

// SetAuditLogger attaches the run's audit trail.
func (g *Gateway) SetAuditLogger(a *logging.AuditLogger) { g.audit = a }

// SetPolicy swaps the active phase policy. Called between phases.
func (g *Gateway) SetPolicy(policy *Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = policy
}

// Root returns the absolute workspace root.
func (g *Gateway) Root() string { return g.root }

// Classify resolves a workspace-relative path under the active policy.
func (g *Gateway) Classify(rel string) Classification {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy.Classify(toSlash(rel))
}

// GrantException issues a one-shot token for a path, on behalf of an
// approved governance request.
func (g *Gateway) GrantException(path string, kind TokenKind) *ExceptionToken {
	g.mu.Lock()
	defer g.mu.Unlock()
	tok := &ExceptionToken{
		ID:       fmt.Sprintf("tok-%s", uuid.New().String()[:8]),
		Path:     toSlash(path),
		Kind:     kind,
		IssuedAt: time.Now().UTC(),
	}
	g.tokens[tok.ID] = tok
	logging.GovernanceDebug("granted %s token %s for %s", kind, tok.ID, tok.Path)
	return tok
}

// Read returns a file's contents. Reads are not policy-gated; the mutex
// still serializes them against in-flight mutations.
func (g *Gateway) Read(rel string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	abs, err := g.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, &run.WorkspaceIOError{Op: "read", Path: rel, Err: err}
	}
	return data, nil
}

// Exists reports whether a path exists in the workspace.
func (g *Gateway) Exists(rel string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	abs, err := g.resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// Write stores a file, creating parent directories as needed. Protected and
// out-of-scope paths fail unless a matching exception token is presented.
func (g *Gateway) Write(rel string, data []byte, tokens ...*ExceptionToken) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.write(rel, data, tokens)
}

// Delete removes a file under the same policy rules as Write.
func (g *Gateway) Delete(rel string, tokens ...*ExceptionToken) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delete(rel, tokens)
}

// Rename moves a file. It is policy-checked as a delete of the source plus a
// write at the destination; either side can demand its own token.
func (g *Gateway) Rename(from, to string, tokens ...*ExceptionToken) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.authorize("rename-from", from, tokens); err != nil {
		return err
	}
	if err := g.authorize("rename-to", to, tokens); err != nil {
		return err
	}

	fromAbs, err := g.resolve(from)
	if err != nil {
		return err
	}
	toAbs, err := g.resolve(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		return &run.WorkspaceIOError{Op: "rename", Path: to, Err: err}
	}
	if err := os.Rename(fromAbs, toAbs); err != nil {
		g.auditOp(logging.AuditWorkspaceRename, from+" -> "+to, err)
		return &run.WorkspaceIOError{Op: "rename", Path: from, Err: err}
	}
	g.auditOp(logging.AuditWorkspaceRename, from+" -> "+to, nil)
	return nil
}

func (g *Gateway) write(rel string, data []byte, tokens []*ExceptionToken) error {
	if err := g.authorize("write", rel, tokens); err != nil {
		return err
	}
	abs, err := g.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return &run.WorkspaceIOError{Op: "write", Path: rel, Err: err}
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		g.auditOp(logging.AuditWorkspaceWrite, rel, err)
		return &run.WorkspaceIOError{Op: "write", Path: rel, Err: err}
	}
	g.auditOp(logging.AuditWorkspaceWrite, rel, nil)
	return nil
}

func (g *Gateway) delete(rel string, tokens []*ExceptionToken) error {
	if err := g.authorize("delete", rel, tokens); err != nil {
		return err
	}
	abs, err := g.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		g.auditOp(logging.AuditWorkspaceDelete, rel, err)
		return &run.WorkspaceIOError{Op: "delete", Path: rel, Err: err}
	}
	g.auditOp(logging.AuditWorkspaceDelete, rel, nil)
	return nil
}

// authorize applies the classify-then-token rule for one mutation. A
// consumed token is removed; presenting the same token twice fails.
func (g *Gateway) authorize(op, rel string, tokens []*ExceptionToken) error {
	rel = toSlash(rel)
	switch g.policy.Classify(rel) {
	case InScope:
		return nil
	case Protected:
		if g.consumeToken(rel, TokenProtectedException, tokens) {
			return nil
		}
		g.auditOp(logging.AuditWorkspaceViolation, rel, fmt.Errorf("protected"))
		logging.WorkspaceWarn("%s %s refused: protected path", op, rel)
		return &run.ProtectedPathViolation{Path: rel, Op: op}
	default:
		if g.consumeToken(rel, TokenScopeException, tokens) {
			return nil
		}
		logging.WorkspaceWarn("%s %s refused: outside phase scope", op, rel)
		return &run.ScopeViolation{Path: rel, Op: op}
	}
}

// consumeToken burns the first presented token that is still registered and
// covers the path with the right kind.
func (g *Gateway) consumeToken(rel string, kind TokenKind, tokens []*ExceptionToken) bool {
	for _, tok := range tokens {
		if tok == nil || tok.Kind != kind || tok.Path != rel {
			continue
		}
		if _, live := g.tokens[tok.ID]; !live {
			continue
		}
		delete(g.tokens, tok.ID)
		logging.GovernanceDebug("consumed %s token %s for %s", kind, tok.ID, rel)
		return true
	}
	return false
}

// CreateSavePoint snapshots the workspace before a patch application.
// Failure is fatal to the enclosing attempt.
func (g *Gateway) CreateSavePoint(ctx context.Context, runID, phaseID string, attempt int, label string) (*run.SavePoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryWorkspace, "save-point")
	ref, err := g.snap.Create(ctx, label)
	timer.Stop()
	if err != nil {
		return nil, &run.WorkspaceIOError{Op: "save-point", Path: g.root, Err: err}
	}

	sp := &run.SavePoint{
		ID:        run.NewSavePointID(),
		RunID:     runID,
		PhaseID:   phaseID,
		Attempt:   attempt,
		Ref:       ref,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
	if g.audit != nil {
		g.audit.SavePoint(logging.AuditSavePointCreate, sp.ID)
	}
	logging.Workspace("save point %s (%s) created for %s/%s attempt %d", sp.ID, ref, runID, phaseID, attempt)
	return sp, nil
}

// RollbackTo restores the workspace byte-for-byte to a save point and marks
// it consumed. IO failure here is fatal to the attempt.
func (g *Gateway) RollbackTo(ctx context.Context, sp *run.SavePoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryWorkspace, "rollback")
	err := g.snap.Restore(ctx, sp.Ref)
	timer.Stop()
	if err != nil {
		return &run.WorkspaceIOError{Op: "rollback", Path: g.root, Err: err}
	}
	sp.Consumed = true
	if g.audit != nil {
		g.audit.SavePoint(logging.AuditSavePointRollback, sp.ID)
	}
	logging.Workspace("rolled back to save point %s (%s)", sp.ID, sp.Ref)
	return nil
}

// resolve maps a workspace-relative path to an absolute one, refusing
// escapes from the root.
func (g *Gateway) resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(toSlash(rel)))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &run.WorkspaceIOError{Op: "resolve", Path: rel, Err: fmt.Errorf("path escapes workspace root")}
	}
	return filepath.Join(g.root, clean), nil
}

func (g *Gateway) auditOp(op logging.AuditEventType, target string, err error) {
	if g.audit == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	g.audit.WorkspaceOp(op, target, err == nil, msg)
}

func toSlash(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(p)), "./")
}
