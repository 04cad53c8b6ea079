package orchestrator

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"
	"unicode/utf8"

	"autopack/internal/agent"
	"autopack/internal/logging"
	"autopack/internal/run"
	"autopack/internal/workspace"
)

// contextSelection is what one Builder attempt gets to see.
type contextSelection struct {
	files          []agent.ContextFile
	scopeFileCount int
}

// estimateTokens approximates prompt cost at four bytes per token, the
// usual planning rule for code.
func estimateTokens(n int) int { return (n + 3) / 4 }

type scopeFile struct {
	rel     string
	size    int64
	modTime time.Time
}

// selectContext assembles the attempt's file context under the configured
// token budget. Deliverables come first and are never dropped; remaining
// in-scope files are ranked by recency of modification, smallest first on
// ties, and added while they fit. A budget too small for the deliverables
// alone is a configuration problem, reported as an infrastructure failure
// rather than burned as a retry.
func (o *Orchestrator) selectContext(env *runEnv, p *run.Phase) (*contextSelection, error) {
	budget := o.cfg.Budgets.ContextTokenBudgetPerAttempt
	sel := &contextSelection{}
	used := 0
	included := make(map[string]bool)

	for _, d := range p.Spec.Deliverables {
		if included[d] || !env.gw.Exists(d) {
			continue
		}
		content, err := env.gw.Read(d)
		if err != nil {
			return nil, err
		}
		used += estimateTokens(len(content))
		sel.files = append(sel.files, agent.ContextFile{Path: d, Content: string(content)})
		included[d] = true
	}
	if used > budget {
		return nil, &run.ExhaustedBudget{
			Budget: "context",
			Detail: fmt.Sprintf("deliverables for %s cost ~%d tokens against a budget of %d; shrink the phase or raise context_token_budget_per_attempt", p.ID(), used, budget),
		}
	}

	scope, err := scanScope(env.gw)
	if err != nil {
		return nil, err
	}
	sel.scopeFileCount = len(scope)

	sort.Slice(scope, func(i, j int) bool {
		if !scope[i].modTime.Equal(scope[j].modTime) {
			return scope[i].modTime.After(scope[j].modTime)
		}
		return scope[i].size < scope[j].size
	})

	for _, f := range scope {
		if included[f.rel] {
			continue
		}
		// Size is a cheap upper bound on cost; skip before reading.
		if used+estimateTokens(int(f.size)) > budget {
			continue
		}
		content, rerr := env.gw.Read(f.rel)
		if rerr != nil {
			logging.OrchestratorDebug("context: skipping unreadable %s: %v", f.rel, rerr)
			continue
		}
		if !utf8.Valid(content) {
			continue
		}
		used += estimateTokens(len(content))
		sel.files = append(sel.files, agent.ContextFile{Path: f.rel, Content: string(content)})
		included[f.rel] = true
	}

	logging.OrchestratorDebug("context for %s: %d of %d scope files, ~%d/%d tokens",
		p.ID(), len(sel.files), sel.scopeFileCount, used, budget)
	return sel, nil
}

// scanScope enumerates the in-scope files of the active policy. The walk
// skips version control and state directories outright; everything else is
// classified through the gateway.
func scanScope(gw *workspace.Gateway) ([]scopeFile, error) {
	root := gw.Root()
	var out []scopeFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", ".autopack", "node_modules":
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if gw.Classify(rel) != workspace.InScope {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			// Raced deletion; the file is gone, not an error.
			return nil
		}
		out = append(out, scopeFile{rel: rel, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, &run.WorkspaceIOError{Op: "scan-scope", Path: root, Err: err}
	}
	return out, nil
}
