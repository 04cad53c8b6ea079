// Package learning keeps the knowledge that outlives attempts: learned
// rules, which persist across runs and are matched to phases by scope, and
// run hints, which live only as long as their run. Both are plain text the
// agent layer appends to Builder and Auditor context; nothing here changes
// execution on its own.
package learning

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"autopack/internal/logging"
	"autopack/internal/plan"
)

// categoryPrefix marks a rule scope that matches by phase category instead
// of by path glob.
const categoryPrefix = "category:"

// Rule is one durable cross-run learning. Scope is a path glob matched
// against phase scope paths, or a category: tag matched against the phase
// category. Confidence is reinforced on re-learning and decays when stale.
type Rule struct {
	ID          int64     `json:"id"`
	Scope       string    `json:"scope"`
	Body        string    `json:"body"`
	Confidence  float64   `json:"confidence"`
	Occurrences int       `json:"occurrences"`
	LastSeen    time.Time `json:"last_seen"`
}

// RunHint is one per-run correction. PhaseID "*" applies to every phase of
// the run. AttemptsSeen counts the successful attempts that recorded the
// identical hint, which feeds promotion.
type RunHint struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	PhaseID      string    `json:"phase_id"`
	Category     string    `json:"category,omitempty"`
	Body         string    `json:"body"`
	AttemptsSeen int       `json:"attempts_seen"`
	CreatedAt    time.Time `json:"created_at"`
}

// PromotionMinAttempts is how many successful attempts must record an
// identical hint before it becomes a promotion candidate.
const PromotionMinAttempts = 3

// Store is the SQLite-backed learning store. It is separate from the
// run-state database so wiping run state never loses learned rules.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open initializes the learning database at path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryLearning, "Open")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create learning directory: %w", err)
	}
	db, err := sql.Open(sqlDriver, path)
	if err != nil {
		return nil, fmt.Errorf("open learning db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.LearningDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.LearningDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Learning("Learning store ready at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	rulesTable := `
	CREATE TABLE IF NOT EXISTS learned_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		body TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 1.0,
		occurrences INTEGER NOT NULL DEFAULT 1,
		last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(scope, body)
	);
	CREATE INDEX IF NOT EXISTS idx_rules_confidence ON learned_rules(confidence);
	`
	hintsTable := `
	CREATE TABLE IF NOT EXISTS run_hints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		phase_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		attempts_seen INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(run_id, phase_id, body)
	);
	CREATE INDEX IF NOT EXISTS idx_hints_run ON run_hints(run_id, phase_id);
	`
	for _, ddl := range []string{rulesTable, hintsTable} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("create learning tables: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// matchesPhase reports whether a rule scope selects the given phase: a
// category: scope matches the phase category, anything else is a path glob
// (or subtree prefix) tried against every phase scope path.
func matchesPhase(scope string, spec plan.PhaseSpec) bool {
	if tag, ok := strings.CutPrefix(scope, categoryPrefix); ok {
		return tag != "" && tag == spec.Category
	}
	for _, p := range spec.ScopePaths {
		if scope == p || strings.HasPrefix(p, scope+"/") {
			return true
		}
		if ok, err := doublestar.Match(scope, p); err == nil && ok {
			return true
		}
	}
	return false
}
