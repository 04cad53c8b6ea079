package httpapi

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"autopack/internal/plan"
	"autopack/internal/run"
	"autopack/internal/store"
)

// maxPlanBytes caps the submitted plan document.
const maxPlanBytes = 1 << 20

type runList struct {
	Runs []*run.Run `json:"runs"`
}

type runDetail struct {
	Run    *run.Run     `json:"run"`
	Phases []*run.Phase `json:"phases"`
}

type phaseDetail struct {
	Phase *run.Phase       `json:"phase"`
	Audit []run.AuditEvent `json:"audit"`
}

// handleSubmitRun accepts a plan document (YAML or JSON), validates it,
// stores the run and schedules it for execution.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPlanBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "reading request body: %v", err)
		return
	}
	p, err := plan.Load(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-plan", "%v", err)
		return
	}

	// The CLI resolves relative workspaces against its own working
	// directory before submitting; over the wire there is no such anchor.
	if !filepath.IsAbs(p.Workspace) {
		writeError(w, http.StatusUnprocessableEntity, "invalid-plan", "workspace %q must be an absolute path", p.Workspace)
		return
	}
	if info, statErr := os.Stat(p.Workspace); statErr != nil || !info.IsDir() {
		writeError(w, http.StatusUnprocessableEntity, "invalid-plan", "workspace %q is not a directory", p.Workspace)
		return
	}

	if err := s.val.Validate(p); err != nil {
		var verr *plan.ValidationError
		if errors.As(err, &verr) {
			writeValidationError(w, verr)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "validating plan: %v", err)
		return
	}

	rn, err := s.sched.Submit(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "storing run: %v", err)
		return
	}
	if err := s.sched.Launch(rn.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "run %s stored but not scheduled: %v", rn.ID, err)
		return
	}
	writeJSON(w, http.StatusCreated, rn)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var states []run.RunState
	if raw := r.URL.Query().Get("state"); raw != "" {
		state := run.RunState(raw)
		switch state {
		case run.RunQueued, run.RunRunning, run.RunPaused, run.RunComplete, run.RunFailed, run.RunAborted:
			states = append(states, state)
		default:
			writeError(w, http.StatusBadRequest, "invalid-request", "unknown run state %q", raw)
			return
		}
	}
	runs, err := s.st.ListRuns(states...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "listing runs: %v", err)
		return
	}
	if runs == nil {
		runs = []*run.Run{}
	}
	writeJSON(w, http.StatusOK, runList{Runs: runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	rn, err := s.st.GetRun(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not-found", "run %s does not exist", id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "loading run: %v", err)
		return
	}
	phases, err := s.st.ListPhases(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "loading phases: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, runDetail{Run: rn, Phases: phases})
}

// handleAbortRun requests an abort. For a run executing in this process
// the response races the unwind, so the returned state may still read
// running; 202 reflects that.
func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	if err := s.sched.Abort(id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "not-found", "run %s does not exist", id)
		case errors.Is(err, store.ErrStaleTransition):
			writeError(w, http.StatusConflict, "conflict", "run %s is already terminal", id)
		default:
			writeError(w, http.StatusInternalServerError, "internal", "aborting run: %v", err)
		}
		return
	}
	rn, err := s.st.GetRun(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "loading run: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, rn)
}

func (s *Server) handleGetPhase(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	phaseID := chi.URLParam(r, "phaseID")
	p, err := s.st.GetPhase(runID, phaseID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not-found", "phase %s of run %s does not exist", phaseID, runID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "loading phase: %v", err)
		return
	}
	trail, err := s.st.AuditTrail(runID, phaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "loading audit trail: %v", err)
		return
	}
	if trail == nil {
		trail = []run.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, phaseDetail{Phase: p, Audit: trail})
}
