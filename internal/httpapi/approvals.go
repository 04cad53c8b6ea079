package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"autopack/internal/run"
	"autopack/internal/store"
)

type approvalList struct {
	Approvals []*run.ApprovalRequest `json:"approvals"`
}

// decisionBody is the POST /approvals/{id} request payload.
type decisionBody struct {
	Decision run.ApprovalDecision `json:"decision"`
	Actor    string               `json:"actor"`
	Comment  string               `json:"comment,omitempty"`
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := run.ApprovalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = run.ApprovalPending
	}
	switch status {
	case run.ApprovalPending, run.ApprovalApproved, run.ApprovalRejected, run.ApprovalTimedOut, run.ApprovalErrored:
	default:
		writeError(w, http.StatusBadRequest, "invalid-request", "unknown approval status %q", status)
		return
	}

	reqs, err := s.st.ApprovalsByStatus(status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "listing approvals: %v", err)
		return
	}
	if reqs == nil {
		reqs = []*run.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, approvalList{Approvals: reqs})
}

// handleDecideApproval resolves a pending request through the broker so the
// waiting orchestrator, the notifiers and the audit trail all observe the
// decision. A decision for an already-resolved request is a no-op; the
// response carries whatever resolution won.
func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")
	if _, err := s.st.GetApproval(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not-found", "approval request %s does not exist", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "loading approval: %v", err)
		return
	}

	var body decisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "decoding decision: %v", err)
		return
	}
	if body.Decision != run.DecisionApprove && body.Decision != run.DecisionReject {
		writeError(w, http.StatusBadRequest, "invalid-request", "decision must be approve or reject")
		return
	}
	if body.Actor == "" {
		writeError(w, http.StatusBadRequest, "invalid-request", "actor is required")
		return
	}

	err := s.broker.Submit(r.Context(), run.ApprovalResponse{
		RequestID: id,
		Decision:  body.Decision,
		Actor:     body.Actor,
		At:        time.Now().UTC(),
		Comment:   body.Comment,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "submitting decision: %v", err)
		return
	}

	req, err := s.st.GetApproval(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "loading approval: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
