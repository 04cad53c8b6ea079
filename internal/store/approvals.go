package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"autopack/internal/logging"
	"autopack/internal/run"
)

const approvalColumns = `id, run_id, phase_id, kind, payload_json, channel_json, timeout_at,
	default_on_timeout, status, decision, actor, created_at, resolved_at`

// CreateApproval persists a pending approval request.
func (s *Store) CreateApproval(req *run.ApprovalRequest) error {
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return persistErr("create-approval", err)
	}
	channelJSON, err := json.Marshal(req.ChannelMetadata)
	if err != nil {
		return persistErr("create-approval", err)
	}
	_, err = s.db.Exec(`INSERT INTO approvals (`+approvalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RunID, req.PhaseID, string(req.Kind), string(payloadJSON), string(channelJSON),
		fmtTime(req.TimeoutAt), string(req.DefaultOnTimeout), string(req.Status),
		string(req.Decision), req.Actor, fmtTime(req.CreatedAt), fmtTime(req.ResolvedAt))
	if err != nil {
		return persistErr("create-approval", err)
	}
	logging.StoreDebug("Created approval %s (%s) for %s/%s", req.ID, req.Kind, req.RunID, req.PhaseID)
	return nil
}

// GetApproval loads one approval request by id.
func (s *Store) GetApproval(id string) (*run.ApprovalRequest, error) {
	row := s.db.QueryRow(`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	req, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get-approval", err)
	}
	return req, nil
}

// ResolveApproval moves a pending request to a final status. The guard on
// status makes resolution first-wins: a second answer finds zero rows and
// returns resolved=false with the stored record untouched.
func (s *Store) ResolveApproval(id string, status run.ApprovalStatus, decision run.ApprovalDecision, actor string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE approvals SET status = ?, decision = ?, actor = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		string(status), string(decision), actor, fmtTime(time.Now().UTC()),
		id, string(run.ApprovalPending))
	if err != nil {
		return false, persistErr("resolve-approval", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("resolve-approval", err)
	}
	if n == 0 {
		// Missing entirely is an error; already resolved is not.
		if _, err := s.GetApproval(id); err != nil {
			return false, err
		}
		return false, nil
	}
	logging.Store("Approval %s resolved: %s by %s", id, status, actor)
	return true, nil
}

// UpdateApprovalChannels stores notifier bookkeeping (message ids etc.)
// gathered after the request went out.
func (s *Store) UpdateApprovalChannels(id string, meta map[string]string) error {
	channelJSON, err := json.Marshal(meta)
	if err != nil {
		return persistErr("update-approval-channels", err)
	}
	res, err := s.db.Exec(`UPDATE approvals SET channel_json = ? WHERE id = ?`, string(channelJSON), id)
	if err != nil {
		return persistErr("update-approval-channels", err)
	}
	return requireRow(res, "approval "+id)
}

// PendingApprovalsDue returns pending requests whose timeout has passed,
// oldest deadline first. This is the sweeper's query, backed by the
// (status, timeout_at) index.
func (s *Store) PendingApprovalsDue(now time.Time) ([]*run.ApprovalRequest, error) {
	return s.queryApprovals(`
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = ? AND timeout_at <= ? ORDER BY timeout_at`,
		string(run.ApprovalPending), fmtTime(now))
}

// PendingApprovalsForPhase returns a phase's open requests, used when the
// enclosing phase terminates and its requests must be errored out.
func (s *Store) PendingApprovalsForPhase(runID, phaseID string) ([]*run.ApprovalRequest, error) {
	return s.queryApprovals(`
		SELECT `+approvalColumns+` FROM approvals
		WHERE run_id = ? AND phase_id = ? AND status = ? ORDER BY created_at`,
		runID, phaseID, string(run.ApprovalPending))
}

// ApprovalsByStatus lists every request in one status, oldest first. The
// API's approval queue view reads through here.
func (s *Store) ApprovalsByStatus(status run.ApprovalStatus) ([]*run.ApprovalRequest, error) {
	return s.queryApprovals(`
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = ? ORDER BY created_at`, string(status))
}

func (s *Store) queryApprovals(query string, args ...interface{}) ([]*run.ApprovalRequest, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, persistErr("query-approvals", err)
	}
	defer rows.Close()

	var out []*run.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, persistErr("query-approvals", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanApproval(row interface{ Scan(...interface{}) error }) (*run.ApprovalRequest, error) {
	var (
		req         run.ApprovalRequest
		kind        string
		payloadJSON string
		channelJSON string
		timeoutAt   string
		defaultOn   string
		status      string
		decision    string
		createdAt   string
		resolvedAt  string
	)
	err := row.Scan(&req.ID, &req.RunID, &req.PhaseID, &kind, &payloadJSON, &channelJSON,
		&timeoutAt, &defaultOn, &status, &decision, &req.Actor, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &req.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload for approval %s: %w", req.ID, err)
	}
	if channelJSON != "" && channelJSON != "null" {
		if err := json.Unmarshal([]byte(channelJSON), &req.ChannelMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal channel metadata for approval %s: %w", req.ID, err)
		}
	}
	req.Kind = run.ApprovalKind(kind)
	req.DefaultOnTimeout = run.ApprovalDecision(defaultOn)
	req.Status = run.ApprovalStatus(status)
	req.Decision = run.ApprovalDecision(decision)
	req.TimeoutAt = parseTime(timeoutAt)
	req.CreatedAt = parseTime(createdAt)
	req.ResolvedAt = parseTime(resolvedAt)
	return &req, nil
}
