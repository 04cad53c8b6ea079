package store

import (
	"encoding/json"

	"autopack/internal/run"
)

// AppendAudit persists one decision-trail event, assigning the next
// per-run sequence number. The stamped event is returned.
func (s *Store) AppendAudit(ev run.AuditEvent) (run.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return ev, persistErr("append-audit", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_events WHERE run_id = ?`, ev.RunID).Scan(&seq); err != nil {
		return ev, persistErr("append-audit", err)
	}
	ev.Seq = seq

	detail := ""
	if len(ev.Detail) > 0 {
		detail = string(ev.Detail)
	}
	_, err = tx.Exec(`INSERT INTO audit_events (run_id, phase_id, seq, kind, detail_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.PhaseID, ev.Seq, ev.Kind, detail, fmtTime(ev.CreatedAt))
	if err != nil {
		return ev, persistErr("append-audit", err)
	}
	if err := tx.Commit(); err != nil {
		return ev, persistErr("append-audit", err)
	}
	return ev, nil
}

// AuditTrail returns a run's decision trail in sequence order, optionally
// narrowed to one phase.
func (s *Store) AuditTrail(runID, phaseID string) ([]run.AuditEvent, error) {
	query := `SELECT run_id, phase_id, seq, kind, detail_json, created_at FROM audit_events WHERE run_id = ?`
	args := []interface{}{runID}
	if phaseID != "" {
		query += ` AND phase_id = ?`
		args = append(args, phaseID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, persistErr("audit-trail", err)
	}
	defer rows.Close()

	var out []run.AuditEvent
	for rows.Next() {
		var (
			ev        run.AuditEvent
			detail    string
			createdAt string
		)
		if err := rows.Scan(&ev.RunID, &ev.PhaseID, &ev.Seq, &ev.Kind, &detail, &createdAt); err != nil {
			return nil, persistErr("audit-trail", err)
		}
		if detail != "" {
			ev.Detail = json.RawMessage(detail)
		}
		ev.CreatedAt = parseTime(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}
