package store

import (
	"database/sql"
	"fmt"

	"autopack/internal/run"
)

const savePointColumns = `id, run_id, phase_id, attempt, ref, label, created_at, consumed`

// RecordSavePoint persists a save point minted by the workspace gateway.
func (s *Store) RecordSavePoint(sp *run.SavePoint) error {
	_, err := s.db.Exec(`INSERT INTO save_points (`+savePointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.RunID, sp.PhaseID, sp.Attempt, sp.Ref, sp.Label, fmtTime(sp.CreatedAt), boolInt(sp.Consumed))
	if err != nil {
		return persistErr("record-save-point", err)
	}
	return nil
}

// ConsumeSavePoint marks a save point spent, either by rollback or by
// successful finalization of its attempt.
func (s *Store) ConsumeSavePoint(id string) error {
	res, err := s.db.Exec(`UPDATE save_points SET consumed = 1 WHERE id = ?`, id)
	if err != nil {
		return persistErr("consume-save-point", err)
	}
	return requireRow(res, "save point "+id)
}

// GetSavePoint loads one save point by id.
func (s *Store) GetSavePoint(id string) (*run.SavePoint, error) {
	row := s.db.QueryRow(`SELECT `+savePointColumns+` FROM save_points WHERE id = ?`, id)
	sp, err := scanSavePoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("save point %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get-save-point", err)
	}
	return sp, nil
}

// SavePointsForPhase returns a phase's save points oldest-first.
func (s *Store) SavePointsForPhase(runID, phaseID string) ([]*run.SavePoint, error) {
	rows, err := s.db.Query(`SELECT `+savePointColumns+` FROM save_points WHERE run_id = ? AND phase_id = ? ORDER BY created_at`,
		runID, phaseID)
	if err != nil {
		return nil, persistErr("save-points-for-phase", err)
	}
	defer rows.Close()

	var out []*run.SavePoint
	for rows.Next() {
		sp, err := scanSavePoint(rows)
		if err != nil {
			return nil, persistErr("save-points-for-phase", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func scanSavePoint(row interface{ Scan(...interface{}) error }) (*run.SavePoint, error) {
	var (
		sp        run.SavePoint
		createdAt string
		consumed  int
	)
	err := row.Scan(&sp.ID, &sp.RunID, &sp.PhaseID, &sp.Attempt, &sp.Ref, &sp.Label, &createdAt, &consumed)
	if err != nil {
		return nil, err
	}
	sp.CreatedAt = parseTime(createdAt)
	sp.Consumed = consumed != 0
	return &sp, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
