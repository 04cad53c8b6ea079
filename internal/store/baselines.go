package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"autopack/internal/logging"
	"autopack/internal/testrun"
)

// SaveBaseline writes a run's test baseline, replacing any previous row.
// Watermark advances after finalized phases rewrite through here.
func (s *Store) SaveBaseline(b *testrun.BaselineReport) error {
	passedJSON, err := json.Marshal(b.Passed)
	if err != nil {
		return persistErr("save-baseline", err)
	}
	failedJSON, err := json.Marshal(b.Failed)
	if err != nil {
		return persistErr("save-baseline", err)
	}
	collectionJSON, err := json.Marshal(b.CollectionErrors)
	if err != nil {
		return persistErr("save-baseline", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO baselines (run_id, passed_json, failed_json, collection_json, discovery_hash, annotation, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			passed_json = excluded.passed_json,
			failed_json = excluded.failed_json,
			collection_json = excluded.collection_json,
			discovery_hash = excluded.discovery_hash,
			annotation = excluded.annotation,
			captured_at = excluded.captured_at`,
		b.RunID, string(passedJSON), string(failedJSON), string(collectionJSON),
		b.DiscoveryHash, b.Annotation, fmtTime(b.CapturedAt))
	if err != nil {
		return persistErr("save-baseline", err)
	}
	logging.StoreDebug("Saved baseline for run %s (%d passed, %d failed)", b.RunID, len(b.Passed), len(b.Failed))
	return nil
}

// GetBaseline loads a run's current baseline.
func (s *Store) GetBaseline(runID string) (*testrun.BaselineReport, error) {
	var (
		b              testrun.BaselineReport
		passedJSON     string
		failedJSON     string
		collectionJSON string
		capturedAt     string
	)
	err := s.db.QueryRow(`
		SELECT run_id, passed_json, failed_json, collection_json, discovery_hash, annotation, captured_at
		FROM baselines WHERE run_id = ?`, runID).
		Scan(&b.RunID, &passedJSON, &failedJSON, &collectionJSON, &b.DiscoveryHash, &b.Annotation, &capturedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("baseline for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get-baseline", err)
	}
	if err := json.Unmarshal([]byte(passedJSON), &b.Passed); err != nil {
		return nil, persistErr("get-baseline", fmt.Errorf("unmarshal passed: %w", err))
	}
	if err := json.Unmarshal([]byte(failedJSON), &b.Failed); err != nil {
		return nil, persistErr("get-baseline", fmt.Errorf("unmarshal failed: %w", err))
	}
	if err := json.Unmarshal([]byte(collectionJSON), &b.CollectionErrors); err != nil {
		return nil, persistErr("get-baseline", fmt.Errorf("unmarshal collection errors: %w", err))
	}
	b.CapturedAt = parseTime(capturedAt)
	return &b, nil
}
