package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/tubescope/dbopen"
)

// GetStageResult returns the stored result for (entity, stage), or nil.
func (s *Store) GetStageResult(ctx context.Context, entityID, stage string) (*StageResult, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT entity_id, stage, status, reason, fingerprint, payload, computed_at
		FROM stage_results WHERE entity_id = ? AND stage = ?`, entityID, stage)
	r, err := scanStageResult(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan stage result: %w", err)
	}
	return r, nil
}

// PutStageResult writes the result for (entity, stage), replacing any
// previous row.
func (s *Store) PutStageResult(ctx context.Context, r *StageResult) error {
	if r.ComputedAt == 0 {
		r.ComputedAt = time.Now().UnixMilli()
	}
	payload := string(r.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO stage_results (entity_id, stage, status, reason, fingerprint, payload, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, stage) DO UPDATE SET
		  status=excluded.status, reason=excluded.reason,
		  fingerprint=excluded.fingerprint, payload=excluded.payload,
		  computed_at=excluded.computed_at`,
		r.EntityID, r.Stage, r.Status, r.Reason, r.Fingerprint, payload, r.ComputedAt,
	)
	return err
}

// ListStageResults returns all stored results for one entity.
func (s *Store) ListStageResults(ctx context.Context, entityID string) ([]*StageResult, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT entity_id, stage, status, reason, fingerprint, payload, computed_at
		FROM stage_results WHERE entity_id = ? ORDER BY stage`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StageResult
	for rows.Next() {
		r, err := scanStageResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanStageResult(sc rowScanner) (*StageResult, error) {
	var r StageResult
	var payload string
	err := sc.Scan(&r.EntityID, &r.Stage, &r.Status, &r.Reason, &r.Fingerprint, &payload, &r.ComputedAt)
	if err != nil {
		return nil, err
	}
	r.Payload = []byte(payload)
	return &r, nil
}
