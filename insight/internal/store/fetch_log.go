package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/tubescope/dbopen"
	"github.com/hazyhaar/tubescope/idgen"
)

// InsertFetchLog records one upstream fetch attempt.
func (s *Store) InsertFetchLog(ctx context.Context, entry *FetchLogEntry) error {
	if entry.ID == "" {
		entry.ID = idgen.New()
	}
	if entry.FetchedAt == 0 {
		entry.FetchedAt = time.Now().UnixMilli()
	}
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO fetch_log (id, entity_id, status, error_message, duration_ms, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EntityID, entry.Status, entry.ErrorMessage, entry.DurationMs, entry.FetchedAt,
	)
	return err
}

// FetchHistory returns recent fetch attempts for an entity, newest first.
// An empty entityID returns history across all entities.
func (s *Store) FetchHistory(ctx context.Context, entityID string, limit int) ([]*FetchLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, entity_id, status, error_message, duration_ms, fetched_at FROM fetch_log`
	var args []any
	if entityID != "" {
		q += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	q += ` ORDER BY fetched_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FetchLogEntry
	for rows.Next() {
		var e FetchLogEntry
		if err := rows.Scan(&e.ID, &e.EntityID, &e.Status, &e.ErrorMessage, &e.DurationMs, &e.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan fetch log: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PruneFetchLog deletes entries older than the cutoff. Returns rows removed.
func (s *Store) PruneFetchLog(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM fetch_log WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
