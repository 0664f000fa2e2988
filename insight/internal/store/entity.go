package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/tubescope/dbopen"
)

const entityCols = `id, kind, title, channel_id, view_count, like_count,
	comment_count, subscriber_count, video_count, engagement_rate, published_at,
	thumbnail_url, tracked, refresh_interval, last_refreshed_at, created_at, updated_at`

const upsertEntitySQL = `INSERT INTO entities (id, kind, title, channel_id, view_count, like_count,
	comment_count, subscriber_count, video_count, engagement_rate, published_at,
	thumbnail_url, tracked, refresh_interval, last_refreshed_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	  title=excluded.title, channel_id=excluded.channel_id,
	  view_count=excluded.view_count, like_count=excluded.like_count,
	  comment_count=excluded.comment_count, subscriber_count=excluded.subscriber_count,
	  video_count=excluded.video_count, engagement_rate=excluded.engagement_rate,
	  published_at=excluded.published_at, thumbnail_url=excluded.thumbnail_url,
	  last_refreshed_at=excluded.last_refreshed_at, updated_at=excluded.updated_at`

func upsertEntityArgs(e *Entity) []any {
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.RefreshInterval == 0 {
		e.RefreshInterval = 3600000
	}
	return []any{
		e.ID, e.Kind, e.Title, e.ChannelID, e.ViewCount, e.LikeCount,
		e.CommentCount, e.SubscriberCount, e.VideoCount, e.EngagementRate, e.PublishedAt,
		e.ThumbnailURL, e.Tracked, e.RefreshInterval, e.LastRefreshedAt, e.CreatedAt, e.UpdatedAt,
	}
}

// UpsertEntity inserts a new entity or refreshes the metrics of an existing
// one. Tracked and refresh_interval survive upserts so a metrics refresh
// never untracks an entity.
func (s *Store) UpsertEntity(ctx context.Context, e *Entity) error {
	_, err := dbopen.Exec(ctx, s.DB, upsertEntitySQL, upsertEntityArgs(e)...)
	return err
}

// UpsertEntities writes a batch of entities in one transaction, so a
// channel collection lands atomically instead of half of its videos.
func (s *Store) UpsertEntities(ctx context.Context, ents []*Entity) error {
	if len(ents) == 0 {
		return nil
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, e := range ents {
			if _, err := tx.ExecContext(ctx, upsertEntitySQL, upsertEntityArgs(e)...); err != nil {
				return fmt.Errorf("upsert %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// GetEntity returns an entity by ID, or nil when absent.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+entityCols+` FROM entities WHERE id = ?`, id)
	return scanEntity(row)
}

// ListEntities returns entities, optionally filtered by kind and tracked.
func (s *Store) ListEntities(ctx context.Context, kind string, trackedOnly bool) ([]*Entity, error) {
	q := `SELECT ` + entityCols + ` FROM entities WHERE 1=1`
	var args []any
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, kind)
	}
	if trackedOnly {
		q += ` AND tracked = 1`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntities(rows)
}

// SetTracked flips tracking on or off for an entity.
func (s *Store) SetTracked(ctx context.Context, id string, tracked bool, refreshInterval int64) error {
	now := time.Now().UnixMilli()
	if refreshInterval <= 0 {
		refreshInterval = 3600000
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE entities SET tracked=?, refresh_interval=?, updated_at=? WHERE id=?`,
		tracked, refreshInterval, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteEntity removes an entity (cascades to stage_results).
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, s.DB, `DELETE FROM entities WHERE id = ?`, id)
	return err
}

// DueEntities returns tracked entities whose next refresh time has passed.
// next refresh = last_refreshed_at + refresh_interval
// Entities never refreshed are always due.
func (s *Store) DueEntities(ctx context.Context, limit int) ([]*Entity, error) {
	now := time.Now().UnixMilli()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+entityCols+` FROM entities
		WHERE tracked = 1
		  AND (last_refreshed_at IS NULL OR last_refreshed_at + refresh_interval <= ?)
		ORDER BY last_refreshed_at ASC NULLS FIRST
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntities(rows)
}

// ChannelVideos returns the persisted videos of a channel, newest views first.
func (s *Store) ChannelVideos(ctx context.Context, channelID string, limit int) ([]*Entity, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+entityCols+` FROM entities
		WHERE kind = 'video' AND channel_id = ?
		ORDER BY view_count DESC
		LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntities(rows)
}

// MarkRefreshed stamps last_refreshed_at after a successful refresh cycle.
func (s *Store) MarkRefreshed(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE entities SET last_refreshed_at=?, updated_at=? WHERE id=?`, now, now, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntityFrom(sc rowScanner) (*Entity, error) {
	var e Entity
	var tracked int
	err := sc.Scan(
		&e.ID, &e.Kind, &e.Title, &e.ChannelID, &e.ViewCount, &e.LikeCount,
		&e.CommentCount, &e.SubscriberCount, &e.VideoCount, &e.EngagementRate, &e.PublishedAt,
		&e.ThumbnailURL, &tracked, &e.RefreshInterval, &e.LastRefreshedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Tracked = tracked != 0
	return &e, nil
}

func scanEntity(row *sql.Row) (*Entity, error) {
	e, err := scanEntityFrom(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	return e, nil
}

func collectEntities(rows *sql.Rows) ([]*Entity, error) {
	var out []*Entity
	for rows.Next() {
		e, err := scanEntityFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
