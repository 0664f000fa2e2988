package store

import "database/sql"

// Schema is the complete analytics schema.
const Schema = `
-- Tracked entities: channels and videos
CREATE TABLE IF NOT EXISTS entities (
    id                TEXT PRIMARY KEY,
    kind              TEXT NOT NULL,
    title             TEXT NOT NULL DEFAULT '',
    channel_id        TEXT NOT NULL DEFAULT '',
    view_count        INTEGER NOT NULL DEFAULT 0,
    like_count        INTEGER NOT NULL DEFAULT 0,
    comment_count     INTEGER NOT NULL DEFAULT 0,
    subscriber_count  INTEGER NOT NULL DEFAULT 0,
    video_count       INTEGER NOT NULL DEFAULT 0,
    engagement_rate   REAL NOT NULL DEFAULT 0,
    published_at      INTEGER,
    thumbnail_url     TEXT NOT NULL DEFAULT '',
    tracked           INTEGER NOT NULL DEFAULT 0,
    refresh_interval  INTEGER NOT NULL DEFAULT 3600000,
    last_refreshed_at INTEGER,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_tracked ON entities(tracked, last_refreshed_at);
CREATE INDEX IF NOT EXISTS idx_entities_channel ON entities(channel_id, view_count DESC);

-- Memoized per-stage analysis results
CREATE TABLE IF NOT EXISTS stage_results (
    entity_id   TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    stage       TEXT NOT NULL,
    status      TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    fingerprint TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT 'null',
    computed_at INTEGER NOT NULL,
    PRIMARY KEY (entity_id, stage)
);

-- Fetch log (observability)
CREATE TABLE IF NOT EXISTS fetch_log (
    id            TEXT PRIMARY KEY,
    entity_id     TEXT NOT NULL,
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    fetched_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_entity ON fetch_log(entity_id, fetched_at DESC);
`

// ApplySchema applies the analytics schema to a database. Idempotent.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
