// Package insight provides YouTube channel and video analytics.
//
// It fetches statistics snapshots from the Data API, runs pluggable
// analysis stages over them (sentiment, thumbnail, competitor), memoizes
// results by input fingerprint in SQLite, and serves the assembled
// records to both an HTTP dashboard and an MCP assistant endpoint.
package insight

import (
	"github.com/hazyhaar/tubescope/insight/internal/source"
	"github.com/hazyhaar/tubescope/insight/internal/stage"
	"github.com/hazyhaar/tubescope/insight/internal/store"
)

// Re-export store types for public API.
type (
	Entity          = store.Entity
	StageResult     = store.StageResult
	AnalyticsRecord = store.AnalyticsRecord
	FetchLogEntry   = store.FetchLogEntry
	Stats           = store.Stats
	Overview        = store.Overview

	Snapshot = source.Snapshot
	Kind     = source.Kind

	Stage         = stage.Stage
	AnalysisError = stage.AnalysisError
)

// Entity kinds.
const (
	KindChannel = source.KindChannel
	KindVideo   = source.KindVideo
)

// Result statuses.
const (
	StatusOK      = store.StatusOK
	StatusFailed  = store.StatusFailed
	StatusPending = store.StatusPending
	StatusStale   = store.StatusStale
)
