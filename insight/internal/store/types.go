package store

import "encoding/json"

// Result statuses for stage_results rows.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusPending = "pending"
	StatusStale   = "stale"
)

// Fetch log statuses.
const (
	FetchOK     = "ok"
	FetchFailed = "failed"
)

// Entity is a persisted channel or video row.
type Entity struct {
	ID              string  `json:"id"`
	Kind            string  `json:"kind"` // "channel" | "video"
	Title           string  `json:"title"`
	ChannelID       string  `json:"channel_id,omitempty"`
	ViewCount       int64   `json:"view_count"`
	LikeCount       int64   `json:"like_count"`
	CommentCount    int64   `json:"comment_count"`
	SubscriberCount int64   `json:"subscriber_count"`
	VideoCount      int64   `json:"video_count"`
	EngagementRate  float64 `json:"engagement_rate"`
	PublishedAt     *int64  `json:"published_at,omitempty"` // ms
	ThumbnailURL    string  `json:"thumbnail_url,omitempty"`
	Tracked         bool    `json:"tracked"`
	RefreshInterval int64   `json:"refresh_interval"` // ms
	LastRefreshedAt *int64  `json:"last_refreshed_at,omitempty"`
	CreatedAt       int64   `json:"created_at"`
	UpdatedAt       int64   `json:"updated_at"`
}

// StageResult is one memoized analysis result for an (entity, stage) pair.
type StageResult struct {
	EntityID    string          `json:"entity_id"`
	Stage       string          `json:"stage"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ComputedAt  int64           `json:"computed_at"`
}

// AnalyticsRecord is the assembled view of an entity: raw metrics plus
// whatever stage results exist, each tagged with its status.
type AnalyticsRecord struct {
	Entity      Entity                  `json:"entity"`
	Stages      map[string]*StageResult `json:"stages"`
	GeneratedAt int64                   `json:"generated_at"` // ms, when this view was assembled
}

// FetchLogEntry is one upstream fetch attempt record.
type FetchLogEntry struct {
	ID           string `json:"id"`
	EntityID     string `json:"entity_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	FetchedAt    int64  `json:"fetched_at"`
}

// Stats holds aggregate counters for the whole store.
type Stats struct {
	Entities         int64            `json:"entities"`
	Tracked          int64            `json:"tracked"`
	ByKind           map[string]int64 `json:"by_kind"`
	ResultsByStatus  map[string]int64 `json:"results_by_status"`
	Fetches24h       int64            `json:"fetches_24h"`
	FetchFailures24h int64            `json:"fetch_failures_24h"`
	OldestResultAt   *int64           `json:"oldest_result_at,omitempty"`
	NewestResultAt   *int64           `json:"newest_result_at,omitempty"`
}

// Overview summarizes the recent videos of one channel.
type Overview struct {
	ChannelID     string     `json:"channel_id"`
	Videos        int        `json:"videos"`
	TotalViews    int64      `json:"total_views"`
	AvgViews      float64    `json:"avg_views"`
	MedianViews   float64    `json:"median_views"`
	AvgEngagement float64    `json:"avg_engagement"`
	ViewStdDev    float64    `json:"view_stddev"`
	ViewCV        float64    `json:"view_cv"` // coefficient of variation, percent
	Quartiles     [3]float64 `json:"view_quartiles"`
	TopVideos     []*Entity  `json:"top_videos,omitempty"`
	BottomVideos  []*Entity  `json:"bottom_videos,omitempty"`
}
