// Package source normalizes the YouTube Data API v3 into a uniform fetch
// contract with built-in rate-limit and retry handling.
//
// The adapter is purely a resilient transport: it never caches responses.
// Memoization of anything derived from a snapshot is the record cache's job.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://www.googleapis.com"

// Field names a snapshot field group a caller (or a stage) needs.
type Field string

const (
	// FieldStatistics covers view/like/comment/subscriber counters and titles.
	FieldStatistics Field = "statistics"
	// FieldComments pulls recent top-level comments (videos only).
	FieldComments Field = "comments"
	// FieldThumbnail downloads the thumbnail asset and hashes it.
	FieldThumbnail Field = "thumbnail"
)

// Kind distinguishes the two entity flavours the upstream API serves.
type Kind string

const (
	KindChannel Kind = "channel"
	KindVideo   Kind = "video"
)

// DetectKind guesses the entity kind from the ID shape. Channel IDs are
// 24 chars starting with "UC"; everything else is treated as a video ID.
func DetectKind(id string) Kind {
	if len(id) == 24 && strings.HasPrefix(id, "UC") {
		return KindChannel
	}
	return KindVideo
}

// Comment is one top-level comment on a video.
type Comment struct {
	Author      string `json:"author"`
	Text        string `json:"text"`
	LikeCount   int64  `json:"like_count"`
	PublishedAt int64  `json:"published_at"` // unix ms
}

// Snapshot is the normalized view of one entity at fetch time.
// Which fields are populated depends on the requested field groups.
type Snapshot struct {
	EntityID  string `json:"entity_id"`
	Kind      Kind   `json:"kind"`
	Title     string `json:"title"`
	ChannelID string `json:"channel_id"` // parent channel for videos

	ViewCount       int64 `json:"view_count"`
	LikeCount       int64 `json:"like_count"`
	CommentCount    int64 `json:"comment_count"`
	SubscriberCount int64 `json:"subscriber_count"` // channels only
	VideoCount      int64 `json:"video_count"`      // channels only
	PublishedAt     int64 `json:"published_at"`     // unix ms

	Comments      []Comment `json:"comments,omitempty"`
	LastCommentAt int64     `json:"last_comment_at"` // unix ms, 0 if none

	ThumbnailURL  string `json:"thumbnail_url"`
	ThumbnailHash string `json:"thumbnail_hash"` // SHA-256 of the asset bytes
	Thumbnail     []byte `json:"-"`              // asset bytes, never serialized

	FetchedAt int64 `json:"fetched_at"` // unix ms
}

// VideoStat is one video row from a channel's recent uploads.
type VideoStat struct {
	VideoID      string `json:"video_id"`
	Title        string `json:"title"`
	ViewCount    int64  `json:"view_count"`
	LikeCount    int64  `json:"like_count"`
	CommentCount int64  `json:"comment_count"`
	PublishedAt  int64  `json:"published_at"` // unix ms
	ThumbnailURL string `json:"thumbnail_url"`
}

// HTTPClient lets tests inject a transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the adapter.
type Config struct {
	// APIKey is the YouTube Data API key, sent as the key query parameter.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the Google API endpoint (tests).
	BaseURL string `yaml:"base_url"`
	// Timeout is the per-request HTTP timeout. Default: 15s.
	Timeout time.Duration `yaml:"timeout"`
	// UserAgent sent with requests.
	UserAgent string `yaml:"user_agent"`
	// MaxComments caps how many comments a FieldComments fetch pulls. Default: 50.
	MaxComments int `yaml:"max_comments"`
	// RatePerSecond is the process-wide request budget. The upstream quota is
	// global, so one limiter is shared by every caller. Default: 5.
	RatePerSecond float64 `yaml:"rate_per_second"`
	// Burst is the limiter burst size. Default: 5.
	Burst int `yaml:"burst"`
	// RateLimitRetries bounds backoff attempts after a 403/429. Default: 4.
	RateLimitRetries int `yaml:"rate_limit_retries"`
	// UpstreamRetries bounds retries after a 5xx. Default: 2.
	UpstreamRetries int `yaml:"upstream_retries"`
	// BaseBackoff is the initial retry delay, doubled each attempt. Default: 500ms.
	BaseBackoff time.Duration `yaml:"base_backoff"`
	// HTTPClient overrides the default client (tests).
	HTTPClient HTTPClient `yaml:"-"`
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "tubescope/1.0"
	}
	if c.MaxComments <= 0 {
		c.MaxComments = 50
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.RateLimitRetries <= 0 {
		c.RateLimitRetries = 4
	}
	if c.UpstreamRetries <= 0 {
		c.UpstreamRetries = 2
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
}

// Adapter is the resilient YouTube Data API transport.
type Adapter struct {
	client  HTTPClient
	limiter *rate.Limiter
	config  Config
	logger  *slog.Logger
}

// New creates an Adapter. The internal token bucket is the process-wide
// quota guard; construct one Adapter per process and share it.
func New(cfg Config, logger *slog.Logger) *Adapter {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		config:  cfg,
		logger:  logger,
	}
}

// Fetch retrieves a snapshot of one entity with the requested field groups.
// Failure modes: ErrNotFound (terminal), ErrRateLimited (after bounded
// backoff), *UpstreamError (after bounded retries).
func (a *Adapter) Fetch(ctx context.Context, entityID string, kind Kind, fields []Field) (*Snapshot, error) {
	var snap *Snapshot
	var err error
	switch kind {
	case KindChannel:
		snap, err = a.fetchChannel(ctx, entityID)
	default:
		snap, err = a.fetchVideo(ctx, entityID)
	}
	if err != nil {
		return nil, err
	}

	for _, f := range fields {
		switch f {
		case FieldComments:
			if kind == KindVideo {
				if err := a.attachComments(ctx, snap); err != nil {
					return nil, err
				}
			}
		case FieldThumbnail:
			if snap.ThumbnailURL != "" {
				if err := a.attachThumbnail(ctx, snap); err != nil {
					return nil, err
				}
			}
		}
	}

	snap.FetchedAt = time.Now().UnixMilli()
	return snap, nil
}

// FetchChannelVideos returns recent uploads of a channel with their
// statistics, newest first. Used by the collection path and the channel
// overview aggregation.
func (a *Adapter) FetchChannelVideos(ctx context.Context, channelID string, limit int) ([]VideoStat, error) {
	if limit <= 0 {
		limit = 10
	}
	searchURL := fmt.Sprintf("%s/youtube/v3/search?part=snippet&channelId=%s&maxResults=%d&order=date&type=video",
		a.config.BaseURL, url.QueryEscape(channelID), limit)

	var search searchResponse
	if err := a.getJSON(ctx, searchURL, &search); err != nil {
		return nil, err
	}
	if len(search.Items) == 0 {
		return []VideoStat{}, nil
	}

	ids := make([]string, 0, len(search.Items))
	for _, item := range search.Items {
		ids = append(ids, item.ID.VideoID)
	}

	videosURL := fmt.Sprintf("%s/youtube/v3/videos?part=snippet,statistics&id=%s",
		a.config.BaseURL, strings.Join(ids, ","))

	var videos videosResponse
	if err := a.getJSON(ctx, videosURL, &videos); err != nil {
		return nil, err
	}

	stats := make([]VideoStat, 0, len(videos.Items))
	for _, item := range videos.Items {
		stats = append(stats, VideoStat{
			VideoID:      item.ID,
			Title:        item.Snippet.Title,
			ViewCount:    parseCount(item.Statistics.ViewCount),
			LikeCount:    parseCount(item.Statistics.LikeCount),
			CommentCount: parseCount(item.Statistics.CommentCount),
			PublishedAt:  parseTime(item.Snippet.PublishedAt),
			ThumbnailURL: item.Snippet.Thumbnails.High.URL,
		})
	}
	return stats, nil
}

func (a *Adapter) fetchChannel(ctx context.Context, channelID string) (*Snapshot, error) {
	u := fmt.Sprintf("%s/youtube/v3/channels?part=snippet,statistics&id=%s",
		a.config.BaseURL, url.QueryEscape(channelID))

	var resp channelsResponse
	if err := a.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}

	item := resp.Items[0]
	return &Snapshot{
		EntityID:        item.ID,
		Kind:            KindChannel,
		Title:           item.Snippet.Title,
		ViewCount:       parseCount(item.Statistics.ViewCount),
		SubscriberCount: parseCount(item.Statistics.SubscriberCount),
		VideoCount:      parseCount(item.Statistics.VideoCount),
		PublishedAt:     parseTime(item.Snippet.PublishedAt),
		ThumbnailURL:    item.Snippet.Thumbnails.High.URL,
	}, nil
}

func (a *Adapter) fetchVideo(ctx context.Context, videoID string) (*Snapshot, error) {
	u := fmt.Sprintf("%s/youtube/v3/videos?part=snippet,statistics&id=%s",
		a.config.BaseURL, url.QueryEscape(videoID))

	var resp videosResponse
	if err := a.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	}

	item := resp.Items[0]
	return &Snapshot{
		EntityID:     item.ID,
		Kind:         KindVideo,
		Title:        item.Snippet.Title,
		ChannelID:    item.Snippet.ChannelID,
		ViewCount:    parseCount(item.Statistics.ViewCount),
		LikeCount:    parseCount(item.Statistics.LikeCount),
		CommentCount: parseCount(item.Statistics.CommentCount),
		PublishedAt:  parseTime(item.Snippet.PublishedAt),
		ThumbnailURL: item.Snippet.Thumbnails.High.URL,
	}, nil
}

func (a *Adapter) attachComments(ctx context.Context, snap *Snapshot) error {
	u := fmt.Sprintf("%s/youtube/v3/commentThreads?part=snippet&videoId=%s&maxResults=%d&order=time&textFormat=plainText",
		a.config.BaseURL, url.QueryEscape(snap.EntityID), a.config.MaxComments)

	var resp commentThreadsResponse
	if err := a.getJSON(ctx, u, &resp); err != nil {
		// Comments can be disabled per-video; the API answers 403 for those.
		// That is not a quota problem, but indistinguishable at status level,
		// so the bounded backoff has already run its course. Treat a final
		// rate-limit verdict on the comments call as "no comments".
		if errors.Is(err, ErrRateLimited) {
			snap.Comments = nil
			return nil
		}
		return err
	}

	comments := make([]Comment, 0, len(resp.Items))
	var last int64
	for _, item := range resp.Items {
		c := item.Snippet.TopLevelComment.Snippet
		published := parseTime(c.PublishedAt)
		if published > last {
			last = published
		}
		comments = append(comments, Comment{
			Author:      c.AuthorDisplayName,
			Text:        c.TextDisplay,
			LikeCount:   c.LikeCount,
			PublishedAt: published,
		})
	}
	snap.Comments = comments
	snap.LastCommentAt = last
	return nil
}

func (a *Adapter) attachThumbnail(ctx context.Context, snap *Snapshot) error {
	body, err := a.getRaw(ctx, snap.ThumbnailURL)
	if err != nil {
		return err
	}
	h := sha256.Sum256(body)
	snap.Thumbnail = body
	snap.ThumbnailHash = fmt.Sprintf("%x", h)
	return nil
}

// getJSON performs a rate-limited, retried GET and decodes the JSON body.
func (a *Adapter) getJSON(ctx context.Context, rawURL string, out any) error {
	body, err := a.getRaw(ctx, a.withKey(rawURL))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &UpstreamError{Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// getRaw is the single choke point for outbound requests: limiter wait,
// status classification, and the retry/backoff loop all live here.
func (a *Adapter) getRaw(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	rateAttempts, upstreamAttempts := 0, 0

	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("source: limiter wait: %w", err)
		}

		body, err := a.doOnce(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrNotFound):
			return nil, err // terminal, never retried
		case errors.Is(err, ErrRateLimited):
			rateAttempts++
			if rateAttempts > a.config.RateLimitRetries {
				return nil, lastErr
			}
			wait := a.config.BaseBackoff * (1 << uint(rateAttempts-1))
			a.logger.Warn("source: rate limited, backing off",
				"attempt", rateAttempts, "backoff_ms", wait.Milliseconds())
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, lastErr
			}
		default:
			var ue *UpstreamError
			if !errors.As(err, &ue) {
				return nil, err
			}
			upstreamAttempts++
			if upstreamAttempts > a.config.UpstreamRetries {
				return nil, lastErr
			}
			wait := a.config.BaseBackoff + time.Duration(rand.Int63n(int64(a.config.BaseBackoff)))
			a.logger.Warn("source: upstream error, retrying",
				"attempt", upstreamAttempts, "status", ue.StatusCode, "backoff_ms", wait.Milliseconds())
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, lastErr
			}
		}
	}
}

func (a *Adapter) doOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: new request: %w", err)
	}
	req.Header.Set("User-Agent", a.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		if err != nil {
			return nil, &UpstreamError{Cause: fmt.Errorf("read body: %w", err)}
		}
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		// The Data API reports quota exhaustion as 403 quotaExceeded.
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	default:
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}
}

func (a *Adapter) withKey(rawURL string) string {
	if a.config.APIKey == "" {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "key=" + url.QueryEscape(a.config.APIKey)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func parseCount(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseTime(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
