package insight

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/tubescope/insight/internal/pipeline"
	"github.com/hazyhaar/tubescope/insight/internal/record"
	"github.com/hazyhaar/tubescope/insight/internal/scheduler"
	"github.com/hazyhaar/tubescope/insight/internal/source"
	"github.com/hazyhaar/tubescope/insight/internal/stage"
	"github.com/hazyhaar/tubescope/insight/internal/store"
	"github.com/hazyhaar/tubescope/kit"
)

// Service is the main analytics orchestrator.
type Service struct {
	store  *store.Store
	cache  *record.Cache
	src    *source.Adapter
	reg    *stage.Registry
	orch   *pipeline.Orchestrator
	sched  *scheduler.Scheduler
	logger *slog.Logger
	config *Config

	extraStages []*stage.Stage
	sentiment   stage.Analyzer
	thumbnail   stage.Analyzer
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithStage registers an additional analysis stage alongside the built-ins.
func WithStage(s *stage.Stage) ServiceOption {
	return func(svc *Service) { svc.extraStages = append(svc.extraStages, s) }
}

// WithSentimentAnalyzer overrides the built-in lexicon analyzer, for
// wiring an external model.
func WithSentimentAnalyzer(a stage.Analyzer) ServiceOption {
	return func(svc *Service) { svc.sentiment = a }
}

// WithThumbnailAnalyzer overrides the built-in image analyzer.
func WithThumbnailAnalyzer(a stage.Analyzer) ServiceOption {
	return func(svc *Service) { svc.thumbnail = a }
}

// New creates an insight Service over an already opened database. The
// schema is applied idempotently.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("insight: apply schema: %w", err)
	}

	svc := &Service{
		store:  store.NewStore(db),
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(svc)
	}

	svc.src = source.New(cfg.Source, logger)

	reg := stage.NewRegistry()
	stages := []*stage.Stage{
		stage.Sentiment(svc.sentiment, cfg.Stages.SentimentTTL),
		stage.Thumbnail(svc.thumbnail, cfg.Stages.ThumbnailTTL),
	}
	if len(cfg.Stages.CompetitorSet) > 0 {
		stages = append(stages,
			stage.Competitor(cfg.Stages.CompetitorSet, svc.lookupChannelStats, cfg.Stages.CompetitorTTL))
	}
	stages = append(stages, svc.extraStages...)
	for _, s := range stages {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	svc.reg = reg

	cache, err := record.New(svc.store, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	svc.cache = cache

	pcfg := cfg.Pipeline
	pcfg.Logger = logger
	svc.orch = pipeline.New(pcfg, svc.src, reg, cache, svc.store)

	svc.sched = scheduler.New(svc.store, svc.refreshEntity, cfg.Scheduler, logger)
	return svc, nil
}

// Start launches the background scheduler. Blocks until ctx is cancelled,
// then drains in-flight analysis jobs.
func (svc *Service) Start(ctx context.Context) {
	svc.sched.Run(ctx)
	svc.orch.Wait()
}

// Stages returns the registered stage names.
func (svc *Service) Stages() []string {
	return svc.reg.Names()
}

// --- Analysis ---

// Analyze fetches fresh data for an entity and runs the requested stages
// (nil means all registered ones), reusing memoized results whose inputs
// have not changed. The entity kind is detected from the identifier shape.
func (svc *Service) Analyze(ctx context.Context, entityID string, stages []string) (*AnalyticsRecord, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, fmt.Errorf("%w: empty entity id", ErrInvalidInput)
	}
	if err := svc.validateStages(stages); err != nil {
		return nil, err
	}
	svc.logger.Debug("analyze",
		"entity", entityID, "transport", kit.GetTransport(ctx), "request_id", kit.GetRequestID(ctx))
	return svc.orch.EnsureFresh(ctx, entityID, source.DetectKind(entityID), stages)
}

// Query returns the stored record for an entity without touching
// upstream, optionally restricted to a subset of stages. Returns
// ErrNotFound for an entity never analyzed.
func (svc *Service) Query(ctx context.Context, entityID string, stages []string) (*AnalyticsRecord, error) {
	if err := svc.validateStages(stages); err != nil {
		return nil, err
	}
	ent, err := svc.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}
	results, err := svc.cache.Results(ctx, entityID)
	if err != nil {
		return nil, err
	}
	rec := &AnalyticsRecord{
		Entity:      *ent,
		Stages:      make(map[string]*StageResult, len(results)),
		GeneratedAt: time.Now().UnixMilli(),
	}
	for _, r := range results {
		if len(stages) > 0 && !containsString(stages, r.Stage) {
			continue
		}
		rec.Stages[r.Stage] = r
	}
	return rec, nil
}

// validateStages rejects names not present in the registry. An empty
// list is valid and means "all stages".
func (svc *Service) validateStages(stages []string) error {
	for _, name := range stages {
		if _, ok := svc.reg.Get(name); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStage, name)
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- Tracking ---

// Track marks an entity for periodic background refresh. The entity is
// analyzed once up front so tracking an unknown ID fails fast.
func (svc *Service) Track(ctx context.Context, entityID string, refreshInterval time.Duration) (*AnalyticsRecord, error) {
	rec, err := svc.Analyze(ctx, entityID, nil)
	if err != nil {
		return nil, err
	}
	if err := svc.store.SetTracked(ctx, entityID, true, refreshInterval.Milliseconds()); err != nil {
		return nil, err
	}
	rec.Entity.Tracked = true
	return rec, nil
}

// Untrack stops background refresh for an entity. The stored record is kept.
func (svc *Service) Untrack(ctx context.Context, entityID string) error {
	err := svc.store.SetTracked(ctx, entityID, false, 0)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}
	return err
}

// ListEntities returns stored entities, optionally filtered by kind
// ("channel" or "video") and tracking state.
func (svc *Service) ListEntities(ctx context.Context, kind string, trackedOnly bool) ([]*Entity, error) {
	if kind != "" && kind != string(KindChannel) && kind != string(KindVideo) {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidInput, kind)
	}
	return svc.store.ListEntities(ctx, kind, trackedOnly)
}

// Delete removes an entity and its results, evicting any memory-tier
// cache entries so a later re-analyze starts from nothing.
func (svc *Service) Delete(ctx context.Context, entityID string) error {
	if err := svc.store.DeleteEntity(ctx, entityID); err != nil {
		return err
	}
	svc.cache.Invalidate(entityID, svc.reg.Names())
	return nil
}

// --- Channel collection ---

// CollectChannel analyzes a channel and ingests its recent videos as
// entities, so overview and recommendation queries have a populated
// video set to work from. Individual video failures are logged, not fatal.
func (svc *Service) CollectChannel(ctx context.Context, channelID string) (*AnalyticsRecord, error) {
	if source.DetectKind(channelID) != KindChannel {
		return nil, fmt.Errorf("%w: %q is not a channel id", ErrInvalidInput, channelID)
	}
	rec, err := svc.Analyze(ctx, channelID, nil)
	if err != nil {
		return nil, err
	}

	vids, err := svc.src.FetchChannelVideos(ctx, channelID, svc.config.CollectVideos)
	if err != nil {
		svc.logger.Warn("collect: list videos failed", "channel", channelID, "error", err)
		return rec, nil
	}
	ents := make([]*store.Entity, 0, len(vids))
	for _, v := range vids {
		ent := &store.Entity{
			ID:           v.VideoID,
			Kind:         string(KindVideo),
			Title:        v.Title,
			ChannelID:    channelID,
			ViewCount:    v.ViewCount,
			LikeCount:    v.LikeCount,
			CommentCount: v.CommentCount,
			ThumbnailURL: v.ThumbnailURL,
		}
		if v.ViewCount > 0 {
			ent.EngagementRate = float64(v.LikeCount+v.CommentCount) / float64(v.ViewCount) * 100
		}
		if v.PublishedAt != 0 {
			ms := v.PublishedAt
			ent.PublishedAt = &ms
		}
		ents = append(ents, ent)
	}
	if err := svc.store.UpsertEntities(ctx, ents); err != nil {
		svc.logger.Warn("collect: upsert videos", "channel", channelID, "error", err)
	}
	return rec, nil
}

// Overview aggregates a channel's collected videos: view distribution,
// engagement and top and bottom performers.
func (svc *Service) Overview(ctx context.Context, channelID string, topN int) (*Overview, error) {
	ent, err := svc.store.GetEntity(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		if _, err := svc.CollectChannel(ctx, channelID); err != nil {
			return nil, err
		}
	}
	return svc.store.ChannelOverview(ctx, channelID, topN)
}

// --- Stats and history ---

// Stats returns store-wide aggregate counters.
func (svc *Service) Stats(ctx context.Context) (*Stats, error) {
	return svc.store.GetStats(ctx)
}

// FetchHistory returns recent upstream fetch attempts, newest first. An
// empty entityID covers all entities.
func (svc *Service) FetchHistory(ctx context.Context, entityID string, limit int) ([]*FetchLogEntry, error) {
	return svc.store.FetchHistory(ctx, entityID, limit)
}

// --- Internal wiring ---

// refreshEntity is the scheduler callback: re-analyze one tracked entity.
func (svc *Service) refreshEntity(ctx context.Context, ent *store.Entity) error {
	_, err := svc.orch.EnsureFresh(ctx, ent.ID, source.Kind(ent.Kind), nil)
	return err
}

// lookupChannelStats resolves a comparison channel, preferring a stored
// row refreshed within the competitor TTL over an upstream call.
func (svc *Service) lookupChannelStats(ctx context.Context, channelID string) (*stage.ChannelStats, error) {
	ent, err := svc.store.GetEntity(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ent != nil && ent.LastRefreshedAt != nil &&
		time.Since(time.UnixMilli(*ent.LastRefreshedAt)) <= svc.config.Stages.CompetitorTTL {
		return &stage.ChannelStats{
			ChannelID:       ent.ID,
			Title:           ent.Title,
			SubscriberCount: ent.SubscriberCount,
			ViewCount:       ent.ViewCount,
			VideoCount:      ent.VideoCount,
		}, nil
	}

	snap, err := svc.src.Fetch(ctx, channelID, KindChannel, []source.Field{source.FieldStatistics})
	if err != nil {
		if ent != nil {
			svc.logger.Warn("competitor lookup: upstream failed, using stored row",
				"channel", channelID, "error", err)
			return &stage.ChannelStats{
				ChannelID:       ent.ID,
				Title:           ent.Title,
				SubscriberCount: ent.SubscriberCount,
				ViewCount:       ent.ViewCount,
				VideoCount:      ent.VideoCount,
			}, nil
		}
		return nil, err
	}
	return &stage.ChannelStats{
		ChannelID:       snap.EntityID,
		Title:           snap.Title,
		SubscriberCount: snap.SubscriberCount,
		ViewCount:       snap.ViewCount,
		VideoCount:      snap.VideoCount,
	}, nil
}
