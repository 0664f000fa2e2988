// Package scheduler polls for due tracked entities and refreshes them.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/tubescope/insight/internal/store"
)

// Config configures the scheduler.
type Config struct {
	// CheckInterval is how often to poll for due entities. Default: 1 minute.
	CheckInterval time.Duration `yaml:"check_interval"`
	// Batch caps how many entities one poll refreshes. Default: 20.
	Batch int `yaml:"batch"`
	// FetchLogRetention is how long upstream fetch log rows are kept
	// before each poll prunes them. Default: 7 days.
	FetchLogRetention time.Duration `yaml:"fetch_log_retention"`
}

func (c *Config) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.Batch <= 0 {
		c.Batch = 20
	}
	if c.FetchLogRetention <= 0 {
		c.FetchLogRetention = 7 * 24 * time.Hour
	}
}

// Refresher brings one entity's record up to date.
type Refresher func(ctx context.Context, entity *store.Entity) error

// Scheduler periodically refreshes tracked entities whose interval has
// elapsed.
type Scheduler struct {
	store   *store.Store
	refresh Refresher
	config  Config
	logger  *slog.Logger
}

// New creates a Scheduler.
func New(st *store.Store, refresh Refresher, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: st, refresh: refresh, config: cfg, logger: logger}
}

// Run polls for due entities on a ticker. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	// Run once immediately on start.
	s.refreshDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshDue(ctx)
		}
	}
}

func (s *Scheduler) refreshDue(ctx context.Context) {
	if n, err := s.store.PruneFetchLog(ctx, s.config.FetchLogRetention); err != nil {
		s.logger.Warn("scheduler: prune fetch log", "error", err)
	} else if n > 0 {
		s.logger.Debug("scheduler: pruned fetch log", "rows", n)
	}

	due, err := s.store.DueEntities(ctx, s.config.Batch)
	if err != nil {
		s.logger.Error("scheduler: due entities", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	s.logger.Info("scheduler: refreshing", "count", len(due))

	for _, ent := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.refresh(ctx, ent); err != nil {
			s.logger.Warn("scheduler: refresh failed",
				"entity", ent.ID, "kind", ent.Kind, "error", err)
			continue
		}
		if err := s.store.MarkRefreshed(ctx, ent.ID); err != nil {
			s.logger.Error("scheduler: mark refreshed", "entity", ent.ID, "error", err)
		}
	}
}
