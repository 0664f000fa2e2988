// Package pipeline coordinates fetching and analysis. One call ensures an
// entity's record is fresh: it acquires a snapshot (deduplicated across
// concurrent callers), computes per-stage input fingerprints, serves
// memoized results where fingerprints and TTLs still hold, and schedules
// analysis jobs for the rest on a bounded worker pool. Identical jobs in
// flight are joined, never duplicated.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/tubescope/idgen"
	"github.com/hazyhaar/tubescope/insight/internal/record"
	"github.com/hazyhaar/tubescope/insight/internal/source"
	"github.com/hazyhaar/tubescope/insight/internal/stage"
	"github.com/hazyhaar/tubescope/insight/internal/store"
)

// ErrNotFound mirrors the source sentinel for callers that only import
// this package.
var ErrNotFound = source.ErrNotFound

// Config holds orchestrator tuning knobs.
type Config struct {
	// Workers bounds concurrent analysis jobs across all entities.
	Workers int `yaml:"workers"`
	// SlowWait is how long a caller waits for a slow stage before
	// accepting a pending marker. Zero returns pending immediately.
	SlowWait time.Duration `yaml:"slow_wait"`
	// SnapshotGrace reuses a completed snapshot for this long, so bursts
	// of calls for one entity hit upstream once.
	SnapshotGrace time.Duration `yaml:"snapshot_grace"`
	// RetryDelay spaces the single automatic retry of a transient
	// stage failure.
	RetryDelay time.Duration `yaml:"retry_delay"`
	Logger     *slog.Logger  `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SnapshotGrace <= 0 {
		c.SnapshotGrace = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type jobKey struct {
	entityID    string
	stage       string
	fingerprint string
}

// newJobID tags every analysis job: ULIDs sort by launch time, which
// keeps interleaved worker log lines greppable.
var newJobID = idgen.Prefixed("job_", idgen.ULID())

type job struct {
	id   string
	done chan struct{}
	res  *store.StageResult
}

type snapEntry struct {
	done chan struct{}
	snap *source.Snapshot
	err  error
	at   time.Time
}

// Orchestrator runs the fetch-analyze-memoize cycle.
type Orchestrator struct {
	cfg   Config
	src   *source.Adapter
	reg   *stage.Registry
	cache *record.Cache
	store *store.Store

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	jobs    map[jobKey]*job
	snaps   map[string]*snapEntry
	current map[[2]string]string // (entity, stage) -> latest fingerprint seen
}

// New creates an orchestrator. The registry must be fully populated; it
// is read-only from here on.
func New(cfg Config, src *source.Adapter, reg *stage.Registry, cache *record.Cache, st *store.Store) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		cfg:     cfg,
		src:     src,
		reg:     reg,
		cache:   cache,
		store:   st,
		sem:     make(chan struct{}, cfg.Workers),
		jobs:    make(map[jobKey]*job),
		snaps:   make(map[string]*snapEntry),
		current: make(map[[2]string]string),
	}
}

// EnsureFresh brings the record for one entity up to date and returns it.
// stages selects which stages to run; nil or empty means all registered
// ones, and the snapshot only carries the field groups those stages need,
// so a sentiment-only caller never pays for a thumbnail download. The
// only whole-call failure is a snapshot fetch failure; individual stage
// failures surface as failed or stale entries inside the record.
func (o *Orchestrator) EnsureFresh(ctx context.Context, entityID string, kind source.Kind, stages []string) (*store.AnalyticsRecord, error) {
	if len(stages) == 0 {
		stages = o.reg.Names()
	}
	snap, err := o.snapshot(ctx, entityID, kind, stages)
	if err != nil {
		return nil, err
	}

	ent := entityFromSnapshot(snap)
	if err := o.store.UpsertEntity(ctx, ent); err != nil {
		return nil, fmt.Errorf("pipeline: upsert entity: %w", err)
	}

	rec := &store.AnalyticsRecord{
		Entity:      *ent,
		Stages:      make(map[string]*store.StageResult),
		GeneratedAt: time.Now().UnixMilli(),
	}

	type launched struct {
		stg *stage.Stage
		fp  string
		j   *job
	}
	var waiting []launched

	for _, name := range stages {
		stg, ok := o.reg.Get(name)
		if !ok {
			continue // callers validate names; skip rather than fail mid-record
		}
		fp := stg.Fingerprint(snap)
		o.setCurrent(entityID, name, fp)

		cached, fresh, err := o.cache.Get(ctx, entityID, name, fp, stg.TTL)
		if err != nil {
			return nil, fmt.Errorf("pipeline: cache get: %w", err)
		}
		if fresh && cached.Status == store.StatusOK {
			rec.Stages[name] = cached
			continue
		}

		j := o.ensureJob(ctx, entityID, stg, fp, snap)
		waiting = append(waiting, launched{stg, fp, j})
	}

	for _, w := range waiting {
		res, err := o.await(ctx, w.stg, w.fp, w.j, entityID)
		if err != nil {
			return nil, err
		}
		rec.Stages[w.stg.Name] = res
	}
	return rec, nil
}

// ensureJob returns the in-flight job for (entity, stage, fingerprint),
// creating one when none exists. Callers with the same inputs share the
// same job.
func (o *Orchestrator) ensureJob(ctx context.Context, entityID string, stg *stage.Stage, fp string, snap *source.Snapshot) *job {
	k := jobKey{entityID, stg.Name, fp}
	o.mu.Lock()
	if j, ok := o.jobs[k]; ok {
		o.mu.Unlock()
		return j
	}
	j := &job{id: newJobID(), done: make(chan struct{})}
	o.jobs[k] = j
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		j.res = o.runJob(j.id, entityID, stg, fp, snap)
		o.mu.Lock()
		delete(o.jobs, k)
		o.mu.Unlock()
		close(j.done)
	}()
	return j
}

// await waits for a job according to the stage's cost class. Fast stages
// block until done; slow stages get SlowWait and then a pending marker.
func (o *Orchestrator) await(ctx context.Context, stg *stage.Stage, fp string, j *job, entityID string) (*store.StageResult, error) {
	var timeout <-chan time.Time
	if stg.Cost == stage.CostSlow {
		t := time.NewTimer(o.cfg.SlowWait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-j.done:
		return j.res, nil
	case <-timeout:
		pending := &store.StageResult{
			EntityID:    entityID,
			Stage:       stg.Name,
			Status:      store.StatusPending,
			Fingerprint: fp,
		}
		// Persist the marker so cache-only queries see work in progress.
		// The running job overwrites it on completion.
		if err := o.cache.Put(context.WithoutCancel(ctx), pending, fp); err != nil {
			return nil, err
		}
		return pending, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runJob executes one analysis on the worker pool, with a single retry
// on transient failure, and records the outcome. The background context
// keeps late results flowing even after the caller gives up.
func (o *Orchestrator) runJob(jobID, entityID string, stg *stage.Stage, fp string, snap *source.Snapshot) *store.StageResult {
	ctx := context.Background()
	o.sem <- struct{}{}
	defer func() { <-o.sem }()

	payload, err := stg.Analyze(ctx, snap)
	if err != nil && isTransient(err) {
		time.Sleep(o.cfg.RetryDelay)
		payload, err = stg.Analyze(ctx, snap)
	}

	res := &store.StageResult{
		EntityID:    entityID,
		Stage:       stg.Name,
		Fingerprint: fp,
		ComputedAt:  time.Now().UnixMilli(),
	}

	if err != nil {
		o.cfg.Logger.Warn("stage failed",
			"job", jobID, "entity", entityID, "stage", stg.Name, "error", err)
		current := o.currentFingerprint(entityID, stg.Name)
		if serr := o.cache.MarkStale(ctx, entityID, stg.Name, current, err.Error()); serr != nil {
			o.cfg.Logger.Error("mark stale", "job", jobID, "entity", entityID, "stage", stg.Name, "error", serr)
		}
		if prev, _, gerr := o.cache.Get(ctx, entityID, stg.Name, "", 0); gerr == nil && prev != nil && prev.Status == store.StatusStale {
			return prev
		}
		res.Status = store.StatusFailed
		res.Reason = err.Error()
		if perr := o.cache.Put(ctx, res, o.currentFingerprint(entityID, stg.Name)); perr != nil {
			o.cfg.Logger.Error("store result", "job", jobID, "entity", entityID, "stage", stg.Name, "error", perr)
		}
		return res
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		res.Status = store.StatusFailed
		res.Reason = fmt.Sprintf("encode payload: %v", err)
	} else {
		res.Status = store.StatusOK
		res.Payload = raw
	}
	if perr := o.cache.Put(ctx, res, o.currentFingerprint(entityID, stg.Name)); perr != nil {
		o.cfg.Logger.Error("store result", "job", jobID, "entity", entityID, "stage", stg.Name, "error", perr)
	}
	o.cfg.Logger.Debug("stage done",
		"job", jobID, "entity", entityID, "stage", stg.Name, "status", res.Status)
	return res
}

// snapshot fetches the entity once per burst: concurrent callers needing
// the same field groups join an in-flight fetch, and a completed fetch
// is reused within SnapshotGrace. Callers with different stage subsets
// fetch separately so a light request never pulls heavy fields.
func (o *Orchestrator) snapshot(ctx context.Context, entityID string, kind source.Kind, stages []string) (*source.Snapshot, error) {
	fields := o.reg.Fields(stages)
	key := snapKey(entityID, fields)

	o.mu.Lock()
	if e, ok := o.snaps[key]; ok {
		select {
		case <-e.done:
			if e.err == nil && time.Since(e.at) <= o.cfg.SnapshotGrace {
				o.mu.Unlock()
				return e.snap, nil
			}
			delete(o.snaps, key)
		default:
			o.mu.Unlock()
			select {
			case <-e.done:
				return e.snap, e.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	e := &snapEntry{done: make(chan struct{})}
	o.snaps[key] = e
	o.mu.Unlock()

	start := time.Now()
	e.snap, e.err = o.src.Fetch(ctx, entityID, kind, fields)
	e.at = time.Now()
	close(e.done)

	o.logFetch(ctx, entityID, e.err, time.Since(start))

	if e.err != nil {
		o.mu.Lock()
		delete(o.snaps, key)
		o.mu.Unlock()
		return nil, e.err
	}
	return e.snap, nil
}

func snapKey(entityID string, fields []source.Field) string {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, string(f))
	}
	sort.Strings(names)
	return entityID + "|" + strings.Join(names, ",")
}

func (o *Orchestrator) logFetch(ctx context.Context, entityID string, ferr error, dur time.Duration) {
	entry := &store.FetchLogEntry{
		EntityID:   entityID,
		Status:     store.FetchOK,
		DurationMs: dur.Milliseconds(),
	}
	if ferr != nil {
		entry.Status = store.FetchFailed
		entry.ErrorMessage = ferr.Error()
	}
	if err := o.store.InsertFetchLog(context.WithoutCancel(ctx), entry); err != nil {
		o.cfg.Logger.Error("fetch log", "entity", entityID, "error", err)
	}
}

func (o *Orchestrator) setCurrent(entityID, stg, fp string) {
	o.mu.Lock()
	o.current[[2]string{entityID, stg}] = fp
	o.mu.Unlock()
}

func (o *Orchestrator) currentFingerprint(entityID, stg string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current[[2]string{entityID, stg}]
}

// Wait blocks until all in-flight jobs finish. Used on shutdown and in
// tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func isTransient(err error) bool {
	var aerr *stage.AnalysisError
	if errors.As(err, &aerr) {
		return aerr.Transient
	}
	return source.IsTransient(err)
}

// entityFromSnapshot converts an upstream snapshot into its persisted
// form, deriving the engagement rate: (likes + comments) / views * 100.
func entityFromSnapshot(snap *source.Snapshot) *store.Entity {
	now := time.Now().UnixMilli()
	e := &store.Entity{
		ID:              snap.EntityID,
		Kind:            string(snap.Kind),
		Title:           snap.Title,
		ChannelID:       snap.ChannelID,
		ViewCount:       snap.ViewCount,
		LikeCount:       snap.LikeCount,
		CommentCount:    snap.CommentCount,
		SubscriberCount: snap.SubscriberCount,
		VideoCount:      snap.VideoCount,
		ThumbnailURL:    snap.ThumbnailURL,
		LastRefreshedAt: &now,
	}
	if e.ViewCount > 0 {
		e.EngagementRate = float64(e.LikeCount+e.CommentCount) / float64(e.ViewCount) * 100
	}
	if snap.PublishedAt != 0 {
		ms := snap.PublishedAt
		e.PublishedAt = &ms
	}
	return e
}
