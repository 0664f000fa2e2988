// Package record memoizes analysis results keyed by entity, stage and
// input fingerprint. It layers an in-memory LRU over the sqlite store so
// hot entities skip the database entirely. Freshness policy lives here:
// a result is served only while its fingerprint matches the current
// inputs and its TTL has not elapsed. Expiry is lazy, checked on read.
package record

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hazyhaar/tubescope/insight/internal/store"
)

type key struct {
	entityID string
	stage    string
}

// Cache is the two-tier result cache. Safe for concurrent use.
type Cache struct {
	store *store.Store
	mem   *lru.Cache[key, *store.StageResult]
}

// New creates a cache over the given store. size bounds the in-memory
// tier; 0 uses a default of 1024 entries.
func New(st *store.Store, size int) (*Cache, error) {
	if size <= 0 {
		size = 1024
	}
	mem, err := lru.New[key, *store.StageResult](size)
	if err != nil {
		return nil, fmt.Errorf("record: lru: %w", err)
	}
	return &Cache{store: st, mem: mem}, nil
}

// Get looks up the result for (entity, stage). fresh reports whether the
// result matches the given fingerprint and is within ttl; a non-nil
// result with fresh=false is usable as a stale fallback. A ttl of 0
// never expires.
func (c *Cache) Get(ctx context.Context, entityID, stage, fingerprint string, ttl time.Duration) (res *store.StageResult, fresh bool, err error) {
	k := key{entityID, stage}
	res, ok := c.mem.Get(k)
	if !ok {
		res, err = c.store.GetStageResult(ctx, entityID, stage)
		if err != nil {
			return nil, false, err
		}
		if res == nil {
			return nil, false, nil
		}
		c.mem.Add(k, res)
	}
	return res, c.isFresh(res, fingerprint, ttl), nil
}

func (c *Cache) isFresh(res *store.StageResult, fingerprint string, ttl time.Duration) bool {
	if res.Status != store.StatusOK && res.Status != store.StatusPending {
		return false
	}
	if res.Fingerprint != fingerprint {
		return false
	}
	if ttl > 0 && time.Since(time.UnixMilli(res.ComputedAt)) > ttl {
		return false
	}
	return true
}

// Put stores a result. currentFingerprint is the fingerprint of the
// inputs as of now; a result computed from older inputs never replaces
// a row already holding the current fingerprint, so late completions of
// superseded jobs cannot clobber fresher data. A superseded result that
// does land (nothing fresher exists) is downgraded to stale in place:
// the payload stays servable but is flagged as computed from old inputs.
func (c *Cache) Put(ctx context.Context, res *store.StageResult, currentFingerprint string) error {
	if res.Fingerprint != currentFingerprint {
		existing, err := c.store.GetStageResult(ctx, res.EntityID, res.Stage)
		if err != nil {
			return err
		}
		if existing != nil && existing.Fingerprint == currentFingerprint {
			return nil
		}
		if res.Status == store.StatusOK {
			res.Status = store.StatusStale
			res.Reason = "inputs changed during computation"
		}
	}
	if err := c.store.PutStageResult(ctx, res); err != nil {
		return err
	}
	c.mem.Add(key{res.EntityID, res.Stage}, res)
	return nil
}

// MarkStale downgrades the stored result for (entity, stage) to stale,
// keeping its payload, unless a row with the current fingerprint already
// exists. Used when a refresh fails but old data is still worth serving.
func (c *Cache) MarkStale(ctx context.Context, entityID, stage, currentFingerprint, reason string) error {
	existing, err := c.store.GetStageResult(ctx, entityID, stage)
	if err != nil {
		return err
	}
	if existing == nil || existing.Fingerprint == currentFingerprint {
		return nil
	}
	existing.Status = store.StatusStale
	existing.Reason = reason
	if err := c.store.PutStageResult(ctx, existing); err != nil {
		return err
	}
	c.mem.Add(key{entityID, stage}, existing)
	return nil
}

// Invalidate drops the in-memory entries for one entity. The persisted
// rows are removed by the entity's cascade delete.
func (c *Cache) Invalidate(entityID string, stages []string) {
	for _, st := range stages {
		c.mem.Remove(key{entityID, st})
	}
}

// Results returns all persisted results for an entity, refreshing the
// memory tier along the way.
func (c *Cache) Results(ctx context.Context, entityID string) ([]*store.StageResult, error) {
	out, err := c.store.ListStageResults(ctx, entityID)
	if err != nil {
		return nil, err
	}
	for _, r := range out {
		c.mem.Add(key{r.EntityID, r.Stage}, r)
	}
	return out, nil
}
