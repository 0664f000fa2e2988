package record

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tubescope/insight/internal/store"
)

func setupCache(t *testing.T) (*Cache, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.Exec("PRAGMA foreign_keys=ON")
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.NewStore(db)
	if err := st.UpsertEntity(context.Background(), &store.Entity{ID: "e1", Kind: "video"}); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	c, err := New(st, 16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c, st
}

func TestCacheMissThenHit(t *testing.T) {
	// WHAT: A put result is served back fresh for the same fingerprint.
	// WHY: This is the memoization law: same inputs, no recompute.
	c, _ := setupCache(t)
	ctx := context.Background()

	res, fresh, err := c.Get(ctx, "e1", "sentiment", "fp1", time.Hour)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res != nil || fresh {
		t.Fatal("empty cache should miss")
	}

	put := &store.StageResult{
		EntityID: "e1", Stage: "sentiment", Status: store.StatusOK,
		Fingerprint: "fp1", Payload: []byte(`{"score":0.5}`),
	}
	if err := c.Put(ctx, put, "fp1"); err != nil {
		t.Fatalf("put: %v", err)
	}

	res, fresh, err = c.Get(ctx, "e1", "sentiment", "fp1", time.Hour)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res == nil || !fresh {
		t.Fatal("should hit fresh after put")
	}
	if string(res.Payload) != `{"score":0.5}` {
		t.Errorf("payload: got %s", res.Payload)
	}
}

func TestCacheFingerprintMismatchIsStaleHit(t *testing.T) {
	// WHAT: A changed fingerprint makes the entry non-fresh but still
	// returns it.
	// WHY: Changed inputs must recompute, yet the old payload stays
	// available as a stale fallback when the recompute fails.
	c, _ := setupCache(t)
	ctx := context.Background()

	c.Put(ctx, &store.StageResult{
		EntityID: "e1", Stage: "sentiment", Status: store.StatusOK, Fingerprint: "fp1",
	}, "fp1")

	res, fresh, err := c.Get(ctx, "e1", "sentiment", "fp2", time.Hour)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res == nil {
		t.Fatal("old entry should still be returned")
	}
	if fresh {
		t.Error("mismatched fingerprint must not be fresh")
	}
}

func TestCacheTTLExpiryIsLazy(t *testing.T) {
	// WHAT: An entry older than its TTL stops being fresh on read.
	// WHY: Expiry is checked lazily at read time; nothing sweeps the
	// table in the background.
	c, _ := setupCache(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	c.Put(ctx, &store.StageResult{
		EntityID: "e1", Stage: "sentiment", Status: store.StatusOK,
		Fingerprint: "fp1", ComputedAt: old,
	}, "fp1")

	_, fresh, err := c.Get(ctx, "e1", "sentiment", "fp1", time.Hour)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fresh {
		t.Error("entry past TTL must not be fresh")
	}

	// TTL 0 never expires.
	_, fresh, _ = c.Get(ctx, "e1", "sentiment", "fp1", 0)
	if !fresh {
		t.Error("zero TTL should never expire")
	}
}

func TestCachePutNeverOverwritesFresher(t *testing.T) {
	// WHAT: A late result computed from superseded inputs does not
	// replace a row already holding the current fingerprint.
	// WHY: Slow jobs can finish after the entity changed; last-writer-
	// wins would let old data clobber new.
	c, _ := setupCache(t)
	ctx := context.Background()

	// Current result for fp2 lands first.
	c.Put(ctx, &store.StageResult{
		EntityID: "e1", Stage: "thumbnail", Status: store.StatusOK,
		Fingerprint: "fp2", Payload: []byte(`"new"`),
	}, "fp2")

	// A stale fp1 job completes late; current fingerprint is fp2.
	if err := c.Put(ctx, &store.StageResult{
		EntityID: "e1", Stage: "thumbnail", Status: store.StatusOK,
		Fingerprint: "fp1", Payload: []byte(`"old"`),
	}, "fp2"); err != nil {
		t.Fatalf("late put: %v", err)
	}

	res, fresh, _ := c.Get(ctx, "e1", "thumbnail", "fp2", time.Hour)
	if !fresh || res.Fingerprint != "fp2" || string(res.Payload) != `"new"` {
		t.Errorf("fresher row was clobbered: %+v", res)
	}
}

func TestCachePutOldResultWhenNothingFresher(t *testing.T) {
	// WHAT: A superseded result still persists when no current-input row
	// exists, downgraded to stale rather than served as current.
	// WHY: Stale data beats no data for the fallback path, but a result
	// whose inputs changed mid-computation must not pass for fresh.
	c, _ := setupCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, &store.StageResult{
		EntityID: "e1", Stage: "thumbnail", Status: store.StatusOK,
		Fingerprint: "fp1", Payload: []byte(`"late"`),
	}, "fp2"); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, fresh, _ := c.Get(ctx, "e1", "thumbnail", "fp2", time.Hour)
	if res == nil || res.Fingerprint != "fp1" {
		t.Fatalf("old result should persist when nothing fresher exists: %+v", res)
	}
	if fresh {
		t.Error("superseded result must not be fresh")
	}
	if res.Status != store.StatusStale || string(res.Payload) != `"late"` {
		t.Errorf("superseded result should land as stale with payload kept: %+v", res)
	}
}

func TestMarkStale(t *testing.T) {
	// WHAT: MarkStale downgrades an outdated row, keeping its payload,
	// and leaves a current row alone.
	// WHY: Failed refreshes serve the last good payload flagged stale.
	c, _ := setupCache(t)
	ctx := context.Background()

	c.Put(ctx, &store.StageResult{
		EntityID: "e1", Stage: "sentiment", Status: store.StatusOK,
		Fingerprint: "fp1", Payload: []byte(`"kept"`),
	}, "fp1")

	if err := c.MarkStale(ctx, "e1", "sentiment", "fp2", "refresh failed"); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	res, fresh, _ := c.Get(ctx, "e1", "sentiment", "fp2", time.Hour)
	if fresh {
		t.Error("stale row must not be fresh")
	}
	if res.Status != store.StatusStale || string(res.Payload) != `"kept"` {
		t.Errorf("stale downgrade wrong: %+v", res)
	}

	// A row already holding the current fingerprint is untouched.
	c.Put(ctx, &store.StageResult{
		EntityID: "e1", Stage: "sentiment", Status: store.StatusOK, Fingerprint: "fp3",
	}, "fp3")
	if err := c.MarkStale(ctx, "e1", "sentiment", "fp3", "x"); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	res, fresh, _ = c.Get(ctx, "e1", "sentiment", "fp3", time.Hour)
	if !fresh || res.Status != store.StatusOK {
		t.Errorf("current row should be untouched: %+v", res)
	}
}

func TestCacheMemoryTierSurvivesStoreDelete(t *testing.T) {
	// WHAT: Get falls back to the database when the memory tier is cold.
	// WHY: The LRU is an accelerator; SQLite is the source of truth
	// across restarts.
	c, st := setupCache(t)
	ctx := context.Background()

	c.Put(ctx, &store.StageResult{
		EntityID: "e1", Stage: "sentiment", Status: store.StatusOK, Fingerprint: "fp1",
	}, "fp1")

	// A second cache over the same store simulates a cold restart.
	c2, err := New(st, 16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	res, fresh, err := c2.Get(ctx, "e1", "sentiment", "fp1", time.Hour)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res == nil || !fresh {
		t.Error("cold cache should load from the store")
	}
}
