package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.Exec("PRAGMA foreign_keys=ON")
	if err := ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestApplySchema(t *testing.T) {
	// WHAT: Verify schema creates all tables without error.
	// WHY: Schema is the foundation — if it fails, nothing works.
	db := openTestDB(t)
	for _, table := range []string{"entities", "stage_results", "fetch_log"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestUpsertAndGetEntity(t *testing.T) {
	// WHAT: Upsert an entity and retrieve it by ID.
	// WHY: Basic CRUD must work before anything above it can.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	e := &Entity{
		ID:        "UCabcdefghijklmnopqrstuv",
		Kind:      "channel",
		Title:     "Test Channel",
		ViewCount: 1000,
	}
	if err := s.UpsertEntity(ctx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetEntity(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("entity not found")
	}
	if got.Title != "Test Channel" {
		t.Errorf("title: got %q", got.Title)
	}
	if got.RefreshInterval != 3600000 {
		t.Errorf("refresh_interval default: got %d", got.RefreshInterval)
	}
	if got.Tracked {
		t.Error("tracked should default to false")
	}
}

func TestUpsertPreservesTracking(t *testing.T) {
	// WHAT: A metrics refresh upsert must not reset tracked state.
	// WHY: The scheduler refreshes tracked entities through the same
	// upsert path; losing the flag would silently stop refreshes.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	e := &Entity{ID: "vid-1", Kind: "video", Title: "v1", ViewCount: 10}
	if err := s.UpsertEntity(ctx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetTracked(ctx, "vid-1", true, 60000); err != nil {
		t.Fatalf("set tracked: %v", err)
	}

	e2 := &Entity{ID: "vid-1", Kind: "video", Title: "v1", ViewCount: 20}
	if err := s.UpsertEntity(ctx, e2); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, _ := s.GetEntity(ctx, "vid-1")
	if !got.Tracked {
		t.Error("tracked flag lost on upsert")
	}
	if got.RefreshInterval != 60000 {
		t.Errorf("refresh_interval lost: got %d", got.RefreshInterval)
	}
	if got.ViewCount != 20 {
		t.Errorf("view_count not refreshed: got %d", got.ViewCount)
	}
}

func TestUpsertEntitiesBatch(t *testing.T) {
	// WHAT: A batch upsert lands all rows and updates existing ones.
	// WHY: Channel collection writes dozens of videos at once; partial
	// writes would leave overviews computed over half a channel.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	if err := s.UpsertEntities(ctx, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}

	batch := []*Entity{
		{ID: "vid-a", Kind: "video", Title: "a", ViewCount: 1},
		{ID: "vid-b", Kind: "video", Title: "b", ViewCount: 2},
	}
	if err := s.UpsertEntities(ctx, batch); err != nil {
		t.Fatalf("batch: %v", err)
	}

	// Re-upserting one updates in place instead of duplicating.
	if err := s.UpsertEntities(ctx, []*Entity{{ID: "vid-a", Kind: "video", Title: "a", ViewCount: 9}}); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	all, err := s.ListEntities(ctx, "video", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("entities: got %d, want 2", len(all))
	}
	got, _ := s.GetEntity(ctx, "vid-a")
	if got.ViewCount != 9 {
		t.Errorf("view_count not refreshed: got %d", got.ViewCount)
	}
}

func TestSetTrackedUnknownEntity(t *testing.T) {
	// WHAT: Tracking a non-existent entity reports ErrNoRows.
	// WHY: Callers map this to a 404 instead of silently succeeding.
	db := openTestDB(t)
	s := NewStore(db)

	err := s.SetTracked(context.Background(), "missing", true, 0)
	if err != sql.ErrNoRows {
		t.Fatalf("want sql.ErrNoRows, got %v", err)
	}
}

func TestDueEntities(t *testing.T) {
	// WHAT: DueEntities returns tracked entities past their interval,
	// never-refreshed ones first.
	// WHY: The scheduler relies on this query for its entire behavior.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour).UnixMilli()
	now := time.Now().UnixMilli()

	fresh := &Entity{ID: "e-fresh", Kind: "channel", LastRefreshedAt: &now}
	overdue := &Entity{ID: "e-overdue", Kind: "channel", LastRefreshedAt: &past}
	never := &Entity{ID: "e-never", Kind: "channel"}
	untracked := &Entity{ID: "e-untracked", Kind: "channel", LastRefreshedAt: &past}

	for _, e := range []*Entity{fresh, overdue, never, untracked} {
		if err := s.UpsertEntity(ctx, e); err != nil {
			t.Fatalf("upsert %s: %v", e.ID, err)
		}
	}
	for _, id := range []string{"e-fresh", "e-overdue", "e-never"} {
		if err := s.SetTracked(ctx, id, true, 3600000); err != nil {
			t.Fatalf("track %s: %v", id, err)
		}
	}

	due, err := s.DueEntities(ctx, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due count: got %d, want 2", len(due))
	}
	if due[0].ID != "e-never" {
		t.Errorf("never-refreshed should come first, got %s", due[0].ID)
	}
	if due[1].ID != "e-overdue" {
		t.Errorf("overdue second, got %s", due[1].ID)
	}
}

func TestStageResultUpsert(t *testing.T) {
	// WHAT: PutStageResult replaces the previous row for the same pair.
	// WHY: One row per (entity, stage) is the memoization contract.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	if err := s.UpsertEntity(ctx, &Entity{ID: "e1", Kind: "video"}); err != nil {
		t.Fatalf("upsert entity: %v", err)
	}

	r1 := &StageResult{EntityID: "e1", Stage: "sentiment", Status: StatusOK, Fingerprint: "fp1", Payload: []byte(`{"score":1}`)}
	if err := s.PutStageResult(ctx, r1); err != nil {
		t.Fatalf("put 1: %v", err)
	}
	r2 := &StageResult{EntityID: "e1", Stage: "sentiment", Status: StatusOK, Fingerprint: "fp2", Payload: []byte(`{"score":2}`)}
	if err := s.PutStageResult(ctx, r2); err != nil {
		t.Fatalf("put 2: %v", err)
	}

	got, err := s.GetStageResult(ctx, "e1", "sentiment")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Fingerprint != "fp2" {
		t.Errorf("fingerprint: got %q, want fp2", got.Fingerprint)
	}

	all, err := s.ListStageResults(ctx, "e1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("rows: got %d, want 1", len(all))
	}
}

func TestDeleteEntityCascades(t *testing.T) {
	// WHAT: Deleting an entity removes its stage results.
	// WHY: Orphan results would be served for re-added entities.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	s.UpsertEntity(ctx, &Entity{ID: "e1", Kind: "video"})
	s.PutStageResult(ctx, &StageResult{EntityID: "e1", Stage: "sentiment", Status: StatusOK, Fingerprint: "fp"})

	if err := s.DeleteEntity(ctx, "e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := s.GetStageResult(ctx, "e1", "sentiment")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Error("stage result survived entity delete")
	}
}

func TestFetchLogAndStats(t *testing.T) {
	// WHAT: Fetch log round-trip and the aggregate counters over it.
	// WHY: Stats power the dashboard and the MCP stats tool.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	s.UpsertEntity(ctx, &Entity{ID: "e1", Kind: "channel"})
	s.SetTracked(ctx, "e1", true, 0)
	s.PutStageResult(ctx, &StageResult{EntityID: "e1", Stage: "sentiment", Status: StatusOK, Fingerprint: "fp"})

	if err := s.InsertFetchLog(ctx, &FetchLogEntry{EntityID: "e1", Status: FetchOK, DurationMs: 12}); err != nil {
		t.Fatalf("insert log: %v", err)
	}
	if err := s.InsertFetchLog(ctx, &FetchLogEntry{EntityID: "e1", Status: FetchFailed, ErrorMessage: "boom"}); err != nil {
		t.Fatalf("insert log: %v", err)
	}

	hist, err := s.FetchHistory(ctx, "e1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history count: got %d", len(hist))
	}

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Entities != 1 || st.Tracked != 1 {
		t.Errorf("entities/tracked: got %d/%d", st.Entities, st.Tracked)
	}
	if st.ByKind["channel"] != 1 {
		t.Errorf("by kind: got %v", st.ByKind)
	}
	if st.ResultsByStatus[StatusOK] != 1 {
		t.Errorf("results by status: got %v", st.ResultsByStatus)
	}
	if st.Fetches24h != 2 || st.FetchFailures24h != 1 {
		t.Errorf("fetch counters: got %d/%d", st.Fetches24h, st.FetchFailures24h)
	}
}

func TestChannelOverview(t *testing.T) {
	// WHAT: Overview aggregates a channel's videos: totals, median,
	// quartiles, top and bottom performers.
	// WHY: Recommendations are computed from these numbers.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	views := []int64{100, 200, 300, 400, 1000}
	for i, v := range views {
		e := &Entity{
			ID:             "v" + string(rune('a'+i)),
			Kind:           "video",
			ChannelID:      "UCx",
			ViewCount:      v,
			EngagementRate: 2.0,
		}
		if err := s.UpsertEntity(ctx, e); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	ov, err := s.ChannelOverview(ctx, "UCx", 2)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if ov.Videos != 5 {
		t.Fatalf("videos: got %d", ov.Videos)
	}
	if ov.TotalViews != 2000 {
		t.Errorf("total views: got %d", ov.TotalViews)
	}
	if ov.MedianViews != 300 {
		t.Errorf("median: got %f", ov.MedianViews)
	}
	if ov.AvgEngagement != 2.0 {
		t.Errorf("avg engagement: got %f", ov.AvgEngagement)
	}
	if len(ov.TopVideos) != 2 || ov.TopVideos[0].ViewCount != 1000 {
		t.Errorf("top videos wrong: %+v", ov.TopVideos)
	}
	if len(ov.BottomVideos) != 2 || ov.BottomVideos[1].ViewCount != 100 {
		t.Errorf("bottom videos wrong: %+v", ov.BottomVideos)
	}
	if ov.Quartiles[0] != 200 || ov.Quartiles[2] != 400 {
		t.Errorf("quartiles: got %v", ov.Quartiles)
	}
}

func TestPercentile(t *testing.T) {
	// WHAT: Percentile interpolation on small inputs.
	// WHY: Off-by-one at the edges skews every overview.
	if p := percentile(nil, 50); p != 0 {
		t.Errorf("empty: got %f", p)
	}
	if p := percentile([]float64{7}, 50); p != 7 {
		t.Errorf("single: got %f", p)
	}
	if p := percentile([]float64{1, 2, 3, 4}, 50); p != 2.5 {
		t.Errorf("even median: got %f", p)
	}
}
