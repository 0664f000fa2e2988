package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tubescope/insight/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewStore(db)
}

func track(t *testing.T, st *store.Store, id string, lastRefreshed *int64) {
	t.Helper()
	e := &store.Entity{ID: id, Kind: "channel", LastRefreshedAt: lastRefreshed}
	if err := st.UpsertEntity(context.Background(), e); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.SetTracked(context.Background(), id, true, 3600000); err != nil {
		t.Fatalf("track: %v", err)
	}
}

func TestRefreshDueOnlyTouchesDueEntities(t *testing.T) {
	// WHAT: One poll refreshes due entities and stamps them; fresh ones
	// are left alone.
	// WHY: The interval contract: no redundant upstream work.
	st := setupStore(t)
	now := time.Now().UnixMilli()
	track(t, st, "e-due", nil)
	track(t, st, "e-fresh", &now)

	var refreshed atomic.Int32
	s := New(st, func(ctx context.Context, ent *store.Entity) error {
		if ent.ID != "e-due" {
			t.Errorf("refreshed wrong entity: %s", ent.ID)
		}
		refreshed.Add(1)
		return nil
	}, Config{}, nil)

	s.refreshDue(context.Background())
	if refreshed.Load() != 1 {
		t.Fatalf("refreshes: got %d, want 1", refreshed.Load())
	}

	// The due entity was stamped; a second poll finds nothing.
	s.refreshDue(context.Background())
	if refreshed.Load() != 1 {
		t.Errorf("second poll refreshed again: %d", refreshed.Load())
	}
}

func TestRefreshFailureDoesNotStamp(t *testing.T) {
	// WHAT: A failed refresh leaves the entity due for the next poll.
	// WHY: Losing the retry on transient upstream trouble would stall
	// tracked entities forever.
	st := setupStore(t)
	track(t, st, "e-flaky", nil)

	var calls atomic.Int32
	s := New(st, func(ctx context.Context, ent *store.Entity) error {
		if calls.Add(1) == 1 {
			return errors.New("upstream down")
		}
		return nil
	}, Config{}, nil)

	s.refreshDue(context.Background())
	s.refreshDue(context.Background())
	if calls.Load() != 2 {
		t.Fatalf("calls: got %d, want 2", calls.Load())
	}

	// Third poll: the successful second run stamped it.
	s.refreshDue(context.Background())
	if calls.Load() != 2 {
		t.Errorf("stamped entity refreshed again: %d", calls.Load())
	}
}

func TestPollPrunesOldFetchLog(t *testing.T) {
	// WHAT: Each poll deletes fetch log rows older than the retention
	// window and keeps recent ones.
	// WHY: The fetch log grows on every upstream call; without pruning a
	// long-lived process fills the database with dead observability rows.
	st := setupStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	for _, e := range []*store.FetchLogEntry{
		{EntityID: "e1", Status: store.FetchOK, FetchedAt: old},
		{EntityID: "e1", Status: store.FetchFailed, FetchedAt: old},
		{EntityID: "e1", Status: store.FetchOK}, // now
	} {
		if err := st.InsertFetchLog(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	s := New(st, func(ctx context.Context, ent *store.Entity) error { return nil },
		Config{FetchLogRetention: 24 * time.Hour}, nil)
	s.refreshDue(ctx)

	hist, err := st.FetchHistory(ctx, "e1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("entries after prune: got %d, want 1", len(hist))
	}
	if hist[0].FetchedAt == old {
		t.Error("kept an expired entry")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	// WHAT: Run exits promptly when the context is cancelled.
	// WHY: Shutdown must not hang on the ticker.
	st := setupStore(t)
	s := New(st, func(ctx context.Context, ent *store.Entity) error { return nil },
		Config{CheckInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
