package bus

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/runtime"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestStore(t *testing.T, cfg ...SQLiteStoreConfig) *SQLiteEventStore {
	t.Helper()
	var c SQLiteStoreConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DSN == "" {
		c.DSN = testDSN(t)
	}
	store, err := NewSQLiteEventStore(c)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeEvent(runID string, seq uint64, kind runtime.EventKind) runtime.Event {
	e := runtime.NewEvent(kind, runID)
	e.Seq = seq
	return e
}

func TestSQLiteEventStore_AppendListRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		e := makeEvent("run-1", i, runtime.EventInstanceUpdated).
			WithSession(fmt.Sprintf("sid-%d", i), core.StateActive, int(i)+1).
			WithElapsed(time.Duration(i) * time.Second).
			WithPayload("profile", "A/QbcdXz")
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	events, err := store.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	e := events[0]
	if e.Kind != runtime.EventInstanceUpdated {
		t.Errorf("Kind = %q, want %q", e.Kind, runtime.EventInstanceUpdated)
	}
	if e.SessionID != "sid-1" || e.State != core.StateActive || e.TaskID != 2 {
		t.Errorf("session fields = %q %q %d", e.SessionID, e.State, e.TaskID)
	}
	if e.Elapsed != time.Second {
		t.Errorf("Elapsed = %v, want 1s", e.Elapsed)
	}
	if got := e.PayloadString("profile"); got != "A/QbcdXz" {
		t.Errorf("payload profile = %q", got)
	}
}

func TestSQLiteEventStore_ListAfterSeqAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := uint64(1); i <= 10; i++ {
		if err := store.Append(ctx, makeEvent("run-1", i, runtime.EventInstanceCreated)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := store.List(ctx, "run-1", 4, 3)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 3 || events[0].Seq != 5 || events[2].Seq != 7 {
		t.Fatalf("List(after=4, limit=3) seqs = %v", seqs(events))
	}
}

func TestSQLiteEventStore_LatestSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seq, err := store.LatestSeq(ctx, "run-1")
	if err != nil || seq != 0 {
		t.Fatalf("LatestSeq(empty) = %d, %v", seq, err)
	}

	for _, i := range []uint64{1, 4, 2, 3} {
		_ = store.Append(ctx, makeEvent("run-1", i, runtime.EventInstanceCreated))
	}
	_ = store.Append(ctx, makeEvent("run-2", 9, runtime.EventRunStarted))

	seq, err = store.LatestSeq(ctx, "run-1")
	if err != nil || seq != 4 {
		t.Fatalf("LatestSeq(run-1) = %d, %v, want 4", seq, err)
	}
	events, _ := store.List(ctx, "run-1", 0, 0)
	if got := seqs(events); len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Fatalf("List() seqs = %v, want ascending", got)
	}
}

func TestSQLiteEventStore_SessionEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.Append(ctx, makeEvent("run-1", 1, runtime.EventInstanceCreated).WithSession("a", core.StateActive, 1))
	_ = store.Append(ctx, makeEvent("run-1", 2, runtime.EventInstanceCreated).WithSession("b", core.StateActive, 1))
	_ = store.Append(ctx, makeEvent("run-1", 3, runtime.EventInstanceEnded).WithSession("a", core.StateComplete, 5))

	events, err := store.SessionEvents(ctx, "run-1", "a")
	if err != nil {
		t.Fatalf("SessionEvents() error = %v", err)
	}
	if len(events) != 2 || events[1].State != core.StateComplete {
		t.Fatalf("SessionEvents(a) = %v", seqs(events))
	}
}

func TestSQLiteEventStore_PruneByCount(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{DSN: testDSN(t), RetentionCount: 2, PruneInterval: time.Hour})
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		_ = store.Append(ctx, makeEvent("run-1", i, runtime.EventInstanceUpdated))
	}
	_ = store.Append(ctx, makeEvent("run-2", 1, runtime.EventRunStarted))

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 2 || events[0].Seq != 4 {
		t.Fatalf("after prune seqs = %v, want [4 5]", seqs(events))
	}
	if other, _ := store.List(ctx, "run-2", 0, 0); len(other) != 1 {
		t.Fatalf("run-2 kept %d events, want 1", len(other))
	}
}

func TestSQLiteEventStore_PruneByAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, SQLiteStoreConfig{
		DSN:          testDSN(t),
		RetentionAge: time.Hour,
		Now:          func() time.Time { return now },
	})
	ctx := context.Background()

	old := makeEvent("run-1", 1, runtime.EventInstanceCreated).WithTime(now.Add(-2 * time.Hour))
	recent := makeEvent("run-1", 2, runtime.EventInstanceEnded).WithTime(now.Add(-59*time.Minute - 500*time.Millisecond))
	_ = store.Append(ctx, old)
	_ = store.Append(ctx, recent)

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 1 || events[0].Seq != 2 {
		t.Fatalf("after prune seqs = %v, want [2]", seqs(events))
	}
}

func TestSQLiteEventStore_PersistsAcrossReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	first, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	_ = first.Append(ctx, makeEvent("run-1", 1, runtime.EventRunStarted))
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := newTestStore(t, SQLiteStoreConfig{DSN: dsn})
	seq, err := second.LatestSeq(ctx, "run-1")
	if err != nil || seq != 1 {
		t.Fatalf("LatestSeq after reopen = %d, %v", seq, err)
	}
}

func TestSQLiteEventStore_CloseIdempotent(t *testing.T) {
	store, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: testDSN(t), RetentionCount: 1})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = store.Close()
}

func seqs(events []runtime.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.Seq
	}
	return out
}
