package bus

import (
	"context"
	"testing"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/runtime"
)

func appendSeqs(t *testing.T, s EventStore, runID string, seqs ...uint64) {
	t.Helper()
	for _, seq := range seqs {
		e := runtime.NewEvent(runtime.EventInstanceUpdated, runID).WithSession("sid", core.StateActive, int(seq))
		e.Seq = seq
		if err := s.Append(context.Background(), e); err != nil {
			t.Fatalf("Append(%d) error = %v", seq, err)
		}
	}
}

func seqsOf(events []runtime.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.Seq
	}
	return out
}

func TestMemEventStore_List(t *testing.T) {
	store := NewMemEventStore()
	appendSeqs(t, store, "run-1", 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	tests := []struct {
		name     string
		afterSeq uint64
		limit    int
		want     []uint64
	}{
		{"all", 0, 0, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{"after cursor", 7, 0, []uint64{8, 9, 10}},
		{"limit", 0, 3, []uint64{1, 2, 3}},
		{"cursor and limit", 4, 2, []uint64{5, 6}},
		{"cursor past end", 10, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(context.Background(), "run-1", tt.afterSeq, tt.limit)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if g := seqsOf(got); len(g) != len(tt.want) {
				t.Fatalf("List() seqs = %v, want %v", g, tt.want)
			} else {
				for i := range g {
					if g[i] != tt.want[i] {
						t.Fatalf("List() seqs = %v, want %v", g, tt.want)
					}
				}
			}
		})
	}
}

func TestMemEventStore_OutOfOrderAppend(t *testing.T) {
	store := NewMemEventStore()
	appendSeqs(t, store, "run-1", 1, 3, 2, 5, 4)

	got, _ := store.List(context.Background(), "run-1", 0, 0)
	for i, seq := range seqsOf(got) {
		if seq != uint64(i+1) {
			t.Fatalf("List() seqs = %v, want ascending", seqsOf(got))
		}
	}
	if seq, _ := store.LatestSeq(context.Background(), "run-1"); seq != 5 {
		t.Errorf("LatestSeq() = %d, want 5", seq)
	}
}

func TestMemEventStore_RunIsolation(t *testing.T) {
	store := NewMemEventStore()
	appendSeqs(t, store, "run-1", 1, 2)
	appendSeqs(t, store, "run-2", 1)

	if seq, _ := store.LatestSeq(context.Background(), "run-3"); seq != 0 {
		t.Errorf("unknown run LatestSeq() = %d, want 0", seq)
	}
	events, _ := store.List(context.Background(), "run-2", 0, 0)
	if len(events) != 1 {
		t.Errorf("run-2 events = %d, want 1", len(events))
	}
}

func TestMemEventStore_ListReturnsCopy(t *testing.T) {
	store := NewMemEventStore()
	appendSeqs(t, store, "run-1", 1)

	events, _ := store.List(context.Background(), "run-1", 0, 0)
	events[0].SessionID = "changed"

	again, _ := store.List(context.Background(), "run-1", 0, 0)
	if again[0].SessionID != "sid" {
		t.Fatal("List() exposed the stored slice")
	}
}
