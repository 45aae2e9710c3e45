package runtime

import (
	"sync"
	"testing"
)

func TestSeqGen_Next_StartsAt1(t *testing.T) {
	sg := newSeqGen()
	got := sg.Next()
	if got != 1 {
		t.Fatalf("first call to Next() = %d, want 1", got)
	}
}

func TestSeqGen_Next_Monotonic(t *testing.T) {
	sg := newSeqGen()
	for i := uint64(1); i <= 100; i++ {
		got := sg.Next()
		if got != i {
			t.Fatalf("Next() call #%d = %d, want %d", i, got, i)
		}
	}
}

func TestSeqGen_Next_ConcurrentSafe(t *testing.T) {
	const goroutines = 100
	const callsPerGoroutine = 100
	const totalCalls = goroutines * callsPerGoroutine

	sg := newSeqGen()

	var mu sync.Mutex
	seen := make(map[uint64]bool, totalCalls)

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for c := 0; c < callsPerGoroutine; c++ {
				v := sg.Next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if len(seen) != totalCalls {
		t.Fatalf("unique values = %d, want %d", len(seen), totalCalls)
	}

	// Verify every value from 1..totalCalls is present.
	for i := uint64(1); i <= totalCalls; i++ {
		if !seen[i] {
			t.Fatalf("missing sequence number %d", i)
		}
	}
}

func TestSequencer_PerRunCounters(t *testing.T) {
	s := NewSequencer()
	if got := s.Next("run-a"); got != 1 {
		t.Fatalf("Next(run-a) = %d, want 1", got)
	}
	if got := s.Next("run-b"); got != 1 {
		t.Fatalf("Next(run-b) = %d, want 1", got)
	}
	if got := s.Next("run-a"); got != 2 {
		t.Fatalf("Next(run-a) = %d, want 2", got)
	}
}

func TestSequencer_ResumeContinuesAfterPersistedSeq(t *testing.T) {
	s := NewSequencer()
	s.Resume("run-a", 41)
	if got := s.Next("run-a"); got != 42 {
		t.Fatalf("Next after Resume(41) = %d, want 42", got)
	}
}

func TestSequencer_DecorateKeepsExistingSeq(t *testing.T) {
	s := NewSequencer()
	var got []uint64
	emit := s.Decorate(func(e Event) { got = append(got, e.Seq) })

	emit(NewEvent(EventInstanceCreated, "run-1"))
	emit(Event{Kind: EventInstanceUpdated, RunID: "run-1", Seq: 99})
	emit(NewEvent(EventInstanceEnded, "run-1"))

	want := []uint64{1, 99, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("seq[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
