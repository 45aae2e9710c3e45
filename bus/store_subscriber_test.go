package bus

import (
	"context"
	"testing"
	"time"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/runtime"
)

func TestStoreSubscriber_PersistsEvents(t *testing.T) {
	store := NewMemEventStore()
	sub := NewStoreSubscriber(store, nil)

	for i := 1; i <= 3; i++ {
		e := runtime.NewEvent(runtime.EventInstanceUpdated, "run-1").WithSession("sid", core.StateActive, i)
		e.Seq = uint64(i)
		sub.Handle(e)
	}

	events, err := store.List(context.Background(), "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}
}

func TestStoreSubscriber_ConsumeDrainsSubscription(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	store := NewMemEventStore()
	s := NewStoreSubscriber(store, nil)

	sub := b.Subscribe("")
	done := make(chan struct{})
	go func() {
		s.Consume(sub)
		close(done)
	}()

	e := runtime.NewEvent(runtime.EventRunStarted, "run-1")
	e.Seq = 1
	b.Publish(e)
	_ = b.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after bus close")
	}
	if seq, _ := store.LatestSeq(context.Background(), "run-1"); seq != 1 {
		t.Fatalf("LatestSeq = %d, want 1", seq)
	}
}
