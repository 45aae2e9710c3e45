package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/trialflow"
)

type schedulerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *schedulerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *schedulerClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestNewExportScheduler_RequiresHost(t *testing.T) {
	if _, err := NewExportScheduler(ExportSchedulerConfig{}); err == nil {
		t.Fatal("expected error for nil host")
	}
}

func TestExportScheduler_RunOnceWritesWhenDue(t *testing.T) {
	h := newTestHost(t, nil)
	dir := loadTestBundle(t, h, testBundleConfig+"export_schedule: \"0 * * * *\"\n")

	clock := &schedulerClock{now: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
	s, err := NewExportScheduler(ExportSchedulerConfig{Host: h, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewExportScheduler() error = %v", err)
	}

	path, err := s.RunOnce(context.Background())
	if err != nil || path != "" {
		t.Fatalf("first RunOnce() = %q, %v; want nothing due", path, err)
	}
	st := s.Status()
	wantNext := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if st.NextAt == nil || !st.NextAt.Equal(wantNext) {
		t.Fatalf("NextAt = %v, want %s", st.NextAt, wantNext)
	}

	clock.Set(time.Date(2026, 3, 1, 11, 0, 30, 0, time.UTC))
	path, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("due RunOnce() error = %v", err)
	}
	if filepath.Dir(path) != filepath.Join(dir, "downloads") {
		t.Fatalf("export path = %s, want under %s/downloads", path, dir)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("export file: %v", err)
	}

	eng, _ := h.Engine()
	rec, _ := eng.Record()
	st = s.Status()
	if st.LastRun != rec.ID() || st.LastPath != path || st.LastErr != "" || st.LastAt == nil {
		t.Fatalf("status after export = %+v", st)
	}
	wantNext = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if st.NextAt == nil || !st.NextAt.Equal(wantNext) {
		t.Fatalf("NextAt = %v, want %s", st.NextAt, wantNext)
	}

	// Not due again until the next hour.
	if path, err := s.RunOnce(context.Background()); err != nil || path != "" {
		t.Fatalf("repeat RunOnce() = %q, %v", path, err)
	}
}

func TestExportScheduler_NoRun(t *testing.T) {
	h := newTestHost(t, nil)
	loadTestBundle(t, h, testBundleConfig+"export_schedule: \"*/5 * * * *\"\n")
	eng, _ := h.Engine()
	if err := eng.StopRun(t.Context()); err != nil {
		t.Fatalf("StopRun() error = %v", err)
	}

	clock := &schedulerClock{now: time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)}
	s, _ := NewExportScheduler(ExportSchedulerConfig{Host: h, Now: clock.Now})
	_, _ = s.RunOnce(context.Background())

	clock.Set(time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC))
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, trialflow.ErrNoRun) {
		t.Fatalf("RunOnce() error = %v, want ErrNoRun", err)
	}
	if s.Status().LastErr == "" {
		t.Fatal("LastErr not recorded")
	}
}

func TestExportScheduler_NoSchedule(t *testing.T) {
	h := newTestHost(t, nil)
	loadTestBundle(t, h, testBundleConfig)
	s, _ := NewExportScheduler(ExportSchedulerConfig{Host: h})

	path, err := s.RunOnce(context.Background())
	if err != nil || path != "" {
		t.Fatalf("RunOnce() = %q, %v", path, err)
	}
	if st := s.Status(); st.Schedule != "" || st.NextAt != nil {
		t.Fatalf("status = %+v, want empty", st)
	}
}

func TestExportScheduler_StartStop(t *testing.T) {
	h := newTestHost(t, nil)
	s, _ := NewExportScheduler(ExportSchedulerConfig{Host: h, PollInterval: time.Millisecond})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}
