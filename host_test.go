package trialflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/trialflow/core"
)

func testResolver(name string) (Experiment, error) {
	if name == "test" {
		return threeTasks("A", "B"), nil
	}
	return nil, fmt.Errorf("unknown experiment %q", name)
}

func writeBundle(t *testing.T, config string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "trialflow.yaml"), []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestHost_LoadAndUnload(t *testing.T) {
	h, err := NewHost(HostConfig{Resolve: testResolver})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	if _, err := h.Engine(); !errors.Is(err, ErrNoBundle) {
		t.Fatalf("Engine() error = %v, want ErrNoBundle", err)
	}

	dir := writeBundle(t, "experiment: test\nprofiles_per_condition: 2\nsave_ip_hash: true\n")
	if err := h.Load(t.Context(), LoadOptions{Dir: dir}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Unload(t.Context()) })

	e, err := h.Engine()
	if err != nil {
		t.Fatalf("Engine() error = %v", err)
	}
	if e.PoolLen() != 4 || !e.Running() {
		t.Fatalf("PoolLen()=%d Running()=%v", e.PoolLen(), e.Running())
	}
	gotDir, cfg, ok := h.Bundle()
	if !ok || gotDir != dir || !cfg.SaveIPHash {
		t.Fatalf("Bundle() = %s %+v %v", gotDir, cfg, ok)
	}
	for _, sub := range []string{"profiles", "runs", "downloads"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Fatalf("bundle dir %s missing: %v", sub, err)
		}
	}

	inst, err := e.NewInstance("10.0.0.1", nil, "")
	if err != nil {
		t.Fatalf("NewInstance() error = %v", err)
	}
	if err := h.Unload(t.Context()); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if inst.State() != core.StateTerminated {
		t.Fatalf("State() after unload = %s", inst.State())
	}
	if _, err := h.Engine(); !errors.Is(err, ErrNoBundle) {
		t.Fatalf("Engine() after unload error = %v", err)
	}
}

func TestHost_FailedLoadLeavesNothingLoaded(t *testing.T) {
	h, _ := NewHost(HostConfig{Resolve: testResolver})
	good := writeBundle(t, "experiment: test\nprofiles_per_condition: 1\n")
	if err := h.Load(t.Context(), LoadOptions{Dir: good}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	first, _ := h.Engine()

	tests := []struct {
		name string
		opts LoadOptions
	}{
		{"missing dir", LoadOptions{Dir: filepath.Join(t.TempDir(), "nope")}},
		{"unknown experiment", LoadOptions{Dir: writeBundle(t, "experiment: other\n")}},
		{"bad format", LoadOptions{Dir: writeBundle(t, "experiment: test\noutput_format: xml\n")}},
		{"bad yaml", LoadOptions{Dir: writeBundle(t, "experiment: [\n")}},
		{"missing explicit config", LoadOptions{Dir: good, ConfigPath: filepath.Join(t.TempDir(), "x.yaml")}},
		{"unknown resume target", LoadOptions{Dir: good, Run: RunOptions{Mode: core.RunModeResume, Target: "1999.01.01.00.00.00"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.Load(t.Context(), tt.opts); err == nil {
				t.Fatal("Load() succeeded")
			}
			if _, err := h.Engine(); !errors.Is(err, ErrNoBundle) {
				t.Fatalf("Engine() error = %v, want ErrNoBundle", err)
			}
			if _, _, ok := h.Bundle(); ok {
				t.Fatal("Bundle() reports a loaded bundle")
			}
		})
	}
	if first.Running() {
		t.Fatal("previous engine still running")
	}
}

func TestHost_ToolOverride(t *testing.T) {
	h, _ := NewHost(HostConfig{Resolve: testResolver})
	dir := writeBundle(t, "experiment: test\nprofiles_per_condition: 1\n")
	tool := true
	if err := h.Load(t.Context(), LoadOptions{Dir: dir, Tool: &tool}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Unload(t.Context()) })
	e, _ := h.Engine()
	if !e.ToolMode() {
		t.Fatal("ToolMode() = false with override")
	}
}

func TestNewHost_RequiresResolver(t *testing.T) {
	if _, err := NewHost(HostConfig{}); err == nil {
		t.Fatal("NewHost() without resolver succeeded")
	}
}

func TestMonitor_StartStop(t *testing.T) {
	e, _, _ := newTestEngine(t, threeTasks("A"), func(c *Config) {
		c.InactivityTimeout = time.Millisecond
		c.Now = time.Now
	})
	mustStart(t, e, RunOptions{})
	inst, _ := e.NewInstance("10.0.0.1", nil, "")

	m, err := NewMonitor(MonitorConfig{Engine: e, Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for inst.State() == core.StateActive && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.Stop(t.Context()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if inst.State() != core.StateTimedOut {
		t.Fatalf("State() = %s, want TIMED_OUT", inst.State())
	}
	if err := m.Stop(t.Context()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestNewMonitor_RequiresEngine(t *testing.T) {
	if _, err := NewMonitor(MonitorConfig{}); err == nil {
		t.Fatal("NewMonitor() without engine succeeded")
	}
}
