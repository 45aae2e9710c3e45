package trialflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/trialflow/bundle"
	"github.com/petal-labs/trialflow/runtime"
)

// MonitorConfig configures the background timeout sweep.
type MonitorConfig struct {
	Engine   *Engine
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Monitor periodically times out sessions whose deadline has passed.
// Deadlines are absolute, so a sweep that runs late still catches them and
// a deadline extended before a sweep is simply not hit.
type Monitor struct {
	engine   *Engine
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor for cfg.Engine.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Engine == nil {
		return nil, errors.New("monitor engine is nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = bundle.DefaultMonitorInterval
	}
	if cfg.Now == nil {
		cfg.Now = cfg.Engine.now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		engine:   cfg.Engine,
		interval: cfg.Interval,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// Start starts background sweeping.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("monitor is nil")
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := m.RunOnce(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Error("monitor sweep", "error", err)
				}
			}
		}
	}()

	_ = ctx
	return nil
}

// Stop stops background sweeping and waits for a sweep in progress.
func (m *Monitor) Stop(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce sweeps every session once and returns how many timed out.
// Sessions that end concurrently are skipped by their own state check.
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	if m == nil || m.engine == nil {
		return 0, errors.New("monitor is not configured")
	}

	now := m.now()
	timedOut := 0
	for _, inst := range m.engine.Instances() {
		if err := ctx.Err(); err != nil {
			return timedOut, err
		}
		if inst.CheckTimeout(now) {
			timedOut++
		}
	}

	if timedOut > 0 {
		if rec, ok := m.engine.Record(); ok {
			m.engine.emit(runtime.NewEvent(runtime.EventMonitorSwept, rec.ID()).
				WithTime(now).
				WithPayload("timed_out", timedOut))
		}
		m.logger.Info("monitor sweep", "timed_out", timedOut)
	}
	return timedOut, nil
}
