package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/trialflow"
	"github.com/petal-labs/trialflow/results"
)

const defaultExportPollInterval = 30 * time.Second

// ExportSchedulerConfig configures the background export runner.
type ExportSchedulerConfig struct {
	Host         *trialflow.Host
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// ExportStatus reports the most recent scheduled export.
type ExportStatus struct {
	Schedule string     `json:"schedule,omitempty"`
	NextAt   *time.Time `json:"next_at,omitempty"`
	LastAt   *time.Time `json:"last_at,omitempty"`
	LastRun  string     `json:"last_run_id,omitempty"`
	LastPath string     `json:"last_path,omitempty"`
	LastErr  string     `json:"last_error,omitempty"`
}

// ExportScheduler periodically writes the aggregate export of the active
// run, following the loaded bundle's export_schedule cron expression.
type ExportScheduler struct {
	host         *trialflow.Host
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	expr   string
	next   time.Time
	status ExportStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// NewExportScheduler creates an export scheduler instance.
func NewExportScheduler(cfg ExportSchedulerConfig) (*ExportScheduler, error) {
	if cfg.Host == nil {
		return nil, errors.New("export scheduler host is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultExportPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ExportScheduler{
		host:         cfg.Host,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Start starts background polling.
func (s *ExportScheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("export scheduler is nil")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_, _ = s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_, _ = s.RunOnce(loopCtx)
			}
		}
	}()
	return nil
}

// Stop stops background polling.
func (s *ExportScheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce exports the active run if its schedule is due. It returns the
// path written, or "" when nothing was due.
func (s *ExportScheduler) RunOnce(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.now().UTC()

	_, cfg, ok := s.host.Bundle()
	if !ok || cfg.ExportSchedule == "" {
		s.reset()
		return "", nil
	}

	s.mu.Lock()
	if cfg.ExportSchedule != s.expr {
		s.expr = cfg.ExportSchedule
		s.status = ExportStatus{Schedule: cfg.ExportSchedule}
		next, err := nextExport(cfg.ExportSchedule, now)
		if err != nil {
			s.next = time.Time{}
			s.status.LastErr = err.Error()
			s.mu.Unlock()
			s.logger.Error("invalid export schedule", "schedule", cfg.ExportSchedule, "error", err)
			return "", err
		}
		s.next = next
		s.status.NextAt = &next
	}
	due := !s.next.IsZero() && !now.Before(s.next)
	s.mu.Unlock()
	if !due {
		return "", nil
	}

	path, runID, err := s.export()

	s.mu.Lock()
	defer s.mu.Unlock()
	if next, nextErr := nextExport(s.expr, now); nextErr == nil {
		s.next = next
		s.status.NextAt = &next
	}
	s.status.LastAt = &now
	s.status.LastRun = runID
	s.status.LastPath = path
	s.status.LastErr = ""
	if err != nil {
		s.status.LastErr = err.Error()
		s.logger.Error("scheduled export failed", "run_id", runID, "error", err)
		return "", err
	}
	s.logger.Info("scheduled export written", "run_id", runID, "path", path)
	return path, nil
}

func (s *ExportScheduler) export() (string, string, error) {
	eng, err := s.host.Engine()
	if err != nil {
		return "", "", err
	}
	rec, ok := eng.Record()
	if !ok {
		return "", "", trialflow.ErrNoRun
	}
	path, err := results.ExportRun(eng.Layout(), rec.ID(), eng.Writer().Format(), eng.Writer().Format())
	return path, rec.ID(), err
}

func (s *ExportScheduler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expr = ""
	s.next = time.Time{}
	s.status = ExportStatus{}
}

// Status returns the schedule and the outcome of the last export.
func (s *ExportScheduler) Status() ExportStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
