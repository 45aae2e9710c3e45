package trialflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/petal-labs/trialflow/bundle"
	"github.com/petal-labs/trialflow/profile"
	"github.com/petal-labs/trialflow/results"
	"github.com/petal-labs/trialflow/runtime"
)

// Resolver finds the experiment definition a bundle config names.
type Resolver func(name string) (Experiment, error)

// HostConfig configures a Host.
type HostConfig struct {
	Resolve   Resolver
	Emitter   runtime.EventEmitter
	Sequencer *runtime.Sequencer
	LastSeq   func(ctx context.Context, runID string) (uint64, error)
	Logger    *slog.Logger
	Now       func() time.Time
}

// LoadOptions selects the bundle to load and the run to open.
type LoadOptions struct {
	Dir        string
	ConfigPath string
	Run        RunOptions

	// Tool overrides the bundle's tool_mode setting when set.
	Tool *bool
}

// Host holds at most one loaded bundle: its config, engine and monitor.
type Host struct {
	resolve   Resolver
	emitter   runtime.EventEmitter
	sequencer *runtime.Sequencer
	lastSeq   func(ctx context.Context, runID string) (uint64, error)
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	dir     string
	cfg     bundle.Config
	engine  *Engine
	monitor *Monitor
}

// NewHost creates a Host with no bundle loaded.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Resolve == nil {
		return nil, errors.New("trialflow: host resolver is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sequencer == nil {
		cfg.Sequencer = runtime.NewSequencer()
	}
	return &Host{
		resolve:   cfg.Resolve,
		emitter:   cfg.Emitter,
		sequencer: cfg.Sequencer,
		lastSeq:   cfg.LastSeq,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}, nil
}

// Load unloads the current bundle, then loads the bundle at opts.Dir and
// starts a run. On any error nothing is left loaded.
func (h *Host) Load(ctx context.Context, opts LoadOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.unloadLocked(ctx); err != nil {
		return err
	}

	cfg, engine, err := h.build(opts)
	if err != nil {
		return err
	}
	if _, err := engine.StartRun(ctx, opts.Run); err != nil {
		return fmt.Errorf("load bundle %s: %w", opts.Dir, err)
	}
	monitor, err := NewMonitor(MonitorConfig{
		Engine:   engine,
		Interval: cfg.MonitorInterval.Std(),
		Logger:   h.logger,
	})
	if err != nil {
		_ = engine.StopRun(ctx)
		return err
	}
	if err := monitor.Start(ctx); err != nil {
		_ = engine.StopRun(ctx)
		return err
	}

	h.dir, h.cfg, h.engine, h.monitor = opts.Dir, cfg, engine, monitor
	h.logger.Info("bundle loaded", "dir", opts.Dir, "experiment", engine.exp.Name())
	return nil
}

// Open builds the engine of the bundle at opts.Dir without loading it: no
// run is started and the Host keeps nothing. Offline tools use it to manage
// profiles and run records.
func (h *Host) Open(opts LoadOptions) (bundle.Config, *Engine, error) {
	return h.build(opts)
}

func (h *Host) build(opts LoadOptions) (bundle.Config, *Engine, error) {
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return bundle.Config{}, nil, fmt.Errorf("load bundle: %w", err)
	}
	if !info.IsDir() {
		return bundle.Config{}, nil, fmt.Errorf("load bundle: %s is not a directory", opts.Dir)
	}

	cfg, err := bundle.LoadDir(opts.Dir, opts.ConfigPath)
	if err != nil {
		return bundle.Config{}, nil, err
	}
	if opts.Tool != nil {
		cfg.ToolMode = *opts.Tool
	}
	exp, err := h.resolve(cfg.Experiment)
	if err != nil {
		return bundle.Config{}, nil, err
	}
	writer, err := results.NewWriter(cfg.OutputFormat, cfg.PII)
	if err != nil {
		return bundle.Config{}, nil, err
	}
	layout := cfg.Layout(opts.Dir)
	for _, d := range []string{layout.Runs(), layout.Downloads()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return bundle.Config{}, nil, fmt.Errorf("load bundle: %w", err)
		}
	}
	store, err := profile.NewStore(profile.StoreConfig{
		Dir:              layout.Profiles(),
		SubjectIDLength:  cfg.SubjectID.Length,
		SubjectIDSymbols: cfg.SubjectID.Symbols,
		Logger:           h.logger,
	})
	if err != nil {
		return bundle.Config{}, nil, err
	}

	engine, err := NewEngine(Config{
		Experiment:           exp,
		Layout:               layout,
		Store:                store,
		Writer:               writer,
		ProfilesPerCondition: cfg.ProfilesPerCondition,
		InactivityTimeout:    cfg.InactivityTimeout.Std(),
		SaveUserAgent:        cfg.SaveUserAgent,
		SaveIPHash:           cfg.SaveIPHash,
		ExternalIDParam:      cfg.ExternalIDParam,
		CompletionURL:        cfg.ExternalCompletionURL,
		ToolMode:             cfg.ToolMode,
		Emitter:              h.emitter,
		Sequencer:            h.sequencer,
		LastSeq:              h.lastSeq,
		Logger:               h.logger,
		Now:                  h.now,
	})
	if err != nil {
		return bundle.Config{}, nil, err
	}
	return cfg, engine, nil
}

// Unload stops the monitor, ends the run and forgets the bundle.
func (h *Host) Unload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unloadLocked(ctx)
}

func (h *Host) unloadLocked(ctx context.Context) error {
	if h.engine == nil {
		return nil
	}
	if err := h.monitor.Stop(ctx); err != nil {
		return err
	}
	if err := h.engine.StopRun(ctx); err != nil && !errors.Is(err, ErrNoRun) {
		return err
	}
	h.logger.Info("bundle unloaded", "dir", h.dir)
	h.dir, h.cfg, h.engine, h.monitor = "", bundle.Config{}, nil, nil
	return nil
}

// Engine returns the engine of the loaded bundle.
func (h *Host) Engine() (*Engine, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.engine == nil {
		return nil, ErrNoBundle
	}
	return h.engine, nil
}

// Bundle returns the directory and config of the loaded bundle.
func (h *Host) Bundle() (string, bundle.Config, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dir, h.cfg, h.engine != nil
}
