package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/petal-labs/trialflow"
	"github.com/petal-labs/trialflow/bus"
	"github.com/petal-labs/trialflow/participant"
	"github.com/petal-labs/trialflow/registry"
	"github.com/petal-labs/trialflow/sse"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Host *trialflow.Host

	// Registry lists the experiments a bundle may name (default: the
	// global registry).
	Registry *registry.Registry

	Bus        bus.EventBus
	EventStore bus.EventStore

	// Heartbeat is the keep-alive interval of dashboard event streams.
	Heartbeat time.Duration

	// Exports reports the state of scheduled exports on the dashboard.
	Exports *ExportScheduler

	// DashboardCode, when set, must accompany every dashboard API call.
	DashboardCode string

	// LoginCost is the bcrypt cost of participant accounts.
	LoginCost int

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server is the TrialFlow HTTP server. It serves participants their
// current task and the experimenter dashboard API.
type Server struct {
	host          *trialflow.Host
	registry      *registry.Registry
	bus           bus.EventBus
	eventStore    bus.EventStore
	events        *sse.Handler
	exports       *ExportScheduler
	dashboardCode string
	loginCost     int
	corsOrigin    string
	maxBody       int64
	logger        *slog.Logger
	now           func() time.Time

	accountsMu sync.Mutex
	accounts   *participant.Store
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.Global()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var events *sse.Handler
	if cfg.EventStore != nil && cfg.Bus != nil {
		events = sse.NewHandler(sse.Config{Store: cfg.EventStore, Bus: cfg.Bus, Heartbeat: cfg.Heartbeat})
	}
	return &Server{
		host:          cfg.Host,
		registry:      reg,
		bus:           cfg.Bus,
		eventStore:    cfg.EventStore,
		events:        events,
		exports:       cfg.Exports,
		dashboardCode: cfg.DashboardCode,
		loginCost:     cfg.LoginCost,
		corsOrigin:    corsOrigin,
		maxBody:       maxBody,
		logger:        logger,
		now:           now,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts participant and dashboard routes onto an existing
// mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Participant routes
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /next", s.handleNext)
	mux.HandleFunc("POST /prev", s.handlePrev)
	mux.HandleFunc("POST /goto", s.handleGoTo)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)

	// Dashboard routes
	dash := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.requireDashboard(h))
	}
	dash("GET /api/experiments", s.handleListExperiments)
	dash("GET /api/bundle", s.handleGetBundle)
	dash("POST /api/bundle/load", s.handleLoadBundle)
	dash("POST /api/bundle/unload", s.handleUnloadBundle)
	dash("POST /api/profiles", s.handleMakeProfiles)
	dash("GET /api/runs", s.handleListRuns)
	dash("POST /api/runs", s.handleStartRun)
	dash("POST /api/runs/stop", s.handleStopRun)
	dash("GET /api/runs/{run_id}", s.handleGetRun)
	dash("GET /api/runs/{run_id}/export", s.handleExportRun)
	dash("GET /api/runs/{run_id}/events", s.handleRunEvents)
	dash("GET /api/runs/{run_id}/sessions/{sid}/events", s.handleSessionEvents)
	dash("GET /api/instances", s.handleListInstances)
	dash("POST /api/instances/{sid}/terminate", s.handleTerminateInstance)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

// writeDecodeError reports a request body that could not be decoded.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
}

// decodeJSON decodes an optional JSON body; an empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
