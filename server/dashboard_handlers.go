package server

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/petal-labs/trialflow"
	"github.com/petal-labs/trialflow/bundle"
	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/record"
	"github.com/petal-labs/trialflow/results"
)

// ExperimentResponse describes a registered experiment.
type ExperimentResponse struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// BundleResponse describes the loaded bundle and its active run.
type BundleResponse struct {
	Loaded     bool          `json:"loaded"`
	Dir        string        `json:"dir,omitempty"`
	Experiment string        `json:"experiment,omitempty"`
	Conditions []string      `json:"conditions,omitempty"`
	ToolMode   bool          `json:"tool_mode"`
	Running    bool          `json:"running"`
	RunID      string        `json:"run_id,omitempty"`
	RunMode    core.RunMode  `json:"run_mode,omitempty"`
	Replicate  string        `json:"replicate,omitempty"`
	Complete   bool          `json:"complete"`
	Pool       int           `json:"pool"`
	Exports    *ExportStatus `json:"exports,omitempty"`
}

// RunRequest is the JSON body for POST /api/runs.
type RunRequest struct {
	Mode       string   `json:"mode,omitempty"`
	Target     string   `json:"target,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

func (req RunRequest) options() (trialflow.RunOptions, error) {
	mode, err := core.ParseRunMode(req.Mode)
	if err != nil {
		return trialflow.RunOptions{}, err
	}
	return trialflow.RunOptions{Mode: mode, Target: req.Target, Conditions: req.Conditions}, nil
}

// LoadRequest is the JSON body for POST /api/bundle/load.
type LoadRequest struct {
	Dir    string `json:"dir"`
	Config string `json:"config,omitempty"`
	Tool   *bool  `json:"tool,omitempty"`
	RunRequest
}

// ProfilesRequest is the JSON body for POST /api/profiles.
type ProfilesRequest struct {
	Conditions []string `json:"conditions,omitempty"`
	Count      int      `json:"count"`
}

// ProfilesResponse lists the profiles a request created.
type ProfilesResponse struct {
	Created []string `json:"created"`
}

func (s *Server) handleListExperiments(w http.ResponseWriter, _ *http.Request) {
	defs := s.registry.All()
	out := make([]ExperimentResponse, 0, len(defs))
	for _, d := range defs {
		out = append(out, ExperimentResponse{Name: d.Name, DisplayName: d.DisplayName, Description: d.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBundle(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bundleStatus())
}

func (s *Server) bundleStatus() BundleResponse {
	var resp BundleResponse
	if s.exports != nil {
		st := s.exports.Status()
		resp.Exports = &st
	}
	dir, cfg, ok := s.host.Bundle()
	if !ok {
		return resp
	}
	eng, err := s.host.Engine()
	if err != nil {
		return resp
	}
	resp.Loaded = true
	resp.Dir = dir
	resp.Experiment = cfg.Experiment
	resp.Conditions = eng.Catalog().Names()
	resp.ToolMode = eng.ToolMode()
	resp.Running = eng.Running()
	resp.Complete = eng.RunComplete()
	resp.Pool = eng.PoolLen()
	if rec, ok := eng.Record(); ok {
		resp.RunID = rec.ID()
		resp.RunMode = rec.Mode()
		resp.Replicate = rec.Replicate()
	}
	return resp
}

func (s *Server) handleLoadBundle(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.Dir) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "dir is required")
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	err = s.host.Load(r.Context(), trialflow.LoadOptions{
		Dir:        filepath.Clean(req.Dir),
		ConfigPath: req.Config,
		Run:        opts,
		Tool:       req.Tool,
	})
	if err != nil {
		s.logger.Error("bundle load failed", "dir", req.Dir, "error", err)
		writeError(w, loadErrorStatus(err), "LOAD_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.bundleStatus())
}

func loadErrorStatus(err error) int {
	switch {
	case errors.Is(err, record.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, bundle.ErrInvalidConfig),
		errors.Is(err, bundle.ErrUnknownCondition),
		errors.Is(err, results.ErrBadOutputFormat):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleUnloadBundle(w http.ResponseWriter, r *http.Request) {
	if err := s.host.Unload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "UNLOAD_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.bundleStatus())
}

func (s *Server) handleMakeProfiles(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w)
	if !ok {
		return
	}
	var req ProfilesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	made, err := eng.MakeProfiles(r.Context(), req.Conditions, req.Count)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, bundle.ErrUnknownCondition) || req.Count <= 0 {
			status = http.StatusBadRequest
		}
		writeError(w, status, "PROFILE_ERROR", err.Error())
		return
	}
	resp := ProfilesResponse{Created: make([]string, 0, len(made))}
	for _, p := range made {
		resp.Created = append(resp.Created, p.FQName())
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	eng, ok := s.engine(w)
	if !ok {
		return
	}
	runs, err := record.ListRuns(eng.Layout())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if runs == nil {
		runs = []record.Summary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if !record.Exists(eng.Layout(), runID) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	summary, err := record.Summarize(eng.Layout(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w)
	if !ok {
		return
	}
	var req RunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	rec, err := eng.StartRun(r.Context(), opts)
	if err != nil {
		writeError(w, loadErrorStatus(err), "RUN_ERROR", err.Error())
		return
	}
	summary, err := record.Summarize(eng.Layout(), rec.ID())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w)
	if !ok {
		return
	}
	if err := eng.StopRun(r.Context()); err != nil {
		if errors.Is(err, trialflow.ErrNoRun) {
			writeError(w, http.StatusConflict, "NO_RUN", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "RUN_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExportRun writes the aggregate export of a run and sends it as a
// download.
func (s *Server) handleExportRun(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w)
	if !ok {
		return
	}
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if !record.Exists(eng.Layout(), runID) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}

	format := eng.Writer().Format()
	if f := r.URL.Query().Get("format"); f != "" {
		parsed, err := core.ParseOutputFormat(f)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		format = parsed
	}

	path, err := results.ExportRun(eng.Layout(), runID, eng.Writer().Format(), format)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "EXPORT_ERROR", err.Error())
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

// handleRunEvents streams a run's events to the dashboard.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}
	s.events.ServeHTTP(w, r)
}

// handleSessionEvents returns the stored history of one session.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}
	events, err := s.eventStore.SessionEvents(r.Context(), r.PathValue("run_id"), r.PathValue("sid"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "EVENTS_ERROR", err.Error())
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("no events for session %q", r.PathValue("sid")))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListInstances(w http.ResponseWriter, _ *http.Request) {
	eng, ok := s.engine(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.Statuses())
}

func (s *Server) handleTerminateInstance(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w)
	if !ok {
		return
	}
	sid := r.PathValue("sid")
	if err := eng.Terminate(sid); err != nil {
		if errors.Is(err, trialflow.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "TERMINATE_ERROR", err.Error())
		return
	}
	inst, ok := eng.Lookup(sid)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, inst.Status())
}

// engine writes a 409 and returns false when no bundle is loaded.
func (s *Server) engine(w http.ResponseWriter) (*trialflow.Engine, bool) {
	eng, err := s.host.Engine()
	if err != nil {
		writeError(w, http.StatusConflict, "NO_BUNDLE", err.Error())
		return nil, false
	}
	return eng, true
}
