package server

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/trialflow"
	"github.com/petal-labs/trialflow/core"
)

const (
	// SessionCookieName carries the participant's session id.
	SessionCookieName = "trialflow_sid"

	// SessionCookieDuration bounds how long a browser keeps the session id.
	SessionCookieDuration = 24 * time.Hour
)

// Pages the participant client renders instead of a task.
const (
	PageTask         = "task"
	PageNoRun        = "norun"
	PageFull         = "full"
	PageParticipated = "participated"
	PageLogin        = "login"
)

// ViewResponse is the JSON form of what a participant sees.
type ViewResponse struct {
	Page      string         `json:"page"`
	SessionID string         `json:"sid,omitempty"`
	TaskID    int            `json:"task_id,omitempty"`
	Kind      core.TaskKind  `json:"kind,omitempty"`
	Template  string         `json:"template,omitempty"`
	State     core.State     `json:"state,omitempty"`
	Vars      map[string]any `json:"vars,omitempty"`
	Final     bool           `json:"final,omitempty"`
	NavItems  []string       `json:"nav_items,omitempty"`
}

// SubmitRequest is the JSON body of POST /next, /prev and /goto.
type SubmitRequest struct {
	Response any `json:"response"`

	// Label or TaskID selects the destination of /goto.
	Label  string `json:"label,omitempty"`
	TaskID *int   `json:"task_id,omitempty"`
}

func toViewResponse(v trialflow.View, nav []string) ViewResponse {
	return ViewResponse{
		Page:      PageTask,
		SessionID: v.SessionID,
		TaskID:    v.TaskID,
		Kind:      v.Kind,
		Template:  v.Template,
		State:     v.State,
		Vars:      v.Vars,
		Final:     v.Final,
		NavItems:  nav,
	}
}

// handleIndex presents the participant's current task, starting a session
// on first arrival.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	eng, err := s.host.Engine()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ViewResponse{Page: PageNoRun})
		return
	}

	sid := sessionCookie(r)
	if inst, ok := eng.Lookup(sid); ok {
		s.writeView(w, eng, inst, inst.Present())
		return
	}

	if eng.Running() && eng.PoolLen() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, ViewResponse{Page: PageFull})
		return
	}

	opts := []trialflow.InstanceOption{trialflow.WithUserAgent(r.UserAgent())}
	if accounts := s.participantAccounts(); accounts != nil {
		user, ok := accounts.User(sid)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, ViewResponse{Page: PageLogin})
			return
		}
		opts = append(opts, trialflow.WithUserID(user))
	}

	inst, err := eng.Enter(clientIP(r), queryArgs(r), sid, opts...)
	switch {
	case errors.Is(err, trialflow.ErrNoRun):
		writeJSON(w, http.StatusServiceUnavailable, ViewResponse{Page: PageNoRun})
		return
	case errors.Is(err, trialflow.ErrExperimentFull):
		writeJSON(w, http.StatusServiceUnavailable, ViewResponse{Page: PageFull})
		return
	case errors.Is(err, trialflow.ErrAlreadyParticipated):
		writeJSON(w, http.StatusForbidden, ViewResponse{Page: PageParticipated})
		return
	case err != nil:
		s.logger.Error("page load failed", "error", err)
		writeError(w, http.StatusInternalServerError, "PAGE_LOAD_ERROR", err.Error())
		return
	}

	setSessionCookie(w, inst.SessionID(), s.now())
	s.writeView(w, eng, inst, inst.Present())
}

// handleNext submits the response to the current task and advances.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, func(inst *trialflow.Instance, req SubmitRequest) (trialflow.View, error) {
		return inst.NextTask(req.Response)
	})
}

// handlePrev moves back one task (tool mode).
func (s *Server) handlePrev(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, func(inst *trialflow.Instance, req SubmitRequest) (trialflow.View, error) {
		return inst.Prev(req.Response)
	})
}

// handleGoTo jumps to a navigation item or task id (tool mode).
func (s *Server) handleGoTo(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, func(inst *trialflow.Instance, req SubmitRequest) (trialflow.View, error) {
		if req.TaskID != nil {
			return inst.GoToID(*req.TaskID, req.Response)
		}
		return inst.GoTo(req.Label, req.Response)
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, move func(*trialflow.Instance, SubmitRequest) (trialflow.View, error)) {
	eng, err := s.host.Engine()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ViewResponse{Page: PageNoRun})
		return
	}
	inst, ok := eng.Lookup(sessionCookie(r))
	if !ok {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no session for this browser")
		return
	}

	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	view, err := move(inst, req)
	switch {
	case errors.Is(err, trialflow.ErrExperimentFull):
		writeJSON(w, http.StatusServiceUnavailable, ViewResponse{Page: PageFull, SessionID: view.SessionID, State: view.State})
		return
	case errors.Is(err, trialflow.ErrBadBranch):
		writeError(w, http.StatusBadRequest, "BAD_RESPONSE", err.Error())
		return
	case errors.Is(err, trialflow.ErrToolModeOnly):
		writeError(w, http.StatusConflict, "TOOL_MODE_ONLY", err.Error())
		return
	case errors.Is(err, trialflow.ErrNoSuchTask):
		writeError(w, http.StatusNotFound, "NO_SUCH_TASK", err.Error())
		return
	case err != nil:
		s.logger.Error("task submission failed", "sid", shortSID(inst.SessionID()), "error", err)
		writeError(w, http.StatusInternalServerError, "SUBMIT_ERROR", err.Error())
		return
	}
	s.writeView(w, eng, inst, view)
}

func (s *Server) writeView(w http.ResponseWriter, eng *trialflow.Engine, inst *trialflow.Instance, v trialflow.View) {
	var nav []string
	if eng.ToolMode() {
		nav = inst.NavItems()
	}
	writeJSON(w, http.StatusOK, toViewResponse(v, nav))
}

func sessionCookie(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func setSessionCookie(w http.ResponseWriter, sid string, now time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sid,
		Path:     "/",
		Expires:  now.Add(SessionCookieDuration),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// clientIP prefers the address a fronting proxy reports.
func clientIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-IP")
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}
	if first, _, ok := strings.Cut(ip, ","); ok {
		ip = first
	}
	return strings.TrimSpace(ip)
}

// queryArgs flattens URL parameters, keeping the first value of each.
func queryArgs(r *http.Request) map[string]string {
	q := r.URL.Query()
	args := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			args[k] = v[0]
		}
	}
	return args
}

func shortSID(sid string) string {
	if len(sid) > 8 {
		return sid[:8]
	}
	return sid
}
