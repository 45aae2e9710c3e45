package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/petal-labs/trialflow/participant"
)

// DashboardCookieName carries the dashboard code for browser clients.
const DashboardCookieName = "trialflow_dashboard"

// LoginRequest is the JSON body for POST /login.
type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for POST /login.
type LoginResponse struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"sid"`
}

// participantAccounts returns the account store of the loaded bundle, or
// nil when the bundle does not require participant logins.
func (s *Server) participantAccounts() *participant.Store {
	dir, cfg, ok := s.host.Bundle()
	if !ok {
		return nil
	}
	path := cfg.UsersPath(dir)
	if path == "" {
		return nil
	}

	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()
	if s.accounts != nil && s.accounts.Path() == path {
		return s.accounts
	}
	store, err := participant.NewStore(participant.StoreConfig{
		Path:   path,
		Cost:   s.loginCost,
		Logger: s.logger,
		Now:    s.now,
	})
	if err != nil {
		s.logger.Error("participant accounts unavailable", "path", path, "error", err)
		return nil
	}
	s.accounts = store
	return store
}

// handleLogin authenticates a participant and binds the browser to the
// session the current run holds for them.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	accounts := s.participantAccounts()
	if accounts == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "participant logins are not enabled")
		return
	}

	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.UserID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "user_id and password are required")
		return
	}

	lookup := func(userID string) (string, bool) {
		eng, err := s.host.Engine()
		if err != nil {
			return "", false
		}
		rec, ok := eng.Record()
		if !ok {
			return "", false
		}
		sid, _, found := rec.FindUser(userID)
		return sid, found
	}

	sid, err := accounts.Login(req.UserID, req.Password, lookup)
	switch {
	case errors.Is(err, participant.ErrLocked):
		writeError(w, http.StatusForbidden, "ACCOUNT_LOCKED", "account is locked")
		return
	case errors.Is(err, participant.ErrTooManyFailures):
		writeError(w, http.StatusForbidden, "ACCOUNT_LOCKED", "too many login failures")
		return
	case errors.Is(err, participant.ErrLoginFailed):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "login failed")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	setSessionCookie(w, sid, s.now())
	writeJSON(w, http.StatusOK, LoginResponse{UserID: req.UserID, SessionID: sid})
}

// handleLogout forgets the participant's login.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if accounts := s.participantAccounts(); accounts != nil {
		if sid := sessionCookie(r); sid != "" {
			accounts.Logout(sid)
		}
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// requireDashboard rejects dashboard calls without the configured code.
func (s *Server) requireDashboard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.dashboardCode != "" {
			got := extractDashboardCode(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.dashboardCode)) != 1 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "dashboard code required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// extractDashboardCode checks the Authorization header first, then the
// cookie.
func extractDashboardCode(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	cookie, err := r.Cookie(DashboardCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}
