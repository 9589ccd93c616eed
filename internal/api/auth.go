package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/janitor-project/janitor-core/internal/auth"
	"github.com/janitor-project/janitor-core/internal/eventlog"
)

// refreshCookieName is the HTTP-only cookie carrying the refresh
// credential. It is scoped to the auth routes so it never rides along
// on ordinary API calls.
const refreshCookieName = "janitor_refresh"

// refreshCookiePath limits where the browser sends the refresh cookie.
const refreshCookiePath = "/api/v1/auth"

// loginRequest is the POST /auth/login body.
type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// tokenResponse carries a fresh access credential. The refresh
// credential travels only in the cookie.
type tokenResponse struct {
	AccessToken string     `json:"access_token"`
	User        *auth.User `json:"user"`
}

// handleLogin authenticates credentials and opens a session.
//
// POST /api/v1/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Login == "" || req.Password == "" {
		writeBadRequest(w, "login and password are required")
		return
	}

	ip := clientIP(r)
	result, err := s.auth.Login(r.Context(), req.Login, req.Password, ip, r.UserAgent())
	if err != nil {
		s.appendEvent(r, &eventlog.Entry{
			Action:  eventlog.ActionLoginFailed,
			Payload: map[string]any{"login": req.Login},
			IP:      ip,
		})
		s.recordAuthEvent("login_failed", req.Login)
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    result.User.ID,
		ActorLogin: result.User.Login,
		Action:     eventlog.ActionLogin,
		IP:         ip,
	})
	s.recordAuthEvent("login", result.User.Login)

	s.setRefreshCookie(w, result.RefreshToken)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: result.AccessToken,
		User:        result.User,
	})
}

// handleRefresh rotates the refresh session and issues a new access
// token. The presented refresh credential is single-use; replaying it
// maps to 401.
//
// POST /api/v1/auth/refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := s.refreshToken(r)
	if raw == "" {
		writeUnauthorized(w, "missing refresh token")
		return
	}

	result, err := s.auth.Refresh(r.Context(), raw, clientIP(r), r.UserAgent())
	if err != nil {
		s.clearRefreshCookie(w)
		s.writeDomainError(w, err)
		return
	}

	s.setRefreshCookie(w, result.RefreshToken)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: result.AccessToken,
		User:        result.User,
	})
}

// handleLogout ends the presented session. Idempotent: a missing or
// already-dead session still returns 204.
//
// POST /api/v1/auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if raw := s.refreshToken(r); raw != "" {
		if err := s.auth.Logout(r.Context(), raw); err != nil {
			s.logger.Warn("logout failed", "error", err)
		}
	}
	s.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// changePasswordRequest is the POST /auth/change-password body.
type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	KeepSession     bool   `json:"keep_session"`
}

// handleChangePassword changes the caller's own password. All other
// sessions are invalidated; with keep_session the current one is
// re-issued so the caller stays logged in.
//
// POST /api/v1/auth/change-password
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.NewPassword == "" {
		writeBadRequest(w, "new password is required")
		return
	}

	ip := clientIP(r)
	result, err := s.auth.ChangePassword(r.Context(), user.ID,
		req.CurrentPassword, req.NewPassword, ip, r.UserAgent(), req.KeepSession)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    user.ID,
		ActorLogin: user.Login,
		Action:     eventlog.ActionPasswordChanged,
		TargetType: "user",
		TargetID:   user.ID,
		IP:         ip,
	})

	if result == nil {
		s.clearRefreshCookie(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.setRefreshCookie(w, result.RefreshToken)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: result.AccessToken,
		User:        result.User,
	})
}

// handleMe returns the authenticated account with the group IDs it
// administers, so clients can shape their UI without extra round trips.
//
// GET /api/v1/auth/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	administered, err := s.groups.ListAdministeredBy(r.Context(), user.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	adminOf := make([]string, 0, len(administered))
	for _, g := range administered {
		adminOf = append(adminOf, g.ID)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":     user,
		"admin_of": adminOf,
	})
}

// refreshToken reads the refresh credential from the cookie, falling
// back to the request body for non-browser clients.
func (s *Server) refreshToken(r *http.Request) string {
	if cookie, err := r.Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		return body.RefreshToken
	}
	return ""
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, token string) {
	maxAge := int((time.Duration(s.secCfg.JWT.RefreshTokenTTL) * 24 * time.Hour).Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     refreshCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.TLS.Enabled,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.TLS.Enabled,
		SameSite: http.SameSiteStrictMode,
	})
}

// appendEvent records an event, tolerating sink failures. Event writes
// on the auth path must never fail the request.
func (s *Server) appendEvent(r *http.Request, e *eventlog.Entry) {
	if s.events == nil {
		return
	}
	if e.IP == "" {
		e.IP = clientIP(r)
	}
	if err := s.events.Append(r.Context(), e); err != nil {
		s.logger.Warn("appending event", "action", e.Action, "error", err)
	}
}

// recordAuthEvent forwards an authentication outcome to the metrics
// sink, when one is configured.
func (s *Server) recordAuthEvent(event, login string) {
	if s.metrics != nil {
		s.metrics.WriteAuthEvent(event, login)
	}
}
