package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/janitor-project/janitor-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Session endpoints. Refresh and logout authenticate with the
		// refresh cookie, not a bearer token.
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)

		// Controller provisioning (a live pairing code is the credential)
		r.Post("/device/register", s.handleDeviceRegister)
		r.Post("/device/heartbeat", s.handleDeviceHeartbeat)

		// WebSocket push channel (token validated in the handler)
		r.Get("/ws", s.handleWebSocket)

		// Bearer-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/change-password", s.handleChangePassword)
			r.Get("/auth/me", s.handleMe)

			// Member-facing surface
			r.Route("/user", func(r chi.Router) {
				r.Get("/groups", s.handleUserGroups)
				r.Post("/groups/{id}/trigger", s.handleTrigger)
			})

			// Group-admin surface
			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireRole(auth.RoleAdmin, auth.RoleSuperadmin))

				r.Get("/groups", s.handleAdminGroups)

				r.Route("/groups/{id}", func(r chi.Router) {
					r.Use(s.requireGroupAdmin)

					r.Patch("/", s.handleAdminUpdateGroup)
					r.Get("/users", s.handleAdminListMembers)
					r.Post("/users", s.handleAdminAddMember)
					r.Patch("/users/{userID}", s.handleAdminPatchMember)
					r.Delete("/users/{userID}", s.handleAdminRemoveMember)
					r.Post("/pairing-code", s.handleAdminPairingCode)
					r.Get("/devices", s.handleAdminGroupDevices)
					r.Get("/logs", s.handleAdminGroupLogs)
				})

				r.Post("/users/{id}/reset-sessions", s.handleAdminResetSessions)
				r.Post("/users/{id}/reset-password", s.handleAdminResetPassword)
			})

			// Superadmin surface
			r.Route("/superadmin", func(r chi.Router) {
				r.Use(s.requireRole(auth.RoleSuperadmin))

				r.Get("/users", s.handleSuperListUsers)
				r.Post("/users", s.handleSuperCreateUser)
				r.Patch("/users/{id}", s.handleSuperPatchUser)
				r.Delete("/users/{id}", s.handleSuperDeleteUser)
				r.Post("/users/{id}/reset-sessions", s.handleAdminResetSessions)
				r.Post("/users/{id}/reset-password", s.handleAdminResetPassword)

				r.Post("/groups", s.handleSuperCreateGroup)
				r.Patch("/groups/{id}", s.handleSuperPatchGroup)
				r.Delete("/groups/{id}", s.handleSuperDeleteGroup)
				r.Post("/groups/{id}/admins/{userID}", s.handleSuperAssignGroupAdmin)
				r.Delete("/groups/{id}/admins/{userID}", s.handleSuperRemoveGroupAdmin)

				r.Get("/devices", s.handleSuperListDevices)
				r.Delete("/devices/{id}", s.handleSuperDeleteDevice)

				r.Get("/logs", s.handleSuperLogs)
				r.Get("/stats", s.handleSuperStats)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
