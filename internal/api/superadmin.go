package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/janitor-project/janitor-core/internal/auth"
	"github.com/janitor-project/janitor-core/internal/eventlog"
	"github.com/janitor-project/janitor-core/internal/group"
)

// handleSuperListUsers lists every account, optionally filtered by role.
//
// GET /api/v1/superadmin/users
// GET /api/v1/superadmin/users?role=admin
func (s *Server) handleSuperListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if role := r.URL.Query().Get("role"); role != "" {
		if !auth.IsValidRole(auth.Role(role)) {
			writeBadRequest(w, "invalid role")
			return
		}
		filtered := users[:0]
		for _, u := range users {
			if u.Role == auth.Role(role) {
				filtered = append(filtered, u)
			}
		}
		users = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// createUserRequest creates an account at any role the caller may mint.
type createUserRequest struct {
	Login         string    `json:"login"`
	Password      string    `json:"password"`
	DisplayName   string    `json:"display_name"`
	Phone         string    `json:"phone"`
	Email         string    `json:"email"`
	Role          auth.Role `json:"role"`
	SingleSession bool      `json:"single_session"`
}

// handleSuperCreateUser creates an account. Only superadmins reach this
// route, so admin and superadmin roles can be minted here.
//
// POST /api/v1/superadmin/users
func (s *Server) handleSuperCreateUser(w http.ResponseWriter, r *http.Request) {
	actor := currentUser(r)

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if !auth.IsValidLogin(req.Login) {
		writeBadRequest(w, "invalid login format")
		return
	}
	if req.Password == "" {
		writeBadRequest(w, "password is required")
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}
	if !auth.IsValidRole(req.Role) {
		writeBadRequest(w, "invalid role")
		return
	}
	if err := auth.CanAssignRole(actor, req.Role); err != nil {
		s.writeDomainError(w, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	user := &auth.User{
		Login:              req.Login,
		DisplayName:        req.DisplayName,
		Phone:              req.Phone,
		Email:              req.Email,
		PasswordHash:       hash,
		Role:               req.Role,
		SingleSession:      req.SingleSession,
		MustChangePassword: true,
		IsActive:           true,
		CreatedBy:          actor.ID,
	}
	if err := s.users.Create(r.Context(), user); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionUserCreated,
		TargetType: "user",
		TargetID:   user.ID,
		Payload:    map[string]any{"role": string(user.Role)},
	})

	writeJSON(w, http.StatusCreated, user)
}

// superUserPatch updates any account field a superadmin governs.
type superUserPatch struct {
	DisplayName   *string `json:"display_name"`
	Phone         *string `json:"phone"`
	Email         *string `json:"email"`
	IsActive      *bool   `json:"is_active"`
	SingleSession *bool   `json:"single_session"`
}

// handleSuperPatchUser updates an account. Superadmin accounts other
// than the caller's own stay off limits.
//
// PATCH /api/v1/superadmin/users/{id}
func (s *Server) handleSuperPatchUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := currentUser(r)
	targetID := chi.URLParam(r, "id")

	var req superUserPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	target, err := s.manageableUser(ctx, actor, targetID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if req.DisplayName != nil {
		target.DisplayName = *req.DisplayName
	}
	if req.Phone != nil {
		target.Phone = *req.Phone
	}
	if req.Email != nil {
		target.Email = *req.Email
	}
	if req.IsActive != nil {
		target.IsActive = *req.IsActive
	}
	if req.SingleSession != nil {
		target.SingleSession = *req.SingleSession
	}

	if err := s.users.Update(ctx, target); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionUserUpdated,
		TargetType: "user",
		TargetID:   target.ID,
	})

	writeJSON(w, http.StatusOK, target)
}

// handleSuperDeleteUser removes an account outright. Memberships go
// with it via foreign keys; self-deletion is refused.
//
// DELETE /api/v1/superadmin/users/{id}
func (s *Server) handleSuperDeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := currentUser(r)
	targetID := chi.URLParam(r, "id")

	if actor.ID == targetID {
		s.writeDomainError(w, auth.ErrSelfModification)
		return
	}

	target, err := s.manageableUser(ctx, actor, targetID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if err := s.users.Delete(ctx, target.ID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionUserDeleted,
		TargetType: "user",
		TargetID:   target.ID,
	})

	w.WriteHeader(http.StatusNoContent)
}

// createGroupRequest creates a relay group.
type createGroupRequest struct {
	Name            string     `json:"name"`
	MQTTTopic       string     `json:"mqtt_topic"`
	RelayDurationMS int        `json:"relay_duration_ms"`
	UserQuota       int        `json:"user_quota"`
	ExpiresAt       *time.Time `json:"expires_at"`
	GraceUntil      *time.Time `json:"grace_until"`
}

// handleSuperCreateGroup creates a group.
//
// POST /api/v1/superadmin/groups
func (s *Server) handleSuperCreateGroup(w http.ResponseWriter, r *http.Request) {
	actor := currentUser(r)

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Name == "" || req.MQTTTopic == "" {
		writeBadRequest(w, "name and mqtt_topic are required")
		return
	}
	if req.RelayDurationMS < 0 || req.UserQuota < 0 {
		writeBadRequest(w, "relay_duration_ms and user_quota must not be negative")
		return
	}

	g := &group.Group{
		Name:            req.Name,
		MQTTTopic:       req.MQTTTopic,
		RelayDurationMS: req.RelayDurationMS,
		UserQuota:       req.UserQuota,
		ExpiresAt:       req.ExpiresAt,
		GraceUntil:      req.GraceUntil,
		CreatedBy:       actor.ID,
	}
	if err := s.groups.Create(r.Context(), g); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionGroupCreated,
		TargetType: "group",
		TargetID:   g.ID,
		GroupID:    g.ID,
	})

	writeJSON(w, http.StatusCreated, g)
}

// superGroupPatch covers the full lifecycle surface including status,
// expiry, and quota.
type superGroupPatch struct {
	Name            *string    `json:"name"`
	RelayDurationMS *int       `json:"relay_duration_ms"`
	Status          *string    `json:"status"`
	UserQuota       *int       `json:"user_quota"`
	ExpiresAt       *time.Time `json:"expires_at"`
	GraceUntil      *time.Time `json:"grace_until"`
}

// handleSuperPatchGroup updates any group field.
//
// PATCH /api/v1/superadmin/groups/{id}
func (s *Server) handleSuperPatchGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	var req superGroupPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	g, err := s.groups.GetByID(r.Context(), groupID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if req.Name != nil {
		g.Name = *req.Name
	}
	if req.RelayDurationMS != nil {
		g.RelayDurationMS = *req.RelayDurationMS
	}
	if req.Status != nil {
		if !group.IsValidStatus(group.Status(*req.Status)) {
			writeBadRequest(w, "invalid status")
			return
		}
		g.Status = group.Status(*req.Status)
	}
	if req.UserQuota != nil {
		g.UserQuota = *req.UserQuota
	}
	if req.ExpiresAt != nil {
		g.ExpiresAt = req.ExpiresAt
	}
	if req.GraceUntil != nil {
		g.GraceUntil = req.GraceUntil
	}

	if err := s.groups.Update(r.Context(), g); err != nil {
		s.writeDomainError(w, err)
		return
	}

	actor := currentUser(r)
	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionGroupUpdated,
		TargetType: "group",
		TargetID:   g.ID,
		GroupID:    g.ID,
	})

	writeJSON(w, http.StatusOK, g)
}

// handleSuperDeleteGroup removes a group and its memberships.
//
// DELETE /api/v1/superadmin/groups/{id}
func (s *Server) handleSuperDeleteGroup(w http.ResponseWriter, r *http.Request) {
	actor := currentUser(r)
	groupID := chi.URLParam(r, "id")

	if err := s.groups.Delete(r.Context(), groupID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionGroupDeleted,
		TargetType: "group",
		TargetID:   groupID,
		GroupID:    groupID,
	})

	w.WriteHeader(http.StatusNoContent)
}

// handleSuperAssignGroupAdmin makes a user this group's administrator,
// creating the membership when needed.
//
// POST /api/v1/superadmin/groups/{id}/admins/{userID}
func (s *Server) handleSuperAssignGroupAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := currentUser(r)
	groupID := chi.URLParam(r, "id")
	targetID := chi.URLParam(r, "userID")

	if _, err := s.users.GetByID(ctx, targetID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	m, err := s.groups.GetMembership(ctx, targetID, groupID)
	switch {
	case err == nil:
		m.Role = group.RoleAdmin
		err = s.groups.UpdateMembership(ctx, m)
	default:
		m = &group.Membership{
			UserID:    targetID,
			GroupID:   groupID,
			Role:      group.RoleAdmin,
			CreatedBy: actor.ID,
		}
		err = s.groups.AddMember(ctx, m)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionMemberAdded,
		TargetType: "user",
		TargetID:   targetID,
		GroupID:    groupID,
		Payload:    map[string]any{"role": string(group.RoleAdmin)},
	})

	writeJSON(w, http.StatusOK, m)
}

// handleSuperRemoveGroupAdmin demotes a group admin to an ordinary
// member.
//
// DELETE /api/v1/superadmin/groups/{id}/admins/{userID}
func (s *Server) handleSuperRemoveGroupAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := chi.URLParam(r, "id")
	targetID := chi.URLParam(r, "userID")

	m, err := s.groups.GetMembership(ctx, targetID, groupID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	m.Role = group.RoleUser
	if err := s.groups.UpdateMembership(ctx, m); err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// handleSuperListDevices lists every provisioned controller.
//
// GET /api/v1/superadmin/devices
func (s *Server) handleSuperListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deviceDB.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	now := time.Now()
	out := make([]groupDevice, 0, len(devices))
	for i := range devices {
		d := &devices[i]
		out = append(out, groupDevice{
			DeviceID:     d.DeviceID,
			FWVersion:    d.FWVersion,
			LastSeen:     d.LastSeen,
			RegisteredAt: d.RegisteredAt,
			Online:       d.Online(now),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

// handleSuperDeleteDevice removes a controller and revokes its broker
// credentials.
//
// DELETE /api/v1/superadmin/devices/{id}
func (s *Server) handleSuperDeleteDevice(w http.ResponseWriter, r *http.Request) {
	actor := currentUser(r)
	deviceID := chi.URLParam(r, "id")

	if err := s.devices.Remove(r.Context(), deviceID, actor.ID, actor.Login); err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleSuperLogs returns the full event history with filters.
//
// GET /api/v1/superadmin/logs
func (s *Server) handleSuperLogs(w http.ResponseWriter, r *http.Request) {
	filter := parseLogFilter(r)
	filter.GroupID = r.URL.Query().Get("group_id")

	result, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleSuperStats returns headline counts for the dashboard.
//
// GET /api/v1/superadmin/stats
func (s *Server) handleSuperStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userCount, err := s.users.Count(ctx)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	groups, err := s.groups.List(ctx)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	devices, err := s.deviceDB.List(ctx)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	now := time.Now()
	online := 0
	for i := range devices {
		if devices[i].Online(now) {
			online++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users":          userCount,
		"groups":         len(groups),
		"devices":        len(devices),
		"devices_online": online,
		"ws_connections": s.hub.ConnectionCount(),
		"generated_at":   now.UTC().Format(time.RFC3339),
	})
}
