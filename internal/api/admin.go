package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/janitor-project/janitor-core/internal/auth"
	"github.com/janitor-project/janitor-core/internal/eventlog"
	"github.com/janitor-project/janitor-core/internal/group"
)

// handleAdminGroups lists the groups the caller administers.
// Superadmins see every group.
//
// GET /api/v1/admin/groups
func (s *Server) handleAdminGroups(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	var (
		groups []group.Group
		err    error
	)
	if user.Role == auth.RoleSuperadmin {
		groups, err = s.groups.List(r.Context())
	} else {
		groups, err = s.groups.ListAdministeredBy(r.Context(), user.ID)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

// adminGroupPatch is the group-admin PATCH body. Group admins may
// rename the group and retune the relay; lifecycle fields (status,
// expiry, quota) belong to superadmins.
type adminGroupPatch struct {
	Name            *string `json:"name"`
	RelayDurationMS *int    `json:"relay_duration_ms"`
}

// handleAdminUpdateGroup updates the fields a group admin controls.
//
// PATCH /api/v1/admin/groups/{id}
func (s *Server) handleAdminUpdateGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	var req adminGroupPatch
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
		if *req.RelayDurationMS < 0 {
			writeBadRequest(w, "relay_duration_ms must not be negative")
			return
		}
		g.RelayDurationMS = *req.RelayDurationMS
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

// handleAdminListMembers lists a group's members, admins first.
//
// GET /api/v1/admin/groups/{id}/users
func (s *Server) handleAdminListMembers(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	members, err := s.groups.ListMembers(r.Context(), groupID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"members": members,
		"count":   len(members),
	})
}

// addMemberRequest adds an account to a group. When the login is
// unknown a fresh account is created with it; when it exists the
// existing account is attached.
type addMemberRequest struct {
	Login         string `json:"login"`
	Password      string `json:"password"`
	DisplayName   string `json:"display_name"`
	Phone         string `json:"phone"`
	Email         string `json:"email"`
	Description   string `json:"description"`
	SingleSession bool   `json:"single_session"`
}

// handleAdminAddMember adds a new or existing user to the group.
// Quota applies to ordinary members only.
//
// POST /api/v1/admin/groups/{id}/users
func (s *Server) handleAdminAddMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := currentUser(r)
	groupID := chi.URLParam(r, "id")

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if !auth.IsValidLogin(req.Login) {
		writeBadRequest(w, "invalid login format")
		return
	}

	target, err := s.users.GetByLogin(ctx, req.Login)
	switch {
	case err == nil:
		// Existing account joins the group.
	case req.Password == "":
		writeBadRequest(w, "password is required for a new account")
		return
	default:
		hash, hashErr := auth.HashPassword(req.Password)
		if hashErr != nil {
			s.writeDomainError(w, hashErr)
			return
		}
		target = &auth.User{
			Login:              req.Login,
			DisplayName:        req.DisplayName,
			Phone:              req.Phone,
			Email:              req.Email,
			PasswordHash:       hash,
			Role:               auth.RoleUser,
			SingleSession:      req.SingleSession,
			MustChangePassword: true,
			IsActive:           true,
			CreatedBy:          actor.ID,
		}
		if err := s.users.Create(ctx, target); err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.appendEvent(r, &eventlog.Entry{
			ActorID:    actor.ID,
			ActorLogin: actor.Login,
			Action:     eventlog.ActionUserCreated,
			TargetType: "user",
			TargetID:   target.ID,
			GroupID:    groupID,
		})
	}

	m := &group.Membership{
		UserID:      target.ID,
		GroupID:     groupID,
		Role:        group.RoleUser,
		Description: req.Description,
		CreatedBy:   actor.ID,
	}
	if err := s.groups.AddMember(ctx, m); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionMemberAdded,
		TargetType: "user",
		TargetID:   target.ID,
		GroupID:    groupID,
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"user":       target,
		"membership": m,
	})
}

// patchMemberRequest updates an account and its membership within the
// admin's group. Absent fields stay untouched.
type patchMemberRequest struct {
	DisplayName   *string `json:"display_name"`
	Phone         *string `json:"phone"`
	Email         *string `json:"email"`
	Description   *string `json:"description"`
	IsActive      *bool   `json:"is_active"`
	SingleSession *bool   `json:"single_session"`
}

// handleAdminPatchMember updates a member's account and membership.
//
// PATCH /api/v1/admin/groups/{id}/users/{userID}
func (s *Server) handleAdminPatchMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := currentUser(r)
	groupID := chi.URLParam(r, "id")
	targetID := chi.URLParam(r, "userID")

	var req patchMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	target, err := s.manageableUser(ctx, actor, targetID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if req.SingleSession != nil {
		if err := auth.CanSetSingleSession(actor, target.SingleSession, *req.SingleSession); err != nil {
			s.writeDomainError(w, err)
			return
		}
		target.SingleSession = *req.SingleSession
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

	if err := s.users.Update(ctx, target); err != nil {
		s.writeDomainError(w, err)
		return
	}

	if req.Description != nil {
		m, err := s.groups.GetMembership(ctx, targetID, groupID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		m.Description = *req.Description
		if err := s.groups.UpdateMembership(ctx, m); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionUserUpdated,
		TargetType: "user",
		TargetID:   target.ID,
		GroupID:    groupID,
	})

	writeJSON(w, http.StatusOK, target)
}

// handleAdminRemoveMember removes a member from the group. A user left
// with no memberships is deleted outright. Admins cannot remove
// themselves.
//
// DELETE /api/v1/admin/groups/{id}/users/{userID}
func (s *Server) handleAdminRemoveMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := currentUser(r)
	groupID := chi.URLParam(r, "id")
	targetID := chi.URLParam(r, "userID")

	if actor.ID == targetID {
		s.writeDomainError(w, auth.ErrSelfModification)
		return
	}

	target, err := s.manageableUser(ctx, actor, targetID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if err := s.groups.RemoveMember(ctx, targetID, groupID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionMemberRemoved,
		TargetType: "user",
		TargetID:   target.ID,
		GroupID:    groupID,
	})

	w.WriteHeader(http.StatusNoContent)
}

// handleAdminResetSessions terminates every session of a managed user
// and invalidates outstanding access tokens.
//
// POST /api/v1/admin/users/{id}/reset-sessions
func (s *Server) handleAdminResetSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := currentUser(r)
	targetID := chi.URLParam(r, "id")

	target, err := s.manageableUser(ctx, actor, targetID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if err := s.auth.ResetSessions(ctx, target.ID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionSessionsReset,
		TargetType: "user",
		TargetID:   target.ID,
	})

	w.WriteHeader(http.StatusNoContent)
}

// resetPasswordRequest carries the admin-assigned replacement password.
type resetPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

// handleAdminResetPassword force-sets a managed user's password. The
// user must change it at next login; all their sessions end.
//
// POST /api/v1/admin/users/{id}/reset-password
func (s *Server) handleAdminResetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := currentUser(r)
	targetID := chi.URLParam(r, "id")

	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.NewPassword == "" {
		writeBadRequest(w, "new password is required")
		return
	}

	target, err := s.manageableUser(ctx, actor, targetID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if err := s.auth.SetPassword(ctx, target.ID, req.NewPassword, true); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.appendEvent(r, &eventlog.Entry{
		ActorID:    actor.ID,
		ActorLogin: actor.Login,
		Action:     eventlog.ActionPasswordChanged,
		TargetType: "user",
		TargetID:   target.ID,
	})

	w.WriteHeader(http.StatusNoContent)
}

// handleAdminPairingCode issues a fresh pairing code for the group,
// replacing any outstanding one.
//
// POST /api/v1/admin/groups/{id}/pairing-code
func (s *Server) handleAdminPairingCode(w http.ResponseWriter, r *http.Request) {
	actor := currentUser(r)
	groupID := chi.URLParam(r, "id")

	code, err := s.devices.GeneratePairingCode(r.Context(), groupID, actor.ID, actor.Login)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, code)
}

// groupDevice is a controller with its liveness resolved.
type groupDevice struct {
	DeviceID     string     `json:"device_id"`
	FWVersion    string     `json:"fw_version,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	Online       bool       `json:"online"`
}

// handleAdminGroupDevices lists the controllers bound to the group.
//
// GET /api/v1/admin/groups/{id}/devices
func (s *Server) handleAdminGroupDevices(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	devices, err := s.deviceDB.DevicesForGroup(r.Context(), groupID)
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

// handleAdminGroupLogs returns the group's event history.
//
// GET /api/v1/admin/groups/{id}/logs
func (s *Server) handleAdminGroupLogs(w http.ResponseWriter, r *http.Request) {
	filter := parseLogFilter(r)
	filter.GroupID = chi.URLParam(r, "id")

	result, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// manageableUser loads the target and verifies the actor may manage
// them. For restricted admins the shared-group check runs against the
// membership tables.
func (s *Server) manageableUser(ctx context.Context, actor *auth.User, targetID string) (*auth.User, error) {
	target, err := s.users.GetByID(ctx, targetID)
	if err != nil {
		return nil, err
	}

	shared := false
	if actor.Role == auth.RoleAdmin {
		shared, err = s.groups.SharedGroupAdmin(ctx, actor.ID, target.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := auth.CanManageUser(actor, target, shared); err != nil {
		return nil, err
	}
	return target, nil
}

// parseLogFilter builds an event log filter from the query string.
// Malformed values fall back to defaults rather than failing the
// request.
func parseLogFilter(r *http.Request) eventlog.Filter {
	q := r.URL.Query()

	filter := eventlog.Filter{
		Action:     q.Get("action"),
		ActorID:    q.Get("actor_id"),
		TargetType: q.Get("target_type"),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = v
	}
	if t, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		filter.From = t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		filter.To = t
	}
	return filter
}
