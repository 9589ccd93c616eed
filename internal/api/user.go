package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/janitor-project/janitor-core/internal/group"
)

// userGroup is a group as seen by one of its members: the group itself
// plus derived state the mobile UI renders directly.
type userGroup struct {
	group.Group
	MembershipRole string `json:"membership_role"`
	Operational    bool   `json:"operational"`
	RelayState     string `json:"relay_state,omitempty"`
	DeviceOnline   bool   `json:"device_online"`
}

// handleUserGroups lists the caller's groups with relay state and
// controller liveness.
//
// GET /api/v1/user/groups
func (s *Server) handleUserGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := currentUser(r)

	groups, err := s.groups.ListByUser(ctx, user.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	now := time.Now()
	out := make([]userGroup, 0, len(groups))
	for _, g := range groups {
		ug := userGroup{Group: g, Operational: g.Operational(now)}

		if m, err := s.groups.GetMembership(ctx, user.ID, g.ID); err == nil {
			ug.MembershipRole = string(m.Role)
		}

		if g.RelayDurationMS == 0 && s.events != nil {
			state, err := s.events.LastRelayState(ctx, g.ID)
			if err != nil {
				s.logger.Warn("reading relay state", "group_id", g.ID, "error", err)
			} else {
				ug.RelayState = state
			}
		}

		if s.deviceDB != nil {
			devices, err := s.deviceDB.DevicesForGroup(ctx, g.ID)
			if err != nil {
				s.logger.Warn("listing group devices", "group_id", g.ID, "error", err)
			}
			for i := range devices {
				if devices[i].Online(now) {
					ug.DeviceOnline = true
					break
				}
			}
		}

		out = append(out, ug)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"groups": out,
		"count":  len(out),
	})
}

// handleTrigger fires the caller's relay for a group.
//
// POST /api/v1/user/groups/{id}/trigger
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	groupID := chi.URLParam(r, "id")

	result, err := s.relay.Trigger(r.Context(), user.ID, user.Login, groupID, clientIP(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
