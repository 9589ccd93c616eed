package group

import (
	"errors"
	"time"
)

// Status represents a group's administrative state.
type Status string

const (
	// StatusActive allows members to trigger the group's relay.
	StatusActive Status = "active"

	// StatusBlocked rejects triggers while keeping the group and its
	// memberships intact.
	StatusBlocked Status = "blocked"
)

// IsValidStatus returns true for a recognised group status.
func IsValidStatus(s Status) bool {
	return s == StatusActive || s == StatusBlocked
}

// Role represents a member's standing within a group.
type Role string

const (
	// RoleAdmin marks a group administrator: manages the group's
	// members, pairing codes, and sees its device health.
	RoleAdmin Role = "admin"

	// RoleUser is an ordinary member: may trigger the relay and watch
	// its state, nothing more.
	RoleUser Role = "user"
)

// IsValidRole returns true for a recognised membership role.
func IsValidRole(r Role) bool {
	return r == RoleAdmin || r == RoleUser
}

// Group is a named relay channel plus the people entitled to it.
//
// RelayDurationMS selects the output mode: 0 means the relay toggles
// and holds, anything else is a momentary pulse of that length.
// UserQuota caps ordinary members; 0 means unlimited. Administrators
// never count against the quota.
type Group struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	MQTTTopic       string     `json:"mqtt_topic"`
	RelayDurationMS int        `json:"relay_duration_ms"`
	Status          Status     `json:"status"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	GraceUntil      *time.Time `json:"grace_until,omitempty"`
	UserQuota       int        `json:"user_quota"`
	CreatedBy       string     `json:"created_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Operational reports whether the group accepts relay commands at the
// given instant. Expired groups stay usable until grace_until passes.
func (g *Group) Operational(now time.Time) bool {
	if g.Status != StatusActive {
		return false
	}
	if g.ExpiresAt == nil || now.Before(*g.ExpiresAt) {
		return true
	}
	return g.GraceUntil != nil && now.Before(*g.GraceUntil)
}

// Membership ties a user to a group with a role.
type Membership struct {
	UserID      string    `json:"user_id"`
	GroupID     string    `json:"group_id"`
	Role        Role      `json:"role"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Member is a membership joined with the account it belongs to, as
// surfaced in group member listings.
type Member struct {
	Membership
	Login         string `json:"login"`
	DisplayName   string `json:"display_name"`
	AccountRole   string `json:"account_role"`
	SingleSession bool   `json:"single_session"`
	IsActive      bool   `json:"is_active"`
}

// Sentinel errors for group operations.
var (
	ErrGroupNotFound  = errors.New("group not found")
	ErrTopicExists    = errors.New("mqtt topic already in use")
	ErrNotMember      = errors.New("user is not a member of this group")
	ErrAlreadyInGroup = errors.New("user is already a member of this group")
	ErrQuotaExceeded  = errors.New("group user quota exceeded")
)
