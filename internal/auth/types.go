package auth

import (
	"errors"
	"regexp"
	"time"
)

// loginPattern defines the valid format for logins:
// alphanumeric, dots, hyphens, underscores, 1-64 characters.
var loginPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// maxLoginLength is the maximum allowed login length.
const maxLoginLength = 64

// IsValidLogin checks if a login meets format requirements.
// Logins must be 1-64 characters, alphanumeric with dots, hyphens, underscores.
func IsValidLogin(login string) bool {
	return len(login) <= maxLoginLength && loginPattern.MatchString(login)
}

// Role represents an authorisation tier in the system.
type Role string

const (
	// RoleUser is a regular account. Entitlements come entirely from
	// group membership: a user sees and operates only the relays of
	// devices in their groups.
	RoleUser Role = "user"

	// RoleAdmin manages users within the groups where they hold group
	// admin status. Admins can create users, hand out group membership,
	// and reset credentials for the accounts they govern.
	RoleAdmin Role = "admin"

	// RoleSuperadmin has unrestricted control: all users, all groups,
	// all devices, provisioning, and broker administration. Superadmin
	// accounts cannot be modified by anyone else.
	RoleSuperadmin Role = "superadmin"
)

// ValidRoles is the set of valid account roles.
var ValidRoles = []Role{RoleUser, RoleAdmin, RoleSuperadmin}

// IsValidRole returns true if the role is a valid account role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// User represents an authenticated account.
//
// TokenVersion is embedded in every issued access credential; bumping it
// invalidates all outstanding JWTs for the account without touching the
// session store. SingleSession restricts the account to one live refresh
// session at a time.
type User struct {
	ID                 string    `json:"id"`
	Login              string    `json:"login"`
	DisplayName        string    `json:"display_name"`
	Phone              string    `json:"phone,omitempty"`
	Email              string    `json:"email,omitempty"`
	PasswordHash       string    `json:"-"` // never serialised
	Role               Role      `json:"role"`
	TokenVersion       int       `json:"token_version"`
	SingleSession      bool      `json:"single_session"`
	MustChangePassword bool      `json:"must_change_password"`
	IsActive           bool      `json:"is_active"`
	CreatedBy          string    `json:"created_by,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Session represents a stored refresh session.
//
// The raw refresh credential is held only by the client; the database
// keeps its SHA-256 hash. Rotation replaces the row wholesale, so a
// presented credential is valid exactly once.
type Session struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	TokenHash  string    `json:"-"` // never serialised
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrLoginExists        = errors.New("login already exists")
	ErrSessionExists      = errors.New("an active session already exists for this account")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrStaleToken         = errors.New("token version is stale")
	ErrForbidden          = errors.New("insufficient permissions")
	ErrSelfModification   = errors.New("cannot modify own account in this way")
)
