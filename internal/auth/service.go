package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service is the session authority. It owns credential issue, rotation,
// revocation, and the live cross-checks that keep a signed JWT from
// outliving the account state it was minted from.
type Service struct {
	users      UserRepository
	sessions   SessionRepository
	secret     string
	accessTTL  int // minutes
	refreshTTL time.Duration
}

// NewService creates a session authority backed by the given repositories.
// accessTTLMinutes is clamped to the default inside token generation when
// non-positive; refreshTTL is the sliding window for refresh sessions.
func NewService(users UserRepository, sessions SessionRepository, secret string, accessTTLMinutes int, refreshTTL time.Duration) *Service {
	return &Service{
		users:      users,
		sessions:   sessions,
		secret:     secret,
		accessTTL:  accessTTLMinutes,
		refreshTTL: refreshTTL,
	}
}

// LoginResult carries the credentials issued by a successful login or refresh.
type LoginResult struct {
	User         *User
	AccessToken  string
	RefreshToken string
}

// Login verifies credentials and opens a refresh session.
//
// For accounts flagged single_session, a login attempt while another
// session is live is rejected with ErrSessionExists; the existing session
// is left untouched. The caller decides whether to surface a reset path.
func (s *Service) Login(ctx context.Context, login, password, ip, userAgent string) (*LoginResult, error) {
	user, err := s.users.GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !user.IsActive {
		return nil, ErrUserInactive
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if user.SingleSession {
		count, err := s.sessions.CountForUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, ErrSessionExists
		}
	}

	return s.issue(ctx, user, ip, userAgent)
}

// Refresh rotates a refresh credential and issues a fresh access token.
//
// The presented credential is single-use: rotation deletes its row and
// inserts a successor, so a replay of the old value fails with
// ErrTokenInvalid. The sliding expiry window restarts on every rotation,
// and the successor records the fingerprint presented with this call.
func (s *Service) Refresh(ctx context.Context, rawRefresh, ip, userAgent string) (*LoginResult, error) {
	session, err := s.sessions.GetByTokenHash(ctx, HashToken(rawRefresh))
	if err != nil {
		return nil, err
	}

	if time.Now().After(session.ExpiresAt) {
		_ = s.sessions.Delete(ctx, session.ID) //nolint:errcheck // best effort cleanup
		return nil, ErrTokenExpired
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		_, _ = s.sessions.DeleteAllForUser(ctx, user.ID) //nolint:errcheck // best effort cleanup
		return nil, ErrUserInactive
	}

	newRaw, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	next := &Session{
		UserID:    user.ID,
		TokenHash: HashToken(newRaw),
		IP:        ip,
		UserAgent: userAgent,
		ExpiresAt: time.Now().Add(s.refreshTTL),
	}
	if err := s.sessions.Rotate(ctx, session.ID, next); err != nil {
		return nil, err
	}

	access, err := GenerateAccessToken(user, s.secret, s.accessTTL)
	if err != nil {
		return nil, err
	}

	return &LoginResult{User: user, AccessToken: access, RefreshToken: newRaw}, nil
}

// Logout closes the session identified by the refresh credential.
// Unknown credentials are treated as already logged out.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	session, err := s.sessions.GetByTokenHash(ctx, HashToken(rawRefresh))
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			return nil
		}
		return err
	}
	return s.sessions.Delete(ctx, session.ID)
}

// Authenticate validates an access credential against both its signature
// and the live account row. A structurally valid JWT is still rejected
// when the account is inactive or its token version has moved on.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*User, *CustomClaims, error) {
	claims, err := ParseToken(accessToken, s.secret)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil, ErrTokenInvalid
		}
		return nil, nil, err
	}

	if !user.IsActive {
		return nil, nil, ErrUserInactive
	}

	if user.TokenVersion != claims.TokenVersion {
		return nil, nil, ErrStaleToken
	}

	return user, claims, nil
}

// ChangePassword sets a new password after verifying the current one.
// The token version is bumped so outstanding access credentials die at
// their next check. When keepSession is true existing refresh sessions
// survive and a fresh one is opened for the caller; otherwise every
// session is closed.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword, ip, userAgent string, keepSession bool) (*LoginResult, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	ok, err := VerifyPassword(oldPassword, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return nil, err
	}

	if err := s.users.SetPassword(ctx, userID, hash, false); err != nil {
		return nil, err
	}
	if err := s.users.IncrementTokenVersion(ctx, userID); err != nil {
		return nil, err
	}

	if !keepSession {
		if _, err := s.sessions.DeleteAllForUser(ctx, userID); err != nil {
			return nil, err
		}
		return &LoginResult{User: user}, nil
	}

	// Re-read so the issued credentials carry the bumped token version.
	user, err = s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, user, ip, userAgent)
}

// SetPassword force-sets a password on behalf of an administrator.
// The target's sessions are closed and outstanding credentials
// invalidated; must_change_password forces a change at next login.
func (s *Service) SetPassword(ctx context.Context, userID, newPassword string, mustChange bool) error {
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	if err := s.users.SetPassword(ctx, userID, hash, mustChange); err != nil {
		return err
	}
	if err := s.users.IncrementTokenVersion(ctx, userID); err != nil {
		return err
	}
	_, err = s.sessions.DeleteAllForUser(ctx, userID)
	return err
}

// ResetSessions closes every session for the account and bumps the token
// version. This is the recovery path for single_session accounts locked
// out by a stale session, and the admin force-logout.
func (s *Service) ResetSessions(ctx context.Context, userID string) error {
	if _, err := s.sessions.DeleteAllForUser(ctx, userID); err != nil {
		return err
	}
	return s.users.IncrementTokenVersion(ctx, userID)
}

// issue opens a refresh session and mints an access credential for the user.
func (s *Service) issue(ctx context.Context, user *User, ip, userAgent string) (*LoginResult, error) {
	rawRefresh, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	session := &Session{
		UserID:    user.ID,
		TokenHash: HashToken(rawRefresh),
		IP:        ip,
		UserAgent: userAgent,
		ExpiresAt: time.Now().Add(s.refreshTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	access, err := GenerateAccessToken(user, s.secret, s.accessTTL)
	if err != nil {
		return nil, err
	}

	return &LoginResult{User: user, AccessToken: access, RefreshToken: rawRefresh}, nil
}
