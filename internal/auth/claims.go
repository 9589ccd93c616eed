package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTLMinutes = 15
	refreshTokenBytes       = 32 // 256-bit raw refresh credential
)

// CustomClaims carries the janitor account fields inside a JWT.
//
// TokenVersion mirrors the account's token_version column at issue time.
// A credential whose tv no longer matches the live row is rejected even
// if its signature and expiry are valid.
type CustomClaims struct {
	jwt.RegisteredClaims
	Login         string `json:"login"`
	Role          Role   `json:"role"`
	TokenVersion  int    `json:"tv"`
	SingleSession bool   `json:"single_session"`
}

// GenerateAccessToken issues a short-lived HS256 access credential for a
// user. Validation is signature plus a live token-version cross-check.
func GenerateAccessToken(user *User, secret string, ttlMinutes int) (string, error) {
	if ttlMinutes <= 0 {
		ttlMinutes = defaultAccessTTLMinutes
	}
	issued := time.Now()
	expires := issued.Add(time.Duration(ttlMinutes) * time.Minute)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
		Login:         user.Login,
		Role:          user.Role,
		TokenVersion:  user.TokenVersion,
		SingleSession: user.SingleSession,
	})

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// GenerateRefreshToken returns a hex-encoded random refresh credential.
// The raw value goes to the client; only its hash is persisted.
func GenerateRefreshToken() (raw string, err error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ParseToken verifies an access credential's signature and expiry and
// returns its claims. Token-version freshness is checked separately by
// Service.Authenticate against the live account row.
func ParseToken(tokenString, secret string) (*CustomClaims, error) {
	keyFunc := func(_ *jwt.Token) (any, error) { return []byte(secret), nil }
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	switch {
	case !ok, !token.Valid:
		return nil, ErrTokenInvalid
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	case claims.Role == "":
		return nil, fmt.Errorf("%w: missing role", ErrTokenInvalid)
	}
	return claims, nil
}
