package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/janitor-project/janitor-core/internal/auth"
	"github.com/janitor-project/janitor-core/internal/device"
	"github.com/janitor-project/janitor-core/internal/group"
	"github.com/janitor-project/janitor-core/internal/relay"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorised"
	ErrCodeForbidden          = "forbidden"
	ErrCodeConflict           = "conflict"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeInvalidCredentials = "invalid_credentials"
	ErrCodeSessionExists      = "session_exists"
	ErrCodeQuotaExceeded      = "quota_exceeded"
	ErrCodeAlreadyInGroup     = "already_in_group"
	ErrCodeLoginTaken         = "login_taken"
	ErrCodeAccountInactive    = "account_inactive"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps a domain error to the appropriate HTTP response.
// Unrecognised errors are logged by the caller and reported as 500
// without leaking detail.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "invalid login or password")
	case errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrStaleToken):
		writeUnauthorized(w, "invalid or expired token")
	case errors.Is(err, auth.ErrUserInactive):
		writeError(w, http.StatusForbidden, ErrCodeAccountInactive, "account is inactive")
	case errors.Is(err, auth.ErrSessionExists):
		writeError(w, http.StatusConflict, ErrCodeSessionExists, "an active session already exists for this account")
	case errors.Is(err, auth.ErrLoginExists):
		writeError(w, http.StatusConflict, ErrCodeLoginTaken, "login is already taken")
	case errors.Is(err, auth.ErrForbidden),
		errors.Is(err, relay.ErrForbidden),
		errors.Is(err, auth.ErrSelfModification):
		writeForbidden(w, "insufficient permissions")
	case errors.Is(err, group.ErrQuotaExceeded):
		writeError(w, http.StatusConflict, ErrCodeQuotaExceeded, "group user quota exceeded")
	case errors.Is(err, group.ErrAlreadyInGroup):
		writeError(w, http.StatusConflict, ErrCodeAlreadyInGroup, "user is already a member of this group")
	case errors.Is(err, group.ErrTopicExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "mqtt topic is already in use")
	case errors.Is(err, device.ErrInvalidMAC):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "invalid MAC address")
	case errors.Is(err, device.ErrInvalidOrExpiredCode):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "invalid or expired pairing code")
	case errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, group.ErrGroupNotFound),
		errors.Is(err, group.ErrNotMember),
		errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, sql.ErrNoRows):
		writeNotFound(w, "resource not found")
	default:
		s.logger.Error("unhandled error in HTTP handler", "error", err)
		writeInternalError(w, "internal server error")
	}
}
