package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionRepository defines the interface for refresh session persistence.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	Rotate(ctx context.Context, oldID string, next *Session) error
	Delete(ctx context.Context, id string) error
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
	CountForUser(ctx context.Context, userID string) (int, error)
	ListByUser(ctx context.Context, userID string) ([]Session, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

const sessionColumns = `id, user_id, token_hash, ip, user_agent, expires_at, last_used_at, created_at`

// SQLiteSessionRepository implements SessionRepository using SQLite.
type SQLiteSessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SQLite-backed session repository.
func NewSessionRepository(db *sql.DB) *SQLiteSessionRepository {
	return &SQLiteSessionRepository{db: db}
}

// HashToken computes the SHA-256 hash of a raw refresh credential for storage.
// Raw credentials are never stored, only their hashes.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Create inserts a new refresh session. The ID is generated if empty.
func (r *SQLiteSessionRepository) Create(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = "ses-" + uuid.NewString()[:16]
	}

	now := time.Now().UTC().Format(time.RFC3339)
	session.CreatedAt, _ = time.Parse(time.RFC3339, now)  //nolint:errcheck // format is controlled
	session.LastUsedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.TokenHash,
		nullString(session.IP), nullString(session.UserAgent),
		session.ExpiresAt.UTC().Format(time.RFC3339), now, now,
	)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

// GetByTokenHash retrieves a session by the SHA-256 hash of its refresh credential.
func (r *SQLiteSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`, tokenHash)

	s, err := scanSessionFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("getting session by hash: %w", err)
	}
	return s, nil
}

// Rotate atomically deletes the consumed session and inserts its successor.
// Deleting rather than flagging keeps the table to at most one row per live
// session and makes a replayed old credential indistinguishable from an
// unknown one.
func (r *SQLiteSessionRepository) Rotate(ctx context.Context, oldID string, next *Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rotation transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	result, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", oldID)
	if err != nil {
		return fmt.Errorf("deleting consumed session: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		// Someone else consumed it first.
		return ErrTokenInvalid
	}

	if next.ID == "" {
		next.ID = "ses-" + uuid.NewString()[:16]
	}

	now := time.Now().UTC().Format(time.RFC3339)
	next.CreatedAt, _ = time.Parse(time.RFC3339, now)  //nolint:errcheck // format is controlled
	next.LastUsedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		next.ID, next.UserID, next.TokenHash,
		nullString(next.IP), nullString(next.UserAgent),
		next.ExpiresAt.UTC().Format(time.RFC3339), now, now,
	); err != nil {
		return fmt.Errorf("creating successor session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rotation: %w", err)
	}
	return nil
}

// Delete removes a single session by ID.
func (r *SQLiteSessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteAllForUser removes every session belonging to a user.
// Used for session reset and admin force-logout. Returns the number of
// deleted rows.
func (r *SQLiteSessionRepository) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("deleting sessions for user: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// CountForUser returns the number of non-expired sessions for a user.
func (r *SQLiteSessionRepository) CountForUser(ctx context.Context, userID string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var count int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE user_id = ? AND expires_at > ?",
		userID, now,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return count, nil
}

// ListByUser returns all non-expired sessions for a user, newest first.
func (r *SQLiteSessionRepository) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE user_id = ? AND expires_at > ?
		 ORDER BY created_at DESC`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSessionFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

// DeleteExpired removes sessions past their expiry, freeing storage.
// Returns the number of deleted rows.
func (r *SQLiteSessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

func scanSessionFrom(s scanner) (*Session, error) {
	var sess Session
	var ip, userAgent sql.NullString
	var expiresAt, lastUsedAt, createdAt string

	err := s.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &ip, &userAgent,
		&expiresAt, &lastUsedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	if ip.Valid {
		sess.IP = ip.String
	}
	if userAgent.Valid {
		sess.UserAgent = userAgent.String
	}
	sess.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)   //nolint:errcheck // format is controlled
	sess.LastUsedAt, _ = time.Parse(time.RFC3339, lastUsedAt) //nolint:errcheck // format is controlled
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)   //nolint:errcheck // format is controlled

	return &sess, nil
}
