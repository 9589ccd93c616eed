package group

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for group and membership persistence.
type Repository interface {
	Create(ctx context.Context, g *Group) error
	GetByID(ctx context.Context, id string) (*Group, error)
	GetByTopic(ctx context.Context, topic string) (*Group, error)
	List(ctx context.Context) ([]Group, error)
	ListByUser(ctx context.Context, userID string) ([]Group, error)
	ListAdministeredBy(ctx context.Context, userID string) ([]Group, error)
	Update(ctx context.Context, g *Group) error
	Delete(ctx context.Context, id string) error

	AddMember(ctx context.Context, m *Membership) error
	GetMembership(ctx context.Context, userID, groupID string) (*Membership, error)
	UpdateMembership(ctx context.Context, m *Membership) error
	RemoveMember(ctx context.Context, userID, groupID string) error
	ListMembers(ctx context.Context, groupID string) ([]Member, error)
	MemberUserIDs(ctx context.Context, groupID string) ([]string, error)
	AdminUserIDs(ctx context.Context, groupID string) ([]string, error)
	CountUserMembers(ctx context.Context, groupID string) (int, error)
	IsGroupAdmin(ctx context.Context, userID, groupID string) (bool, error)
	SharedGroupAdmin(ctx context.Context, adminID, targetID string) (bool, error)
}

const groupColumns = `id, name, mqtt_topic, relay_duration_ms, status, expires_at, grace_until, user_quota, created_by, created_at, updated_at`

const prefixedGroupColumns = `g.id, g.name, g.mqtt_topic, g.relay_duration_ms, g.status, g.expires_at, g.grace_until, g.user_quota, g.created_by, g.created_at, g.updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// New creates a new SQLite-backed group repository.
func New(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new group. The ID is generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, g *Group) error {
	if g.ID == "" {
		g.ID = "grp-" + uuid.NewString()[:8]
	}
	if g.Status == "" {
		g.Status = StatusActive
	}

	now := time.Now().UTC().Format(time.RFC3339)
	g.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled
	g.UpdatedAt = g.CreatedAt

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO groups (`+groupColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.MQTTTopic, g.RelayDurationMS, string(g.Status),
		nullTime(g.ExpiresAt), nullTime(g.GraceUntil), g.UserQuota,
		nullString(g.CreatedBy), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTopicExists
		}
		return fmt.Errorf("creating group: %w", err)
	}
	return nil
}

// GetByID retrieves a group by its unique ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Group, error) {
	return r.getGroup(ctx, "SELECT "+groupColumns+" FROM groups WHERE id = ?", id)
}

// GetByTopic retrieves the group bound to an MQTT relay channel.
func (r *SQLiteRepository) GetByTopic(ctx context.Context, topic string) (*Group, error) {
	return r.getGroup(ctx, "SELECT "+groupColumns+" FROM groups WHERE mqtt_topic = ?", topic)
}

// List returns all groups ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Group, error) {
	return r.listGroups(ctx,
		"SELECT "+groupColumns+" FROM groups ORDER BY name ASC")
}

// ListByUser returns the groups a user belongs to, in either role.
func (r *SQLiteRepository) ListByUser(ctx context.Context, userID string) ([]Group, error) {
	return r.listGroups(ctx,
		`SELECT `+prefixedGroupColumns+`
		 FROM groups g
		 JOIN user_groups ug ON ug.group_id = g.id
		 WHERE ug.user_id = ?
		 ORDER BY g.name ASC`, userID)
}

// ListAdministeredBy returns the groups in which the user holds group
// admin status.
func (r *SQLiteRepository) ListAdministeredBy(ctx context.Context, userID string) ([]Group, error) {
	return r.listGroups(ctx,
		`SELECT `+prefixedGroupColumns+`
		 FROM groups g
		 JOIN user_groups ug ON ug.group_id = g.id
		 WHERE ug.user_id = ? AND ug.role = 'admin'
		 ORDER BY g.name ASC`, userID)
}

// Update modifies a group's mutable fields.
func (r *SQLiteRepository) Update(ctx context.Context, g *Group) error {
	now := time.Now().UTC().Format(time.RFC3339)
	g.UpdatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	result, err := r.db.ExecContext(ctx,
		`UPDATE groups SET name = ?, mqtt_topic = ?, relay_duration_ms = ?, status = ?,
		 expires_at = ?, grace_until = ?, user_quota = ?, updated_at = ?
		 WHERE id = ?`,
		g.Name, g.MQTTTopic, g.RelayDurationMS, string(g.Status),
		nullTime(g.ExpiresAt), nullTime(g.GraceUntil), g.UserQuota, now, g.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTopicExists
		}
		return fmt.Errorf("updating group: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// Delete removes a group. Memberships, device bindings, and pairing
// codes cascade at the schema level; member accounts are untouched.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM groups WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// AddMember inserts a membership, enforcing the group's user quota.
// Only role=user members count against the quota; a quota of zero is
// unlimited.
func (r *SQLiteRepository) AddMember(ctx context.Context, m *Membership) error {
	g, err := r.GetByID(ctx, m.GroupID)
	if err != nil {
		return err
	}

	if m.Role == RoleUser && g.UserQuota > 0 {
		count, err := r.CountUserMembers(ctx, m.GroupID)
		if err != nil {
			return err
		}
		if count >= g.UserQuota {
			return ErrQuotaExceeded
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	m.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO user_groups (user_id, group_id, role, description, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.UserID, m.GroupID, string(m.Role), nullString(m.Description),
		nullString(m.CreatedBy), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyInGroup
		}
		return fmt.Errorf("adding member: %w", err)
	}
	return nil
}

// GetMembership retrieves a single membership row.
func (r *SQLiteRepository) GetMembership(ctx context.Context, userID, groupID string) (*Membership, error) {
	var m Membership
	var role string
	var description, createdBy sql.NullString
	var createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, group_id, role, description, created_by, created_at
		 FROM user_groups WHERE user_id = ? AND group_id = ?`,
		userID, groupID,
	).Scan(&m.UserID, &m.GroupID, &role, &description, &createdBy, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotMember
		}
		return nil, fmt.Errorf("getting membership: %w", err)
	}

	m.Role = Role(role)
	if description.Valid {
		m.Description = description.String
	}
	if createdBy.Valid {
		m.CreatedBy = createdBy.String
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &m, nil
}

// UpdateMembership changes a member's role or description.
func (r *SQLiteRepository) UpdateMembership(ctx context.Context, m *Membership) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE user_groups SET role = ?, description = ?
		 WHERE user_id = ? AND group_id = ?`,
		string(m.Role), nullString(m.Description), m.UserID, m.GroupID,
	)
	if err != nil {
		return fmt.Errorf("updating membership: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotMember
	}
	return nil
}

// RemoveMember deletes a membership. When that was the user's last
// group and the account is an ordinary user, the account itself is
// deleted: users exist only through their groups.
func (r *SQLiteRepository) RemoveMember(ctx context.Context, userID, groupID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning removal transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	result, err := tx.ExecContext(ctx,
		"DELETE FROM user_groups WHERE user_id = ? AND group_id = ?",
		userID, groupID)
	if err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotMember
	}

	var remaining int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_groups WHERE user_id = ?", userID,
	).Scan(&remaining); err != nil {
		return fmt.Errorf("counting remaining memberships: %w", err)
	}

	if remaining == 0 {
		// Orphan cleanup applies to ordinary accounts only; admins and
		// superadmins survive without memberships.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM users WHERE id = ? AND role = 'user'", userID,
		); err != nil {
			return fmt.Errorf("cleaning up orphaned user: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing removal: %w", err)
	}
	return nil
}

// ListMembers returns a group's memberships joined with account details,
// admins first.
func (r *SQLiteRepository) ListMembers(ctx context.Context, groupID string) ([]Member, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ug.user_id, ug.group_id, ug.role, ug.description, ug.created_by, ug.created_at,
		        u.login, u.display_name, u.role, u.single_session, u.is_active
		 FROM user_groups ug
		 JOIN users u ON u.id = ug.user_id
		 WHERE ug.group_id = ?
		 ORDER BY ug.role ASC, u.login ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		var role, accountRole string
		var description, createdBy sql.NullString
		var createdAt string
		var singleSession, isActive int

		if err := rows.Scan(&m.UserID, &m.GroupID, &role, &description,
			&createdBy, &createdAt,
			&m.Login, &m.DisplayName, &accountRole, &singleSession, &isActive,
		); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}

		m.Role = Role(role)
		m.AccountRole = accountRole
		m.SingleSession = singleSession != 0
		m.IsActive = isActive != 0
		if description.Valid {
			m.Description = description.String
		}
		if createdBy.Valid {
			m.CreatedBy = createdBy.String
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating members: %w", err)
	}

	if members == nil {
		members = []Member{}
	}
	return members, nil
}

// MemberUserIDs returns the IDs of every member of the group.
func (r *SQLiteRepository) MemberUserIDs(ctx context.Context, groupID string) ([]string, error) {
	return r.listIDs(ctx,
		"SELECT user_id FROM user_groups WHERE group_id = ?", groupID)
}

// AdminUserIDs returns the IDs of the group's administrators.
func (r *SQLiteRepository) AdminUserIDs(ctx context.Context, groupID string) ([]string, error) {
	return r.listIDs(ctx,
		"SELECT user_id FROM user_groups WHERE group_id = ? AND role = 'admin'", groupID)
}

// CountUserMembers returns the number of role=user memberships in a
// group. Administrators are excluded: the quota governs ordinary
// members only.
func (r *SQLiteRepository) CountUserMembers(ctx context.Context, groupID string) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_groups WHERE group_id = ? AND role = 'user'",
		groupID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting user members: %w", err)
	}
	return count, nil
}

// IsGroupAdmin reports whether the user holds group admin status in the group.
func (r *SQLiteRepository) IsGroupAdmin(ctx context.Context, userID, groupID string) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_groups
		 WHERE user_id = ? AND group_id = ? AND role = 'admin'`,
		userID, groupID,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("checking group admin: %w", err)
	}
	return count > 0, nil
}

// SharedGroupAdmin reports whether some group contains the target as a
// member while the admin holds group admin status in it. This is the
// fact the user-management policy needs.
func (r *SQLiteRepository) SharedGroupAdmin(ctx context.Context, adminID, targetID string) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM user_groups a
		 JOIN user_groups t ON t.group_id = a.group_id
		 WHERE a.user_id = ? AND a.role = 'admin' AND t.user_id = ?`,
		adminID, targetID,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("checking shared group admin: %w", err)
	}
	return count > 0, nil
}

func (r *SQLiteRepository) getGroup(ctx context.Context, query string, args ...any) (*Group, error) {
	g, err := scanGroupFrom(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return g, nil
}

func (r *SQLiteRepository) listGroups(ctx context.Context, query string, args ...any) ([]Group, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroupFrom(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating groups: %w", err)
	}

	if groups == nil {
		groups = []Group{}
	}
	return groups, nil
}

func (r *SQLiteRepository) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying user IDs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user IDs: %w", err)
	}
	return ids, nil
}

// scanner is an interface for sql.Row and sql.Rows Scan methods.
type scanner interface {
	Scan(dest ...any) error
}

func scanGroupFrom(s scanner) (*Group, error) {
	var g Group
	var status string
	var expiresAt, graceUntil, createdBy sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(&g.ID, &g.Name, &g.MQTTTopic, &g.RelayDurationMS, &status,
		&expiresAt, &graceUntil, &g.UserQuota, &createdBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning group: %w", err)
	}

	g.Status = Status(status)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339, expiresAt.String) //nolint:errcheck // format is controlled
		g.ExpiresAt = &t
	}
	if graceUntil.Valid {
		t, _ := time.Parse(time.RFC3339, graceUntil.String) //nolint:errcheck // format is controlled
		g.GraceUntil = &t
	}
	if createdBy.Valid {
		g.CreatedBy = createdBy.String
	}
	g.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	g.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled

	return &g, nil
}

// Helper functions.

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "unique constraint"))
}
