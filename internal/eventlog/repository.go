// Package eventlog provides the append-only event_log table: the audit
// trail for every security-relevant action and, through its
// relay_trigger entries, the authoritative record of toggle relay
// state.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known action names. Handlers may log others; these are the ones
// other packages depend on.
const (
	ActionRelayTrigger     = "relay_trigger"
	ActionLogin            = "login"
	ActionLoginFailed      = "login_failed"
	ActionLogout           = "logout"
	ActionPasswordChanged  = "password_changed"
	ActionSessionsReset    = "sessions_reset"
	ActionUserCreated      = "user_created"
	ActionUserUpdated      = "user_updated"
	ActionUserDeleted      = "user_deleted"
	ActionGroupCreated     = "group_created"
	ActionGroupUpdated     = "group_updated"
	ActionGroupDeleted     = "group_deleted"
	ActionMemberAdded      = "member_added"
	ActionMemberRemoved    = "member_removed"
	ActionPairingCode      = "pairing_code_generated"
	ActionDeviceRegistered = "device_registered"
	ActionDeviceDeleted    = "device_deleted"
)

// Entry represents a single event log row.
type Entry struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id,omitempty"`
	ActorLogin string         `json:"actor_login,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	GroupID    string         `json:"group_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	IP         string         `json:"ip,omitempty"`
	TS         time.Time      `json:"ts"`
}

// Filter controls which entries to return.
type Filter struct {
	Action     string // optional: filter by action name
	ActorID    string // optional: filter by acting user
	GroupID    string // optional: filter by group
	TargetType string // optional: filter by target type (user, group, device)
	From       time.Time
	To         time.Time
	Limit      int // default 50, max 200
	Offset     int // pagination offset
}

// ListResult contains paginated event log results.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the interface for event log operations.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	LastRelayState(ctx context.Context, groupID string) (string, error)
}

// SQLiteRepository stores event log entries in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// New creates a new event log repository.
func New(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Append inserts an event. The ID and timestamp are generated if empty.
func (r *SQLiteRepository) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "evt-" + uuid.NewString()[:8]
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}

	var payloadJSON *string
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshalling event payload: %w", err)
		}
		s := string(b)
		payloadJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (id, actor_id, actor_login, action, target_type, target_id, group_id, payload, ip, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullableString(e.ActorID), nullableString(e.ActorLogin),
		e.Action, nullableString(e.TargetType), nullableString(e.TargetID),
		nullableString(e.GroupID), payloadJSON, nullableString(e.IP),
		e.TS.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) { //nolint:gocognit,gocyclo // dynamic query builder: WHERE clause assembly from filter fields
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for event log queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.GroupID != "" {
		conditions = append(conditions, "group_id = ?")
		args = append(args, filter.GroupID)
	}
	if filter.TargetType != "" {
		conditions = append(conditions, "target_type = ?")
		args = append(args, filter.TargetType)
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filter.From.UTC().Format(time.RFC3339))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "ts <= ?")
		args = append(args, filter.To.UTC().Format(time.RFC3339))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// WHERE clause is built from parameterised conditions only, never user input.
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM event_log %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, actor_id, actor_login, action, target_type, target_id, group_id, payload, ip, ts FROM event_log %s ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// LastRelayState returns the relay state recorded by the group's most
// recent relay_trigger entry, or "" when the group has never been
// triggered. Toggle groups read this to decide the next flip.
func (r *SQLiteRepository) LastRelayState(ctx context.Context, groupID string) (string, error) {
	var payloadJSON sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM event_log
		 WHERE group_id = ? AND action = ?
		 ORDER BY ts DESC, id DESC LIMIT 1`,
		groupID, ActionRelayTrigger,
	).Scan(&payloadJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("reading last relay state: %w", err)
	}

	if !payloadJSON.Valid || payloadJSON.String == "" {
		return "", nil
	}

	var payload struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(payloadJSON.String), &payload); err != nil {
		return "", fmt.Errorf("parsing relay trigger payload: %w", err)
	}
	return payload.State, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var actorID, actorLogin, targetType, targetID, groupID, payloadJSON, ip sql.NullString
	var ts string

	if err := rows.Scan(&e.ID, &actorID, &actorLogin, &e.Action,
		&targetType, &targetID, &groupID, &payloadJSON, &ip, &ts); err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}

	if actorID.Valid {
		e.ActorID = actorID.String
	}
	if actorLogin.Valid {
		e.ActorLogin = actorLogin.String
	}
	if targetType.Valid {
		e.TargetType = targetType.String
	}
	if targetID.Valid {
		e.TargetID = targetID.String
	}
	if groupID.Valid {
		e.GroupID = groupID.String
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		var payload map[string]any
		if json.Unmarshal([]byte(payloadJSON.String), &payload) == nil {
			e.Payload = payload
		}
	}
	if ip.Valid {
		e.IP = ip.String
	}

	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing event timestamp %q: %w", ts, err)
	}
	e.TS = t

	return &e, nil
}
