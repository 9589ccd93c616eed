package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for device, binding, and pairing
// code persistence.
type Repository interface {
	Upsert(ctx context.Context, d *Device) error
	Get(ctx context.Context, deviceID string) (*Device, error)
	List(ctx context.Context) ([]Device, error)
	Delete(ctx context.Context, deviceID string) error
	TouchLastSeen(ctx context.Context, deviceID, fwVersion string) error

	Bind(ctx context.Context, b *Binding) error
	GroupIDsForDevice(ctx context.Context, deviceID string) ([]string, error)
	DevicesForGroup(ctx context.Context, groupID string) ([]Device, error)

	UpsertPairingCode(ctx context.Context, p *PairingCode) error
	GetPairingCodeByCode(ctx context.Context, code string) (*PairingCode, error)
	ConsumePairingCode(ctx context.Context, groupID string) error
}

const deviceColumns = `device_id, mqtt_user, mqtt_pass_hash, fw_version, last_seen, registered_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// New creates a new SQLite-backed device repository.
func New(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Upsert inserts a device or replaces its credentials and firmware on
// re-registration. LastSeen survives an upsert.
func (r *SQLiteRepository) Upsert(ctx context.Context, d *Device) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   mqtt_user = excluded.mqtt_user,
		   mqtt_pass_hash = excluded.mqtt_pass_hash,
		   fw_version = excluded.fw_version,
		   registered_at = excluded.registered_at`,
		d.DeviceID, d.MQTTUser, d.MQTTPassHash,
		nullableString(d.FWVersion), nullTime(d.LastSeen),
		d.RegisteredAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

// Get retrieves a device by its normalized MAC.
func (r *SQLiteRepository) Get(ctx context.Context, deviceID string) (*Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE device_id = ?", deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return d, nil
}

// List returns all devices ordered by registration date.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	return r.listDevices(ctx,
		"SELECT "+deviceColumns+" FROM devices ORDER BY registered_at ASC")
}

// Delete removes a device. Its group bindings cascade.
func (r *SQLiteRepository) Delete(ctx context.Context, deviceID string) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM devices WHERE device_id = ?", deviceID)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// TouchLastSeen records a heartbeat, optionally updating the reported
// firmware version.
func (r *SQLiteRepository) TouchLastSeen(ctx context.Context, deviceID, fwVersion string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var result sql.Result
	var err error
	if fwVersion != "" {
		result, err = r.db.ExecContext(ctx,
			"UPDATE devices SET last_seen = ?, fw_version = ? WHERE device_id = ?",
			now, fwVersion, deviceID)
	} else {
		result, err = r.db.ExecContext(ctx,
			"UPDATE devices SET last_seen = ? WHERE device_id = ?",
			now, deviceID)
	}
	if err != nil {
		return fmt.Errorf("touching device: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Bind attaches one relay output of a device to a group. Re-binding
// the same output to the same group is a no-op.
func (r *SQLiteRepository) Bind(ctx context.Context, b *Binding) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_groups (device_id, group_id, relay_index)
		 VALUES (?, ?, ?)
		 ON CONFLICT(device_id, group_id, relay_index) DO NOTHING`,
		b.DeviceID, b.GroupID, b.RelayIndex,
	)
	if err != nil {
		return fmt.Errorf("binding device to group: %w", err)
	}
	return nil
}

// GroupIDsForDevice returns the groups any relay of the device serves.
func (r *SQLiteRepository) GroupIDsForDevice(ctx context.Context, deviceID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT DISTINCT group_id FROM device_groups WHERE device_id = ?", deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying device groups: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning group ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group IDs: %w", err)
	}
	return ids, nil
}

// DevicesForGroup returns the devices bound to a group.
func (r *SQLiteRepository) DevicesForGroup(ctx context.Context, groupID string) ([]Device, error) {
	return r.listDevices(ctx,
		`SELECT DISTINCT d.device_id, d.mqtt_user, d.mqtt_pass_hash, d.fw_version, d.last_seen, d.registered_at
		 FROM devices d
		 JOIN device_groups dg ON dg.device_id = d.device_id
		 WHERE dg.group_id = ?
		 ORDER BY d.registered_at ASC`, groupID)
}

// UpsertPairingCode stores a pairing code for a group, replacing any
// previous one.
func (r *SQLiteRepository) UpsertPairingCode(ctx context.Context, p *PairingCode) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if p.CreatedAt.IsZero() {
		p.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pairing_codes (group_id, code, expires_at, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET
		   code = excluded.code,
		   expires_at = excluded.expires_at,
		   created_by = excluded.created_by,
		   created_at = excluded.created_at`,
		p.GroupID, p.Code, p.ExpiresAt.UTC().Format(time.RFC3339),
		nullableString(p.CreatedBy), p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting pairing code: %w", err)
	}
	return nil
}

// GetPairingCodeByCode looks a code up by its value. Expiry is the
// caller's check; a consumed code is simply absent.
func (r *SQLiteRepository) GetPairingCodeByCode(ctx context.Context, code string) (*PairingCode, error) {
	var p PairingCode
	var createdBy sql.NullString
	var expiresAt, createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT group_id, code, expires_at, created_by, created_at
		 FROM pairing_codes WHERE code = ?`, code,
	).Scan(&p.GroupID, &p.Code, &expiresAt, &createdBy, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidOrExpiredCode
		}
		return nil, fmt.Errorf("getting pairing code: %w", err)
	}

	if createdBy.Valid {
		p.CreatedBy = createdBy.String
	}
	p.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &p, nil
}

// ConsumePairingCode removes a group's pairing code. The delete doubles
// as the single-use gate: when the row is already gone another
// registration won the race and this one fails.
func (r *SQLiteRepository) ConsumePairingCode(ctx context.Context, groupID string) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM pairing_codes WHERE group_id = ?", groupID)
	if err != nil {
		return fmt.Errorf("consuming pairing code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consuming pairing code: %w", err)
	}
	if n == 0 {
		return ErrInvalidOrExpiredCode
	}
	return nil
}

func (r *SQLiteRepository) listDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	if devices == nil {
		devices = []Device{}
	}
	return devices, nil
}

// scanner is an interface for sql.Row and sql.Rows Scan methods.
type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var d Device
	var fwVersion, lastSeen sql.NullString
	var registeredAt string

	err := s.Scan(&d.DeviceID, &d.MQTTUser, &d.MQTTPassHash,
		&fwVersion, &lastSeen, &registeredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	if fwVersion.Valid {
		d.FWVersion = fwVersion.String
	}
	if lastSeen.Valid {
		t, _ := time.Parse(time.RFC3339, lastSeen.String) //nolint:errcheck // format is controlled
		d.LastSeen = &t
	}
	d.RegisteredAt, _ = time.Parse(time.RFC3339, registeredAt) //nolint:errcheck // format is controlled

	return &d, nil
}

// Helper functions.

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
