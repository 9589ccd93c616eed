package device

import (
	"errors"
	"strings"
	"time"
)

// OnlineWindow is how recently a device must have been heard from to
// count as online.
const OnlineWindow = 2 * time.Minute

// Device is a provisioned relay controller, keyed by its normalized
// MAC address.
type Device struct {
	DeviceID     string     `json:"device_id"`
	MQTTUser     string     `json:"mqtt_user"`
	MQTTPassHash string     `json:"-"` // never serialised
	FWVersion    string     `json:"fw_version,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
}

// Online reports whether the device has been heard from within the
// freshness window.
func (d *Device) Online(now time.Time) bool {
	return d.LastSeen != nil && now.Sub(*d.LastSeen) <= OnlineWindow
}

// Binding ties one relay output of a device to a group.
type Binding struct {
	DeviceID   string `json:"device_id"`
	GroupID    string `json:"group_id"`
	RelayIndex int    `json:"relay_index"`
}

// PairingCode is a short-lived numeric code that lets a controller
// register itself into a group. One code per group; regeneration
// overwrites.
type PairingCode struct {
	GroupID   string    `json:"group_id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the code is past its validity window.
func (p *PairingCode) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Sentinel errors for device operations.
var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrInvalidMAC           = errors.New("invalid MAC address")
	ErrInvalidOrExpiredCode = errors.New("invalid or expired pairing code")
)

// NormalizeMAC canonicalises a MAC address to twelve uppercase hex
// digits with no separators. Colons and hyphens are accepted on input.
func NormalizeMAC(mac string) (string, error) {
	cleaned := strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(mac)))
	if len(cleaned) != 12 {
		return "", ErrInvalidMAC
	}
	for _, c := range cleaned {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return "", ErrInvalidMAC
		}
	}
	return cleaned, nil
}
