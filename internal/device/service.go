package device

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/janitor-project/janitor-core/internal/auth"
	"github.com/janitor-project/janitor-core/internal/broker"
	"github.com/janitor-project/janitor-core/internal/eventlog"
	"github.com/janitor-project/janitor-core/internal/group"
)

// pairingCodeTTL is how long a generated pairing code stays valid.
const pairingCodeTTL = 24 * time.Hour

// pairingCodeDigits is the length of a pairing code.
const pairingCodeDigits = 6

// secretLength is the length of a generated MQTT device secret.
const secretLength = 24

// secretAlphabet excludes visually ambiguous characters (0/O, 1/l/I)
// because installers sometimes type these by hand.
const secretAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"

// mqttUserPrefix prefixes every device's broker username.
const mqttUserPrefix = "esp_"

// GroupStore resolves the group a pairing code belongs to.
type GroupStore interface {
	GetByID(ctx context.Context, id string) (*group.Group, error)
}

// EventStore records provisioning events.
type EventStore interface {
	Append(ctx context.Context, e *eventlog.Entry) error
}

// Credentials is everything a freshly registered controller needs to
// reach the broker. The raw password appears here once and is never
// recoverable afterwards.
type Credentials struct {
	MQTTUser       string `json:"mqtt_user"`
	MQTTPass       string `json:"mqtt_pass"`
	MQTTHost       string `json:"mqtt_host"`
	MQTTPort       int    `json:"mqtt_port"`
	RelayTopic     string `json:"relay_topic"`
	StatusTopic    string `json:"status_topic"`
	HeartbeatTopic string `json:"heartbeat_topic"`
}

// Service runs the device provisioning flow.
type Service struct {
	repo     Repository
	groups   GroupStore
	events   EventStore
	reconfig broker.Reconfigurer
	mqttHost string
	mqttPort int
	logger   *slog.Logger
}

// NewService creates a provisioning service. reconfig may be a
// broker.Nop when the broker is managed externally.
func NewService(repo Repository, groups GroupStore, events EventStore, reconfig broker.Reconfigurer, mqttHost string, mqttPort int, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		groups:   groups,
		events:   events,
		reconfig: reconfig,
		mqttHost: mqttHost,
		mqttPort: mqttPort,
		logger:   logger,
	}
}

// GeneratePairingCode mints a fresh six-digit code for the group,
// valid for 24 hours. Any previous code for the group is replaced.
func (s *Service) GeneratePairingCode(ctx context.Context, groupID, actorID, actorLogin string) (*PairingCode, error) {
	if _, err := s.groups.GetByID(ctx, groupID); err != nil {
		return nil, err
	}

	code, err := randomDigits(pairingCodeDigits)
	if err != nil {
		return nil, err
	}

	p := &PairingCode{
		GroupID:   groupID,
		Code:      code,
		ExpiresAt: time.Now().UTC().Add(pairingCodeTTL).Truncate(time.Second),
		CreatedBy: actorID,
	}
	if err := s.repo.UpsertPairingCode(ctx, p); err != nil {
		return nil, err
	}

	s.appendEvent(ctx, &eventlog.Entry{
		ActorID:    actorID,
		ActorLogin: actorLogin,
		Action:     eventlog.ActionPairingCode,
		TargetType: "group",
		TargetID:   groupID,
		GroupID:    groupID,
	})

	return p, nil
}

// Register provisions a controller against a pairing code.
//
// The code is consumed no matter how the rest of the flow goes: a
// mistyped MAC burns it, which is the original product's behaviour and
// keeps codes strictly single-use. Re-registering a known MAC rotates
// its broker credentials. Broker reconfiguration is best-effort; a
// failure there is logged and the device is handed credentials anyway.
func (s *Service) Register(ctx context.Context, code, mac string, relayIndex int, fwVersion string) (*Credentials, error) {
	deviceID, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	p, err := s.repo.GetPairingCodeByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if err := s.repo.ConsumePairingCode(ctx, p.GroupID); err != nil {
		return nil, err
	}
	if p.Expired(time.Now()) {
		return nil, ErrInvalidOrExpiredCode
	}

	g, err := s.groups.GetByID(ctx, p.GroupID)
	if err != nil {
		return nil, err
	}

	secret, err := randomSecret(secretLength)
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(secret)
	if err != nil {
		return nil, fmt.Errorf("hashing device secret: %w", err)
	}

	d := &Device{
		DeviceID:     deviceID,
		MQTTUser:     mqttUserPrefix + deviceID,
		MQTTPassHash: hash,
		FWVersion:    fwVersion,
	}
	if err := s.repo.Upsert(ctx, d); err != nil {
		return nil, err
	}
	if err := s.repo.Bind(ctx, &Binding{DeviceID: deviceID, GroupID: g.ID, RelayIndex: relayIndex}); err != nil {
		return nil, err
	}

	if err := s.reconfig.GrantDevice(ctx, d.MQTTUser, secret, deviceID, g.MQTTTopic); err != nil {
		s.logger.Warn("broker reconfiguration failed",
			"device_id", deviceID, "error", err)
	}

	s.appendEvent(ctx, &eventlog.Entry{
		Action:     eventlog.ActionDeviceRegistered,
		TargetType: "device",
		TargetID:   deviceID,
		GroupID:    g.ID,
		Payload: map[string]any{
			"relay_index": relayIndex,
			"fw_version":  fwVersion,
		},
	})

	s.logger.Info("device registered",
		"device_id", deviceID, "group_id", g.ID, "relay_index", relayIndex)

	return &Credentials{
		MQTTUser:       d.MQTTUser,
		MQTTPass:       secret,
		MQTTHost:       s.mqttHost,
		MQTTPort:       s.mqttPort,
		RelayTopic:     "relay/" + g.MQTTTopic + "/trigger",
		StatusTopic:    "relay/" + g.MQTTTopic + "/status",
		HeartbeatTopic: "sys/devices/" + deviceID + "/heartbeat",
	}, nil
}

// Heartbeat records that a device is alive, with an optional firmware
// version update. HTTP fallback for controllers that cannot publish
// their MQTT heartbeat.
func (s *Service) Heartbeat(ctx context.Context, mac, fwVersion string) error {
	deviceID, err := NormalizeMAC(mac)
	if err != nil {
		return err
	}
	return s.repo.TouchLastSeen(ctx, deviceID, fwVersion)
}

// Remove deletes a device and revokes its broker credentials.
func (s *Service) Remove(ctx context.Context, deviceID, actorID, actorLogin string) error {
	d, err := s.repo.Get(ctx, deviceID)
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, deviceID); err != nil {
		return err
	}

	if err := s.reconfig.RevokeDevice(ctx, d.MQTTUser, deviceID); err != nil {
		s.logger.Warn("broker revocation failed",
			"device_id", deviceID, "error", err)
	}

	s.appendEvent(ctx, &eventlog.Entry{
		ActorID:    actorID,
		ActorLogin: actorLogin,
		Action:     eventlog.ActionDeviceDeleted,
		TargetType: "device",
		TargetID:   deviceID,
	})

	return nil
}

// appendEvent logs an event, tolerating failures: provisioning already
// changed state, the trail entry is secondary here.
func (s *Service) appendEvent(ctx context.Context, e *eventlog.Entry) {
	if err := s.events.Append(ctx, e); err != nil {
		s.logger.Error("recording provisioning event", "action", e.Action, "error", err)
	}
}

// randomDigits returns n cryptographically random decimal digits.
func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10)) //nolint:mnd // decimal digit
		if err != nil {
			return "", fmt.Errorf("generating pairing code: %w", err)
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}

// randomSecret returns n random characters from the secret alphabet.
func randomSecret(n int) (string, error) {
	chars := make([]byte, n)
	alphabetLen := big.NewInt(int64(len(secretAlphabet)))
	for i := range chars {
		v, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("generating device secret: %w", err)
		}
		chars[i] = secretAlphabet[v.Int64()]
	}
	return string(chars), nil
}
