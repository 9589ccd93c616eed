package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/janitor-project/janitor-core/internal/device"
	"github.com/janitor-project/janitor-core/internal/group"
	"github.com/janitor-project/janitor-core/internal/infrastructure/mqtt"
)

// GroupStore resolves MQTT topics to groups and groups to entitled users.
type GroupStore interface {
	GetByTopic(ctx context.Context, topic string) (*group.Group, error)
	MemberUserIDs(ctx context.Context, groupID string) ([]string, error)
	AdminUserIDs(ctx context.Context, groupID string) ([]string, error)
}

// DeviceStore tracks controller liveness and their group bindings.
type DeviceStore interface {
	TouchLastSeen(ctx context.Context, deviceID, firmware string) error
	GroupIDsForDevice(ctx context.Context, deviceID string) ([]string, error)
}

// Subscriber is the slice of the MQTT client the ingestor needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Telemetry receives heartbeat observations. Optional; may be nil.
type Telemetry interface {
	WriteHeartbeat(deviceID string, rssiDBm, uptimeSec float64)
}

// heartbeat is the JSON payload controllers publish on their heartbeat
// topic.
type heartbeat struct {
	Firmware string  `json:"fw"`
	RSSI     float64 `json:"rssi"`
	Uptime   float64 `json:"uptime"`
}

// relayReport is the JSON payload controllers publish after switching.
type relayReport struct {
	State string `json:"state"`
}

// Ingestor subscribes to controller traffic and fans it out through the
// hub. Entitlement is resolved per event, so membership changes take
// effect on the next message without reconnecting anyone.
type Ingestor struct {
	hub       *Hub
	groups    GroupStore
	devices   DeviceStore
	telemetry Telemetry
	topics    mqtt.Topics
	logger    *slog.Logger
}

// NewIngestor wires the ingestor. telemetry may be nil when InfluxDB is
// not configured.
func NewIngestor(hub *Hub, groups GroupStore, devices DeviceStore, telemetry Telemetry, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		hub:       hub,
		groups:    groups,
		devices:   devices,
		telemetry: telemetry,
		logger:    logger,
	}
}

// Start subscribes to relay state reports, heartbeats, and device
// status topics.
func (in *Ingestor) Start(sub Subscriber) error {
	if err := sub.Subscribe(in.topics.AllRelayStatus(), 1, in.handleRelayStatus); err != nil {
		return fmt.Errorf("subscribing to relay status: %w", err)
	}
	if err := sub.Subscribe(in.topics.AllDeviceHeartbeats(), 0, in.handleHeartbeat); err != nil {
		return fmt.Errorf("subscribing to heartbeats: %w", err)
	}
	if err := sub.Subscribe(in.topics.AllDeviceStatus(), 1, in.handleDeviceStatus); err != nil {
		return fmt.Errorf("subscribing to device status: %w", err)
	}
	return nil
}

// handleRelayStatus forwards a relay state report to every member of
// the owning group.
func (in *Ingestor) handleRelayStatus(topic string, payload []byte) error {
	relayTopic, ok := topicSegment(topic, mqtt.TopicPrefixRelay)
	if !ok {
		return nil
	}

	state := parseRelayState(payload)
	if state == "" {
		in.logger.Warn("unparseable relay status", "topic", topic)
		return nil
	}

	ctx := context.Background()
	grp, err := in.groups.GetByTopic(ctx, relayTopic)
	if err != nil {
		if errors.Is(err, group.ErrGroupNotFound) {
			// Status from a relay we no longer manage.
			return nil
		}
		return fmt.Errorf("resolving group for %q: %w", relayTopic, err)
	}

	members, err := in.groups.MemberUserIDs(ctx, grp.ID)
	if err != nil {
		return fmt.Errorf("listing members of %s: %w", grp.ID, err)
	}

	in.hub.PushToUsers(members, NewRelayStatus(relayTopic, state))
	return nil
}

// handleHeartbeat updates the controller's last-seen marker, records
// telemetry, and tells group admins the device is online.
func (in *Ingestor) handleHeartbeat(topic string, payload []byte) error {
	mac, ok := topicSegment(topic, mqtt.TopicPrefixDevices)
	if !ok {
		return nil
	}

	var hb heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		in.logger.Warn("unparseable heartbeat", "topic", topic, "error", err)
		hb = heartbeat{}
	}

	ctx := context.Background()
	if err := in.devices.TouchLastSeen(ctx, mac, hb.Firmware); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			// Heartbeat from an unprovisioned controller.
			return nil
		}
		return fmt.Errorf("touching device %s: %w", mac, err)
	}

	if in.telemetry != nil {
		in.telemetry.WriteHeartbeat(mac, hb.RSSI, hb.Uptime)
	}

	in.pushDeviceStatus(ctx, mac, true)
	return nil
}

// handleDeviceStatus reacts to retained status and LWT messages. An
// "online" payload refreshes last-seen; anything else marks the device
// offline for its admins.
func (in *Ingestor) handleDeviceStatus(topic string, payload []byte) error {
	mac, ok := topicSegment(topic, mqtt.TopicPrefixDevices)
	if !ok {
		return nil
	}

	online := strings.EqualFold(strings.TrimSpace(string(payload)), "online")

	ctx := context.Background()
	if online {
		if err := in.devices.TouchLastSeen(ctx, mac, ""); err != nil {
			if errors.Is(err, device.ErrDeviceNotFound) {
				return nil
			}
			return fmt.Errorf("touching device %s: %w", mac, err)
		}
	}

	in.pushDeviceStatus(ctx, mac, online)
	return nil
}

// pushDeviceStatus notifies the admins of every group the device is
// bound to. Lookup failures are logged, not retried; the next heartbeat
// will correct the view.
func (in *Ingestor) pushDeviceStatus(ctx context.Context, mac string, online bool) {
	groupIDs, err := in.devices.GroupIDsForDevice(ctx, mac)
	if err != nil {
		in.logger.Warn("resolving device groups", "device_id", mac, "error", err)
		return
	}

	seen := make(map[string]struct{})
	var admins []string
	for _, gid := range groupIDs {
		ids, err := in.groups.AdminUserIDs(ctx, gid)
		if err != nil {
			in.logger.Warn("listing group admins", "group_id", gid, "error", err)
			continue
		}
		for _, id := range ids {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				admins = append(admins, id)
			}
		}
	}

	if len(admins) > 0 {
		in.hub.PushToUsers(admins, NewDeviceStatus(mac, online))
	}
}

// topicSegment extracts the wildcard segment from "<prefix>/<seg>/<leaf>".
func topicSegment(topic, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	seg, _, ok := strings.Cut(rest, "/")
	if !ok || seg == "" {
		return "", false
	}
	return seg, true
}

// parseRelayState accepts both the JSON report form {"state":"on"} and
// a bare "on"/"off" payload from older firmware.
func parseRelayState(payload []byte) string {
	var report relayReport
	if err := json.Unmarshal(payload, &report); err == nil && report.State != "" {
		return normalizeState(report.State)
	}
	return normalizeState(string(payload))
}

func normalizeState(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "1", "true":
		return "on"
	case "off", "0", "false":
		return "off"
	default:
		return ""
	}
}
