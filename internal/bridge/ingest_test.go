package bridge

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/janitor-project/janitor-core/internal/device"
	"github.com/janitor-project/janitor-core/internal/group"
)

type fakeGroups struct {
	byTopic map[string]*group.Group
	members map[string][]string
	admins  map[string][]string
}

func (f *fakeGroups) GetByTopic(_ context.Context, topic string) (*group.Group, error) {
	g, ok := f.byTopic[topic]
	if !ok {
		return nil, group.ErrGroupNotFound
	}
	return g, nil
}

func (f *fakeGroups) MemberUserIDs(_ context.Context, groupID string) ([]string, error) {
	return f.members[groupID], nil
}

func (f *fakeGroups) AdminUserIDs(_ context.Context, groupID string) ([]string, error) {
	return f.admins[groupID], nil
}

type fakeDevices struct {
	known    map[string][]string // deviceID -> group IDs
	touched  []string
	lastFW   string
}

func (f *fakeDevices) TouchLastSeen(_ context.Context, deviceID, fwVersion string) error {
	if _, ok := f.known[deviceID]; !ok {
		return device.ErrDeviceNotFound
	}
	f.touched = append(f.touched, deviceID)
	f.lastFW = fwVersion
	return nil
}

func (f *fakeDevices) GroupIDsForDevice(_ context.Context, deviceID string) ([]string, error) {
	return f.known[deviceID], nil
}

type fakeTelemetry struct {
	deviceID string
	rssi     float64
	uptime   float64
	writes   int
}

func (f *fakeTelemetry) WriteHeartbeat(deviceID string, rssiDBm, uptimeSec float64) {
	f.deviceID = deviceID
	f.rssi = rssiDBm
	f.uptime = uptimeSec
	f.writes++
}

type ingestFixture struct {
	hub       *Hub
	groups    *fakeGroups
	devices   *fakeDevices
	telemetry *fakeTelemetry
	ingestor  *Ingestor
}

func newIngestFixture() *ingestFixture {
	hub := testHub()
	groups := &fakeGroups{
		byTopic: map[string]*group.Group{
			"gate-main": {ID: "grp-1", Name: "Main Gate", MQTTTopic: "gate-main"},
		},
		members: map[string][]string{"grp-1": {"usr-a", "usr-b"}},
		admins:  map[string][]string{"grp-1": {"usr-a"}},
	}
	devices := &fakeDevices{
		known: map[string][]string{"AABBCCDDEEFF": {"grp-1"}},
	}
	telemetry := &fakeTelemetry{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &ingestFixture{
		hub:       hub,
		groups:    groups,
		devices:   devices,
		telemetry: telemetry,
		ingestor:  NewIngestor(hub, groups, devices, telemetry, logger),
	}
}

func TestHandleRelayStatusFansOutToMembers(t *testing.T) {
	f := newIngestFixture()
	member := testClient(f.hub, "usr-a")
	other := testClient(f.hub, "usr-z")
	f.hub.Register(member)
	f.hub.Register(other)

	if err := f.ingestor.handleRelayStatus("relay/gate-main/status", []byte(`{"state":"on"}`)); err != nil {
		t.Fatalf("handleRelayStatus: %v", err)
	}

	msg := receive(t, member)
	if msg["type"] != "relay_status" || msg["topic"] != "gate-main" || msg["state"] != "on" {
		t.Errorf("unexpected event: %v", msg)
	}
	assertEmpty(t, other)
}

func TestHandleRelayStatusSkipsRemovedMember(t *testing.T) {
	f := newIngestFixture()
	removed := testClient(f.hub, "usr-b")
	f.hub.Register(removed)

	// Membership is resolved per event, so a removal that lands before
	// the status arrives silences the connection immediately.
	f.groups.members["grp-1"] = []string{"usr-a"}

	if err := f.ingestor.handleRelayStatus("relay/gate-main/status", []byte(`{"state":"on"}`)); err != nil {
		t.Fatalf("handleRelayStatus: %v", err)
	}

	assertEmpty(t, removed)
}

func TestHandleRelayStatusBarePayload(t *testing.T) {
	f := newIngestFixture()
	member := testClient(f.hub, "usr-b")
	f.hub.Register(member)

	if err := f.ingestor.handleRelayStatus("relay/gate-main/status", []byte("OFF")); err != nil {
		t.Fatalf("handleRelayStatus: %v", err)
	}

	msg := receive(t, member)
	if msg["state"] != "off" {
		t.Errorf("state = %v, want off", msg["state"])
	}
}

func TestHandleRelayStatusUnknownTopicIgnored(t *testing.T) {
	f := newIngestFixture()
	member := testClient(f.hub, "usr-a")
	f.hub.Register(member)

	if err := f.ingestor.handleRelayStatus("relay/nobody-home/status", []byte("on")); err != nil {
		t.Fatalf("handleRelayStatus: %v", err)
	}
	assertEmpty(t, member)
}

func TestHandleRelayStatusGarbagePayload(t *testing.T) {
	f := newIngestFixture()
	member := testClient(f.hub, "usr-a")
	f.hub.Register(member)

	if err := f.ingestor.handleRelayStatus("relay/gate-main/status", []byte("definitely-not-a-state")); err != nil {
		t.Fatalf("handleRelayStatus: %v", err)
	}
	assertEmpty(t, member)
}

func TestHandleHeartbeatTouchesAndNotifiesAdmins(t *testing.T) {
	f := newIngestFixture()
	admin := testClient(f.hub, "usr-a")
	member := testClient(f.hub, "usr-b")
	f.hub.Register(admin)
	f.hub.Register(member)

	payload := []byte(`{"fw":"1.4.2","rssi":-61,"uptime":3600}`)
	if err := f.ingestor.handleHeartbeat("sys/devices/AABBCCDDEEFF/heartbeat", payload); err != nil {
		t.Fatalf("handleHeartbeat: %v", err)
	}

	if len(f.devices.touched) != 1 || f.devices.touched[0] != "AABBCCDDEEFF" {
		t.Fatalf("touched = %v, want [AABBCCDDEEFF]", f.devices.touched)
	}
	if f.devices.lastFW != "1.4.2" {
		t.Errorf("fw = %q, want 1.4.2", f.devices.lastFW)
	}
	if f.telemetry.writes != 1 || f.telemetry.rssi != -61 || f.telemetry.uptime != 3600 {
		t.Errorf("telemetry = %+v", f.telemetry)
	}

	msg := receive(t, admin)
	if msg["type"] != "device_status" || msg["device_id"] != "AABBCCDDEEFF" || msg["online"] != true {
		t.Errorf("unexpected event: %v", msg)
	}
	// Plain members do not receive device status.
	assertEmpty(t, member)
}

func TestHandleHeartbeatUnknownDeviceIgnored(t *testing.T) {
	f := newIngestFixture()
	admin := testClient(f.hub, "usr-a")
	f.hub.Register(admin)

	if err := f.ingestor.handleHeartbeat("sys/devices/112233445566/heartbeat", []byte(`{}`)); err != nil {
		t.Fatalf("handleHeartbeat: %v", err)
	}
	if len(f.devices.touched) != 0 {
		t.Errorf("touched = %v, want none", f.devices.touched)
	}
	assertEmpty(t, admin)
}

func TestHandleHeartbeatNilTelemetry(t *testing.T) {
	f := newIngestFixture()
	f.ingestor.telemetry = nil

	if err := f.ingestor.handleHeartbeat("sys/devices/AABBCCDDEEFF/heartbeat", []byte(`{"rssi":-70}`)); err != nil {
		t.Fatalf("handleHeartbeat: %v", err)
	}
}

func TestHandleDeviceStatusOffline(t *testing.T) {
	f := newIngestFixture()
	admin := testClient(f.hub, "usr-a")
	f.hub.Register(admin)

	if err := f.ingestor.handleDeviceStatus("sys/devices/AABBCCDDEEFF/status", []byte("offline")); err != nil {
		t.Fatalf("handleDeviceStatus: %v", err)
	}

	msg := receive(t, admin)
	if msg["online"] != false {
		t.Errorf("online = %v, want false", msg["online"])
	}
	// Offline status must not refresh last-seen.
	if len(f.devices.touched) != 0 {
		t.Errorf("touched = %v, want none", f.devices.touched)
	}
}

func TestHandleDeviceStatusOnlineTouches(t *testing.T) {
	f := newIngestFixture()
	admin := testClient(f.hub, "usr-a")
	f.hub.Register(admin)

	if err := f.ingestor.handleDeviceStatus("sys/devices/AABBCCDDEEFF/status", []byte("online")); err != nil {
		t.Fatalf("handleDeviceStatus: %v", err)
	}

	if len(f.devices.touched) != 1 {
		t.Fatalf("touched = %v, want one entry", f.devices.touched)
	}
	msg := receive(t, admin)
	if msg["online"] != true {
		t.Errorf("online = %v, want true", msg["online"])
	}
}

func TestTopicSegment(t *testing.T) {
	tests := []struct {
		topic  string
		prefix string
		want   string
		ok     bool
	}{
		{"relay/gate-main/status", "relay", "gate-main", true},
		{"sys/devices/AABBCCDDEEFF/heartbeat", "sys/devices", "AABBCCDDEEFF", true},
		{"relay/gate-main", "relay", "", false},
		{"other/gate-main/status", "relay", "", false},
		{"relay//status", "relay", "", false},
	}
	for _, tt := range tests {
		got, ok := topicSegment(tt.topic, tt.prefix)
		if got != tt.want || ok != tt.ok {
			t.Errorf("topicSegment(%q, %q) = (%q, %v), want (%q, %v)",
				tt.topic, tt.prefix, got, ok, tt.want, tt.ok)
		}
	}
}
