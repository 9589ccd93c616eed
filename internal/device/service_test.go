package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/janitor-project/janitor-core/internal/eventlog"
	"github.com/janitor-project/janitor-core/internal/group"
)

type fakeGroups struct {
	groups map[string]*group.Group
}

func (f *fakeGroups) GetByID(_ context.Context, id string) (*group.Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return nil, group.ErrGroupNotFound
	}
	return g, nil
}

type fakeEvents struct {
	entries []*eventlog.Entry
}

func (f *fakeEvents) Append(_ context.Context, e *eventlog.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakeReconfigurer struct {
	grants  []string // "user/mac/topic"
	revokes []string // "user/mac"
	err     error
}

func (f *fakeReconfigurer) GrantDevice(_ context.Context, user, _, mac, topic string) error {
	if f.err != nil {
		return f.err
	}
	f.grants = append(f.grants, user+"/"+mac+"/"+topic)
	return nil
}

func (f *fakeReconfigurer) RevokeDevice(_ context.Context, user, mac string) error {
	if f.err != nil {
		return f.err
	}
	f.revokes = append(f.revokes, user+"/"+mac)
	return nil
}

func newFixture(t *testing.T) (*Service, *SQLiteRepository, *fakeEvents, *fakeReconfigurer) {
	t.Helper()
	db := testDB(t)
	seedGroup(t, db, "grp-1", "gate-main")

	repo := New(db)
	groups := &fakeGroups{groups: map[string]*group.Group{
		"grp-1": {ID: "grp-1", Name: "Gate", MQTTTopic: "gate-main", Status: group.StatusActive},
	}}
	events := &fakeEvents{}
	reconfig := &fakeReconfigurer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewService(repo, groups, events, reconfig, "broker.example", 8883, logger)
	return svc, repo, events, reconfig
}

func TestGeneratePairingCode(t *testing.T) {
	svc, repo, events, _ := newFixture(t)

	p, err := svc.GeneratePairingCode(context.Background(), "grp-1", "usr-1", "alice")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}
	if len(p.Code) != 6 {
		t.Errorf("code = %q, want 6 digits", p.Code)
	}
	for _, c := range p.Code {
		if c < '0' || c > '9' {
			t.Errorf("code %q contains non-digit", p.Code)
		}
	}
	if p.Expired(time.Now()) {
		t.Error("fresh code already expired")
	}

	if _, err := repo.GetPairingCodeByCode(context.Background(), p.Code); err != nil {
		t.Errorf("stored code lookup: %v", err)
	}
	if len(events.entries) != 1 || events.entries[0].Action != eventlog.ActionPairingCode {
		t.Errorf("events = %+v", events.entries)
	}

	// Regeneration replaces the code.
	p2, err := svc.GeneratePairingCode(context.Background(), "grp-1", "usr-1", "alice")
	if err != nil {
		t.Fatalf("second GeneratePairingCode: %v", err)
	}
	if p2.Code != p.Code {
		if _, err := repo.GetPairingCodeByCode(context.Background(), p.Code); !errors.Is(err, ErrInvalidOrExpiredCode) {
			t.Errorf("old code still valid after regeneration")
		}
	}
}

func TestGeneratePairingCodeUnknownGroup(t *testing.T) {
	svc, _, _, _ := newFixture(t)

	_, err := svc.GeneratePairingCode(context.Background(), "grp-missing", "usr-1", "alice")
	if !errors.Is(err, group.ErrGroupNotFound) {
		t.Errorf("error = %v, want ErrGroupNotFound", err)
	}
}

func TestRegister(t *testing.T) {
	svc, repo, events, reconfig := newFixture(t)

	p, err := svc.GeneratePairingCode(context.Background(), "grp-1", "usr-1", "alice")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}

	creds, err := svc.Register(context.Background(), p.Code, "aa:bb:cc:dd:ee:ff", 0, "1.2.0")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if creds.MQTTUser != "esp_AABBCCDDEEFF" {
		t.Errorf("MQTTUser = %s", creds.MQTTUser)
	}
	if len(creds.MQTTPass) != 24 {
		t.Errorf("secret length = %d, want 24", len(creds.MQTTPass))
	}
	if strings.ContainsAny(creds.MQTTPass, "0O1lI") {
		t.Errorf("secret %q contains ambiguous characters", creds.MQTTPass)
	}
	if creds.MQTTHost != "broker.example" || creds.MQTTPort != 8883 {
		t.Errorf("broker endpoint = %s:%d", creds.MQTTHost, creds.MQTTPort)
	}
	if creds.RelayTopic != "relay/gate-main/trigger" ||
		creds.StatusTopic != "relay/gate-main/status" ||
		creds.HeartbeatTopic != "sys/devices/AABBCCDDEEFF/heartbeat" {
		t.Errorf("topics = %+v", creds)
	}

	// Device row, binding, and broker grant all landed.
	d, err := repo.Get(context.Background(), "AABBCCDDEEFF")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.FWVersion != "1.2.0" {
		t.Errorf("FWVersion = %s", d.FWVersion)
	}
	groups, err := repo.GroupIDsForDevice(context.Background(), "AABBCCDDEEFF")
	if err != nil || len(groups) != 1 || groups[0] != "grp-1" {
		t.Errorf("bindings = %v, %v", groups, err)
	}
	if len(reconfig.grants) != 1 || reconfig.grants[0] != "esp_AABBCCDDEEFF/AABBCCDDEEFF/gate-main" {
		t.Errorf("grants = %v", reconfig.grants)
	}

	var registered bool
	for _, e := range events.entries {
		if e.Action == eventlog.ActionDeviceRegistered && e.TargetID == "AABBCCDDEEFF" {
			registered = true
		}
	}
	if !registered {
		t.Error("device_registered event missing")
	}

	// The code is consumed.
	if _, err := svc.Register(context.Background(), p.Code, "11:22:33:44:55:66", 0, ""); !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Errorf("reused code = %v, want ErrInvalidOrExpiredCode", err)
	}
}

func TestRegisterInvalidMAC(t *testing.T) {
	svc, _, _, _ := newFixture(t)

	p, err := svc.GeneratePairingCode(context.Background(), "grp-1", "usr-1", "alice")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}

	if _, err := svc.Register(context.Background(), p.Code, "not-a-mac", 0, ""); !errors.Is(err, ErrInvalidMAC) {
		t.Errorf("error = %v, want ErrInvalidMAC", err)
	}
}

func TestRegisterExpiredCode(t *testing.T) {
	svc, repo, _, _ := newFixture(t)

	expired := &PairingCode{
		GroupID:   "grp-1",
		Code:      "111111",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := repo.UpsertPairingCode(context.Background(), expired); err != nil {
		t.Fatalf("UpsertPairingCode: %v", err)
	}

	_, err := svc.Register(context.Background(), "111111", "AA:BB:CC:DD:EE:FF", 0, "")
	if !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Errorf("error = %v, want ErrInvalidOrExpiredCode", err)
	}

	// An expired code is burned by the attempt.
	if _, err := repo.GetPairingCodeByCode(context.Background(), "111111"); !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Error("expired code not consumed")
	}
}

func TestRegisterUnknownCode(t *testing.T) {
	svc, _, _, _ := newFixture(t)

	_, err := svc.Register(context.Background(), "000000", "AA:BB:CC:DD:EE:FF", 0, "")
	if !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Errorf("error = %v, want ErrInvalidOrExpiredCode", err)
	}
}

func TestRegisterBrokerFailureSoft(t *testing.T) {
	svc, _, _, reconfig := newFixture(t)
	reconfig.err = errors.New("broker offline")

	p, err := svc.GeneratePairingCode(context.Background(), "grp-1", "usr-1", "alice")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}

	creds, err := svc.Register(context.Background(), p.Code, "AA:BB:CC:DD:EE:FF", 0, "")
	if err != nil {
		t.Fatalf("Register with broker down: %v", err)
	}
	if creds.MQTTPass == "" {
		t.Error("credentials must be issued despite broker failure")
	}
}

func TestRegisterRotatesCredentials(t *testing.T) {
	svc, repo, _, _ := newFixture(t)

	p, err := svc.GeneratePairingCode(context.Background(), "grp-1", "usr-1", "alice")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}
	first, err := svc.Register(context.Background(), p.Code, "AA:BB:CC:DD:EE:FF", 0, "1.0")
	if err != nil {
		t.Fatalf("first Register: %v", err)
	}

	p2, err := svc.GeneratePairingCode(context.Background(), "grp-1", "usr-1", "alice")
	if err != nil {
		t.Fatalf("second GeneratePairingCode: %v", err)
	}
	second, err := svc.Register(context.Background(), p2.Code, "AA:BB:CC:DD:EE:FF", 0, "1.1")
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}

	if first.MQTTPass == second.MQTTPass {
		t.Error("re-registration did not rotate the secret")
	}

	devices, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(devices) != 1 {
		t.Errorf("len(devices) = %d, want 1 (same MAC)", len(devices))
	}
}

func TestHeartbeat(t *testing.T) {
	svc, repo, _, _ := newFixture(t)

	p, err := svc.GeneratePairingCode(context.Background(), "grp-1", "usr-1", "alice")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}
	if _, err := svc.Register(context.Background(), p.Code, "AA:BB:CC:DD:EE:FF", 0, "1.0"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := svc.Heartbeat(context.Background(), "aa:bb:cc:dd:ee:ff", "1.1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	d, err := repo.Get(context.Background(), "AABBCCDDEEFF")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !d.Online(time.Now()) {
		t.Error("device offline after heartbeat")
	}
	if d.FWVersion != "1.1" {
		t.Errorf("FWVersion = %s, want 1.1", d.FWVersion)
	}

	if err := svc.Heartbeat(context.Background(), "00:11:22:33:44:55", ""); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unknown device = %v, want ErrDeviceNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	svc, repo, events, reconfig := newFixture(t)

	p, err := svc.GeneratePairingCode(context.Background(), "grp-1", "usr-1", "alice")
	if err != nil {
		t.Fatalf("GeneratePairingCode: %v", err)
	}
	if _, err := svc.Register(context.Background(), p.Code, "AA:BB:CC:DD:EE:FF", 0, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := svc.Remove(context.Background(), "AABBCCDDEEFF", "usr-root", "root"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := repo.Get(context.Background(), "AABBCCDDEEFF"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("device still present: %v", err)
	}
	if len(reconfig.revokes) != 1 || reconfig.revokes[0] != "esp_AABBCCDDEEFF/AABBCCDDEEFF" {
		t.Errorf("revokes = %v", reconfig.revokes)
	}

	var deleted bool
	for _, e := range events.entries {
		if e.Action == eventlog.ActionDeviceDeleted {
			deleted = true
		}
	}
	if !deleted {
		t.Error("device_deleted event missing")
	}
}
