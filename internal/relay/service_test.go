package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/janitor-project/janitor-core/internal/eventlog"
	"github.com/janitor-project/janitor-core/internal/group"
)

type fakeGroups struct {
	groups  map[string]*group.Group
	members map[string]bool // "userID/groupID"
}

func (f *fakeGroups) GetByID(_ context.Context, id string) (*group.Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return nil, group.ErrGroupNotFound
	}
	return g, nil
}

func (f *fakeGroups) GetMembership(_ context.Context, userID, groupID string) (*group.Membership, error) {
	if !f.members[userID+"/"+groupID] {
		return nil, group.ErrNotMember
	}
	return &group.Membership{UserID: userID, GroupID: groupID, Role: group.RoleUser}, nil
}

type fakeEvents struct {
	entries   []*eventlog.Entry
	lastState map[string]string
}

func (f *fakeEvents) Append(_ context.Context, e *eventlog.Entry) error {
	f.entries = append(f.entries, e)
	if state, ok := e.Payload["state"].(string); ok {
		if f.lastState == nil {
			f.lastState = make(map[string]string)
		}
		f.lastState[e.GroupID] = state
	}
	return nil
}

func (f *fakeEvents) LastRelayState(_ context.Context, groupID string) (string, error) {
	return f.lastState[groupID], nil
}

type fakePublisher struct {
	connected bool
	published []struct {
		topic   string
		payload []byte
	}
	err error
}

func (f *fakePublisher) IsConnected() bool { return f.connected }

func (f *fakePublisher) Publish(topic string, payload []byte, _ byte, _ bool) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, struct {
		topic   string
		payload []byte
	}{topic, payload})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(g *group.Group) (*Service, *fakeGroups, *fakeEvents, *fakePublisher) {
	groups := &fakeGroups{
		groups:  map[string]*group.Group{g.ID: g},
		members: map[string]bool{"usr-1/" + g.ID: true},
	}
	events := &fakeEvents{}
	pub := &fakePublisher{connected: true}
	svc := NewService(groups, events, pub, testLogger())
	return svc, groups, events, pub
}

func TestTriggerToggleAlternates(t *testing.T) {
	g := &group.Group{ID: "grp-1", MQTTTopic: "gate", Status: group.StatusActive}
	svc, _, events, pub := newFixture(g)

	first, err := svc.Trigger(context.Background(), "usr-1", "alice", "grp-1", "10.0.0.1")
	if err != nil {
		t.Fatalf("first Trigger: %v", err)
	}
	if first.State != StateOn {
		t.Errorf("first state = %s, want on", first.State)
	}

	second, err := svc.Trigger(context.Background(), "usr-1", "alice", "grp-1", "10.0.0.1")
	if err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	if second.State != StateOff {
		t.Errorf("second state = %s, want off", second.State)
	}

	third, err := svc.Trigger(context.Background(), "usr-1", "alice", "grp-1", "10.0.0.1")
	if err != nil {
		t.Fatalf("third Trigger: %v", err)
	}
	if third.State != StateOn {
		t.Errorf("third state = %s, want on", third.State)
	}

	if len(events.entries) != 3 {
		t.Errorf("logged %d events, want 3", len(events.entries))
	}
	if len(pub.published) != 3 {
		t.Fatalf("published %d commands, want 3", len(pub.published))
	}
	if pub.published[0].topic != "relay/gate/trigger" {
		t.Errorf("topic = %s, want relay/gate/trigger", pub.published[0].topic)
	}

	var cmd struct {
		Action string `json:"action"`
		State  string `json:"state"`
	}
	if err := json.Unmarshal(pub.published[1].payload, &cmd); err != nil {
		t.Fatalf("parsing command: %v", err)
	}
	if cmd.Action != "toggle" || cmd.State != "off" {
		t.Errorf("second command = %+v, want toggle/off", cmd)
	}
}

func TestTriggerPulse(t *testing.T) {
	g := &group.Group{ID: "grp-1", MQTTTopic: "gate", Status: group.StatusActive, RelayDurationMS: 2000}
	svc, _, _, pub := newFixture(g)

	result, err := svc.Trigger(context.Background(), "usr-1", "alice", "grp-1", "10.0.0.1")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if result.DurationMS != 2000 || result.State != "" {
		t.Errorf("result = %+v, want 2000ms pulse", result)
	}

	var cmd struct {
		Action   string `json:"action"`
		Duration int    `json:"duration"`
	}
	if err := json.Unmarshal(pub.published[0].payload, &cmd); err != nil {
		t.Fatalf("parsing command: %v", err)
	}
	if cmd.Action != "pulse" || cmd.Duration != 2000 {
		t.Errorf("command = %+v, want pulse/2000", cmd)
	}
}

func TestTriggerNonMember(t *testing.T) {
	g := &group.Group{ID: "grp-1", MQTTTopic: "gate", Status: group.StatusActive}
	svc, _, events, _ := newFixture(g)

	_, err := svc.Trigger(context.Background(), "usr-stranger", "mallory", "grp-1", "10.0.0.1")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}
	if len(events.entries) != 0 {
		t.Error("rejected trigger must not be logged as relay_trigger")
	}
}

func TestTriggerUnknownGroup(t *testing.T) {
	g := &group.Group{ID: "grp-1", MQTTTopic: "gate", Status: group.StatusActive}
	svc, _, _, _ := newFixture(g)

	_, err := svc.Trigger(context.Background(), "usr-1", "alice", "grp-missing", "10.0.0.1")
	if !errors.Is(err, group.ErrGroupNotFound) {
		t.Errorf("error = %v, want ErrGroupNotFound", err)
	}
}

func TestTriggerBlockedOrLapsedGroup(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name string
		g    *group.Group
	}{
		{"blocked", &group.Group{ID: "grp-1", MQTTTopic: "gate", Status: group.StatusBlocked}},
		{"expired past grace", &group.Group{
			ID: "grp-1", MQTTTopic: "gate", Status: group.StatusActive,
			ExpiresAt: &past, GraceUntil: &past,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _, _ := newFixture(tt.g)
			_, err := svc.Trigger(context.Background(), "usr-1", "alice", "grp-1", "10.0.0.1")
			if !errors.Is(err, ErrForbidden) {
				t.Errorf("error = %v, want ErrForbidden", err)
			}
		})
	}
}

func TestTriggerExpiredWithinGrace(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	g := &group.Group{
		ID: "grp-1", MQTTTopic: "gate", Status: group.StatusActive,
		ExpiresAt: &past, GraceUntil: &future,
	}
	svc, _, _, _ := newFixture(g)

	if _, err := svc.Trigger(context.Background(), "usr-1", "alice", "grp-1", "10.0.0.1"); err != nil {
		t.Errorf("trigger within grace: %v", err)
	}
}

func TestTriggerBrokerDown(t *testing.T) {
	g := &group.Group{ID: "grp-1", MQTTTopic: "gate", Status: group.StatusActive}
	svc, _, events, pub := newFixture(g)
	pub.connected = false

	result, err := svc.Trigger(context.Background(), "usr-1", "alice", "grp-1", "10.0.0.1")
	if err != nil {
		t.Fatalf("Trigger with broker down: %v", err)
	}
	if result.Delivered {
		t.Error("Delivered = true with broker down")
	}
	// The trigger is still authoritative in the log.
	if len(events.entries) != 1 {
		t.Errorf("logged %d events, want 1", len(events.entries))
	}

	// State keeps alternating from the log even while offline.
	second, err := svc.Trigger(context.Background(), "usr-1", "alice", "grp-1", "10.0.0.1")
	if err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	if second.State != StateOff {
		t.Errorf("second state = %s, want off", second.State)
	}
}

func TestTriggerNilPublisher(t *testing.T) {
	g := &group.Group{ID: "grp-1", MQTTTopic: "gate", Status: group.StatusActive}
	groups := &fakeGroups{
		groups:  map[string]*group.Group{g.ID: g},
		members: map[string]bool{"usr-1/grp-1": true},
	}
	svc := NewService(groups, &fakeEvents{}, nil, testLogger())

	result, err := svc.Trigger(context.Background(), "usr-1", "alice", "grp-1", "10.0.0.1")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if result.Delivered {
		t.Error("Delivered = true with nil publisher")
	}
}
