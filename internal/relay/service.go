// Package relay is the command gateway between authenticated users and
// the relay controllers on the MQTT bus.
//
// A trigger request is authorised against group membership and the
// group's lifecycle state, resolved into a toggle or pulse command,
// published best-effort, and recorded in the event log. The event log
// entry is the authoritative trigger record: toggle groups derive their
// next state from it, so a trigger that cannot be logged fails even
// when the publish went out.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/janitor-project/janitor-core/internal/eventlog"
	"github.com/janitor-project/janitor-core/internal/group"
	"github.com/janitor-project/janitor-core/internal/infrastructure/mqtt"
)

// Relay states for toggle groups.
const (
	StateOn  = "on"
	StateOff = "off"
)

// ErrForbidden is returned when the user may not trigger the group.
// Missing membership and a blocked or lapsed group look identical to
// the caller.
var ErrForbidden = errors.New("relay trigger not permitted")

// ErrTransportUnavailable marks a trigger that was accepted and logged
// but could not be published to the broker.
var ErrTransportUnavailable = errors.New("mqtt transport unavailable")

// Publisher is the MQTT surface the gateway needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// GroupStore resolves groups and memberships for authorisation.
type GroupStore interface {
	GetByID(ctx context.Context, id string) (*group.Group, error)
	GetMembership(ctx context.Context, userID, groupID string) (*group.Membership, error)
}

// EventStore records triggers and serves toggle state.
type EventStore interface {
	Append(ctx context.Context, e *eventlog.Entry) error
	LastRelayState(ctx context.Context, groupID string) (string, error)
}

// Telemetry receives fire-and-forget trigger metrics. Optional.
type Telemetry interface {
	WriteRelayTrigger(relayTopic, action, userID string)
}

// Result describes the command that was issued.
type Result struct {
	// State is the new relay state for toggle groups, empty for pulses.
	State string `json:"state,omitempty"`

	// DurationMS is the pulse length for pulse groups, zero for toggles.
	DurationMS int `json:"duration_ms,omitempty"`

	// Delivered is false when the command was logged but the broker
	// was unreachable.
	Delivered bool `json:"delivered"`
}

// Service authorises and dispatches relay commands.
type Service struct {
	groups    GroupStore
	events    EventStore
	publisher Publisher
	telemetry Telemetry
	topics    mqtt.Topics
	logger    *slog.Logger
}

// NewService creates a relay command gateway. publisher may be nil when
// the broker connection is disabled; triggers are then logged only.
func NewService(groups GroupStore, events EventStore, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		groups:    groups,
		events:    events,
		publisher: publisher,
		logger:    logger,
	}
}

// SetTelemetry attaches a metrics sink for triggered commands.
func (s *Service) SetTelemetry(t Telemetry) {
	s.telemetry = t
}

// Trigger fires the group's relay on behalf of a user.
//
// The user must be a member and the group must be operational. Toggle
// groups (relay_duration_ms == 0) flip the last logged state; pulse
// groups send their configured duration. Publish failures do not fail
// the call: the trigger is logged and Result.Delivered reports what
// happened on the wire.
func (s *Service) Trigger(ctx context.Context, userID, login, groupID, ip string) (*Result, error) {
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if _, err := s.groups.GetMembership(ctx, userID, groupID); err != nil {
		if errors.Is(err, group.ErrNotMember) {
			return nil, ErrForbidden
		}
		return nil, err
	}

	if !g.Operational(time.Now()) {
		return nil, ErrForbidden
	}

	var (
		command map[string]any
		action  string
	)
	result := &Result{}

	if g.RelayDurationMS == 0 {
		last, err := s.events.LastRelayState(ctx, groupID)
		if err != nil {
			return nil, err
		}
		next := StateOn
		if last == StateOn {
			next = StateOff
		}
		action = "toggle"
		command = map[string]any{"action": action, "state": next}
		result.State = next
	} else {
		action = "pulse"
		command = map[string]any{"action": action, "duration": g.RelayDurationMS}
		result.DurationMS = g.RelayDurationMS
	}

	result.Delivered = s.publish(g.MQTTTopic, command)

	entry := &eventlog.Entry{
		ActorID:    userID,
		ActorLogin: login,
		Action:     eventlog.ActionRelayTrigger,
		TargetType: "group",
		TargetID:   groupID,
		GroupID:    groupID,
		Payload:    command,
		IP:         ip,
	}
	if err := s.events.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("recording trigger: %w", err)
	}

	if s.telemetry != nil {
		s.telemetry.WriteRelayTrigger(g.MQTTTopic, action, userID)
	}

	s.logger.Info("relay triggered",
		"group_id", groupID,
		"topic", g.MQTTTopic,
		"user", login,
		"delivered", result.Delivered,
	)

	return result, nil
}

// publish sends the command to relay/<topic>/trigger. Returns false on
// any failure; the error is logged, never propagated.
func (s *Service) publish(topic string, command map[string]any) bool {
	if s.publisher == nil || !s.publisher.IsConnected() {
		s.logger.Warn("relay command not delivered", "topic", topic, "reason", ErrTransportUnavailable)
		return false
	}

	payload, err := json.Marshal(command)
	if err != nil {
		s.logger.Error("marshalling relay command", "topic", topic, "error", err)
		return false
	}

	if err := s.publisher.Publish(s.topics.RelayTrigger(topic), payload, 1, false); err != nil {
		s.logger.Warn("relay command not delivered", "topic", topic, "error", err)
		return false
	}
	return true
}
