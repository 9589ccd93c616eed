package bridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/janitor-project/janitor-core/internal/infrastructure/config"
)

func testHub() *Hub {
	cfg := config.WebSocketConfig{
		MaxMessageSize: 1024,
		PingInterval:   30,
		PongTimeout:    10,
	}
	return NewHub(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// testClient builds a client without a network connection. Hub
// bookkeeping and push delivery never touch the conn.
func testClient(hub *Hub, userID string) *Client {
	return NewClient(hub, nil, userID)
}

func receive(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data := <-c.send:
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshalling pushed event: %v", err)
		}
		return msg
	default:
		t.Fatal("expected a pushed event, send buffer empty")
		return nil
	}
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected event: %s", data)
	default:
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := testHub()

	a1 := testClient(hub, "usr-a")
	a2 := testClient(hub, "usr-a")
	b := testClient(hub, "usr-b")

	hub.Register(a1)
	hub.Register(a2)
	hub.Register(b)

	if got := hub.ConnectionCount(); got != 3 {
		t.Fatalf("ConnectionCount = %d, want 3", got)
	}

	hub.Unregister(a1)
	if got := hub.ConnectionCount(); got != 2 {
		t.Fatalf("ConnectionCount after unregister = %d, want 2", got)
	}

	// Unregistering twice must not panic on a double channel close.
	hub.Unregister(a1)
	if got := hub.ConnectionCount(); got != 2 {
		t.Fatalf("ConnectionCount after repeat unregister = %d, want 2", got)
	}
}

func TestHubPushToUsersFansOutPerUser(t *testing.T) {
	hub := testHub()

	a1 := testClient(hub, "usr-a")
	a2 := testClient(hub, "usr-a")
	b := testClient(hub, "usr-b")
	c := testClient(hub, "usr-c")

	for _, cl := range []*Client{a1, a2, b, c} {
		hub.Register(cl)
	}

	hub.PushToUsers([]string{"usr-a", "usr-b"}, NewRelayStatus("gate-main", "on"))

	for _, cl := range []*Client{a1, a2, b} {
		msg := receive(t, cl)
		if msg["type"] != "relay_status" {
			t.Errorf("type = %v, want relay_status", msg["type"])
		}
		if msg["topic"] != "gate-main" || msg["state"] != "on" {
			t.Errorf("unexpected payload: %v", msg)
		}
		if msg["ts"] == "" {
			t.Error("ts is empty")
		}
	}
	assertEmpty(t, c)
}

func TestHubPushToUnknownUserIsNoop(t *testing.T) {
	hub := testHub()
	hub.PushToUser("usr-ghost", NewDeviceStatus("AABBCCDDEEFF", true))
}

func TestHubPushAfterDisconnectIsDropped(t *testing.T) {
	hub := testHub()
	c := testClient(hub, "usr-a")
	hub.Register(c)
	hub.Unregister(c)

	// Channel is closed; trySend must absorb the panic.
	hub.PushToUser("usr-a", NewRelayStatus("gate-main", "off"))
}

func TestHubPushFullBufferDrops(t *testing.T) {
	hub := testHub()
	c := testClient(hub, "usr-a")
	hub.Register(c)

	for i := 0; i < sendBufferSize+10; i++ {
		hub.PushToUser("usr-a", NewRelayStatus("gate-main", "on"))
	}

	if got := len(c.send); got != sendBufferSize {
		t.Fatalf("buffered = %d, want %d", got, sendBufferSize)
	}
}

func TestConnectedEvent(t *testing.T) {
	hub := testHub()
	client := testClient(hub, "usr-a")
	hub.Register(client)

	client.Send(NewConnected())

	msg := receive(t, client)
	if msg["type"] != "connected" {
		t.Errorf("type = %v, want connected", msg["type"])
	}
	if msg["ts"] == "" {
		t.Error("connected event missing timestamp")
	}
}

func TestPingPayloadShape(t *testing.T) {
	var msg map[string]any
	if err := json.Unmarshal(pingPayload, &msg); err != nil {
		t.Fatalf("unmarshalling ping payload: %v", err)
	}
	if msg["type"] != "ping" {
		t.Errorf("type = %v, want ping", msg["type"])
	}
}

func TestDeviceStatusEvent(t *testing.T) {
	ev := NewDeviceStatus("AABBCCDDEEFF", false)
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != "device_status" {
		t.Errorf("type = %v, want device_status", msg["type"])
	}
	if msg["device_id"] != "AABBCCDDEEFF" {
		t.Errorf("device_id = %v", msg["device_id"])
	}
	if msg["online"] != false {
		t.Errorf("online = %v, want false", msg["online"])
	}
}
