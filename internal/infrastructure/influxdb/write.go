package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// All writes are non-blocking: points are batched and flushed in the
// background, and silently dropped when the connection is down.

// WriteRelayTrigger records a relay command: which relay, the action
// ("toggle" or "pulse") and the user who issued it.
func (c *Client) WriteRelayTrigger(relayTopic, action, userID string) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		"relay_trigger",
		map[string]string{"relay": relayTopic, "action": action},
		map[string]interface{}{"user_id": userID, "count": 1},
		time.Now(),
	))
}

// WriteHeartbeat records a controller heartbeat observation with the
// reported WiFi signal strength (dBm) and uptime (seconds).
func (c *Client) WriteHeartbeat(deviceID string, rssiDBm, uptimeSec float64) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		"device_heartbeat",
		map[string]string{"device_id": deviceID},
		map[string]interface{}{"rssi_dbm": rssiDBm, "uptime_sec": uptimeSec},
		time.Now(),
	))
}

// WriteAuthEvent records an authentication outcome ("login",
// "login_failed", "logout") for abuse analysis. The attempted login is
// a field, not a tag, to keep tag cardinality bounded.
func (c *Client) WriteAuthEvent(event, login string) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		"auth_events",
		map[string]string{"event": event},
		map[string]interface{}{"login": login, "count": 1},
		time.Now(),
	))
}
