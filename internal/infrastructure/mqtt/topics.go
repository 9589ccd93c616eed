package mqtt

import "fmt"

// Topic prefixes for the janitor MQTT namespace.
//
// Relay controllers publish and subscribe under relay/{topic}/..., where
// {topic} is the per-device MQTT topic segment assigned at provisioning.
// Device lifecycle traffic (heartbeats, online/offline status) lives under
// sys/devices/{mac}/....
const (
	// TopicPrefixRelay is the base for relay command and state topics.
	TopicPrefixRelay = "relay"

	// TopicPrefixDevices is the base for device lifecycle topics.
	TopicPrefixDevices = "sys/devices"

	// TopicPrefixSystem is the base for core service status topics.
	TopicPrefixSystem = "sys/core"
)

// Topics provides builders for janitor MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	trigger := topics.RelayTrigger("gate-main")
//	// Returns: "relay/gate-main/trigger"
type Topics struct{}

// RelayTrigger returns the command topic for a relay channel.
//
// Example: relay/gate-main/trigger
func (Topics) RelayTrigger(topic string) string {
	return fmt.Sprintf("%s/%s/trigger", TopicPrefixRelay, topic)
}

// RelayStatus returns the state report topic for a relay channel.
//
// Example: relay/gate-main/status
func (Topics) RelayStatus(topic string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixRelay, topic)
}

// DeviceHeartbeat returns the heartbeat topic for a controller.
// The mac is the normalised 12-character form without separators.
//
// Example: sys/devices/AABBCCDDEEFF/heartbeat
func (Topics) DeviceHeartbeat(mac string) string {
	return fmt.Sprintf("%s/%s/heartbeat", TopicPrefixDevices, mac)
}

// DeviceStatus returns the online/offline status topic for a controller.
//
// Example: sys/devices/AABBCCDDEEFF/status
func (Topics) DeviceStatus(mac string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevices, mac)
}

// SystemStatus returns the core service status topic.
// The service publishes a retained online payload here, and the broker
// publishes the LWT offline payload on unclean disconnect.
//
// Example: sys/core/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllRelayStatus returns a pattern matching every relay state report.
//
// Pattern: relay/+/status
func (Topics) AllRelayStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixRelay)
}

// AllDeviceHeartbeats returns a pattern matching every controller heartbeat.
//
// Pattern: sys/devices/+/heartbeat
func (Topics) AllDeviceHeartbeats() string {
	return fmt.Sprintf("%s/+/heartbeat", TopicPrefixDevices)
}

// AllDeviceStatus returns a pattern matching every controller status topic.
//
// Pattern: sys/devices/+/status
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixDevices)
}
