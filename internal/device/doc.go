// Package device manages the relay controller fleet: provisioning via
// pairing codes, per-device broker credentials, group bindings, and
// liveness tracking.
//
// # Provisioning
//
// A group administrator generates a six-digit pairing code (24-hour
// validity, one code per group). The controller posts that code with
// its MAC address; the service normalizes the MAC, mints broker
// credentials, binds the chosen relay output to the group, and hands
// the credentials back in the registration response. The code is
// consumed on first use, success or not.
//
// Broker-side configuration (password entry, ACL section, reload) is
// delegated to internal/broker and treated as best-effort: a broker
// hiccup must not strand an installer on a ladder.
//
// # Liveness
//
// A device is online when it has been heard from in the last two
// minutes, whether over its MQTT heartbeat or the HTTP fallback.
package device
