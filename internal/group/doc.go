// Package group manages relay groups and their memberships.
//
// A group is the unit of entitlement: it owns one MQTT relay channel,
// a relay mode (toggle or timed pulse), and the set of users allowed
// to operate it. Group administrators manage ordinary members inside a
// per-group quota; system-wide administration is the auth package's
// concern.
//
// # Lifecycle
//
// Groups are active, blocked, or expired. A blocked group rejects
// relay commands immediately. An expired group keeps working until its
// grace period lapses, giving operators room to renew without cutting
// tenants off mid-day.
//
// Ordinary user accounts exist only through their memberships: removing
// a user's last membership deletes the account. Admin and superadmin
// accounts are exempt from this cleanup.
package group
