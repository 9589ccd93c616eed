// Package auth provides authentication and session management for janitor core.
//
// It implements a 3-tier role model (user → admin → superadmin) with:
//   - Argon2id password hashing (OWASP 2025 recommendation)
//   - Short-lived JWT access credentials carrying a token version that is
//     cross-checked against the live account row on every request
//   - Opaque single-use refresh credentials with a sliding 90-day window,
//     rotated by wholesale row replacement so a replay fails closed
//   - An optional single-session policy: flagged accounts can hold only
//     one refresh session, and a second login is rejected rather than
//     evicting the first
//
// Authorisation over other accounts is group-mediated: admins govern the
// users they share a group with (where the admin holds group admin
// status), while superadmins bypass group checks entirely. The policy
// functions in this package take the resolved group facts as inputs and
// stay free of storage concerns.
package auth
