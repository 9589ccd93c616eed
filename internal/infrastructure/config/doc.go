// Package config loads the YAML configuration file, applies JANITOR_*
// environment overrides, and validates the result once at startup.
// Secrets (JWT signing key, broker credentials, InfluxDB token) belong
// in environment variables, not in the file.
package config
