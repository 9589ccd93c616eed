// Package influxdb provides InfluxDB connectivity for the janitor core.
//
// It wraps the official influxdb-client-go v2 library with janitor-specific
// patterns for connection management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series telemetry for:
//   - Relay command volume per device and user
//   - Controller heartbeats (signal strength, uptime)
//   - Authentication outcomes for abuse analysis
//
// The sink is optional; when disabled in config the rest of the service
// runs without it and callers hold a nil client.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "janitor",
//	    Bucket:  "telemetry",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteRelayTrigger("dev-3f2a91c4", "gate-main", "toggle", "usr-9b1c22d0")
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
package influxdb
