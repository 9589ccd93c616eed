package influxdb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/janitor-project/janitor-core/internal/infrastructure/config"
	"github.com/janitor-project/janitor-core/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for the local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "janitor-dev-token",
		Org:           "janitor",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running.
func skipIfNoInfluxDB(t *testing.T) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skip("InfluxDB not available, skipping integration test")
	}
	return client
}

func TestConnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestWriteTelemetry(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	defer client.Close()

	var writeErr error
	client.SetOnError(func(err error) { writeErr = err })

	client.WriteRelayTrigger("gate-main", "toggle", "usr-test0001")
	client.WriteHeartbeat("dev-test0001", -61, 3600)
	client.WriteAuthEvent("login", "alice")
	client.Flush()

	time.Sleep(100 * time.Millisecond)
	if writeErr != nil {
		t.Errorf("async write error = %v", writeErr)
	}
}

func TestCloseStopsWrites(t *testing.T) {
	client := skipIfNoInfluxDB(t)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}

	// Writes after close are silently dropped.
	client.WriteRelayTrigger("gate-main", "pulse", "usr-test0001")
	client.Flush()
}
