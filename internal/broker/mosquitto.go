// Package broker manages the MQTT broker's credential and ACL state on
// behalf of device provisioning.
//
// Every operation follows a soft-fail contract: provisioning must not
// fail because the broker's config files are momentarily unwritable or
// the broker is restarting. Callers log the returned error and move on;
// the device retries its connection and a superadmin can re-register it
// if the broker never picked up the grant.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/janitor-project/janitor-core/internal/infrastructure/config"
)

// Reconfigurer grants and revokes per-device broker credentials.
type Reconfigurer interface {
	// GrantDevice writes the device's password entry and ACL section
	// and reloads the broker.
	GrantDevice(ctx context.Context, mqttUser, mqttPass, mac, relayTopic string) error

	// RevokeDevice removes the device's password entry and ACL section
	// and reloads the broker.
	RevokeDevice(ctx context.Context, mqttUser, mac string) error
}

// commandTimeout bounds each mosquitto_passwd invocation.
const commandTimeout = 10 * time.Second

// Mosquitto reconfigures a mosquitto broker through its password file,
// ACL file, and a SIGHUP to the running process.
type Mosquitto struct {
	cfg    config.BrokerConfig
	logger *slog.Logger
}

// NewMosquitto creates a mosquitto reconfigurer.
func NewMosquitto(cfg config.BrokerConfig, logger *slog.Logger) *Mosquitto {
	return &Mosquitto{cfg: cfg, logger: logger}
}

// GrantDevice adds or replaces the device's broker credentials.
// Re-registration overwrites both the password entry and the ACL
// section, so the operation is idempotent per MAC.
func (m *Mosquitto) GrantDevice(ctx context.Context, mqttUser, mqttPass, mac, relayTopic string) error {
	if err := m.setPassword(ctx, mqttUser, mqttPass); err != nil {
		return err
	}
	if err := m.writeACLSection(mac, deviceACLSection(mac, mqttUser, relayTopic)); err != nil {
		return err
	}
	return m.reload()
}

// RevokeDevice removes the device's broker credentials.
func (m *Mosquitto) RevokeDevice(ctx context.Context, mqttUser, mac string) error {
	if err := m.deletePassword(ctx, mqttUser); err != nil {
		return err
	}
	if err := m.writeACLSection(mac, ""); err != nil {
		return err
	}
	return m.reload()
}

// setPassword runs mosquitto_passwd -b, which creates or replaces the entry.
func (m *Mosquitto) setPassword(ctx context.Context, user, pass string) error {
	return m.runPasswd(ctx, "-b", m.cfg.PasswdFile, user, pass)
}

// deletePassword runs mosquitto_passwd -D.
func (m *Mosquitto) deletePassword(ctx context.Context, user string) error {
	return m.runPasswd(ctx, "-D", m.cfg.PasswdFile, user)
}

func (m *Mosquitto) runPasswd(ctx context.Context, args ...string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, m.cfg.PasswdCommand, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %v", m.cfg.PasswdCommand, commandTimeout)
		}
		return fmt.Errorf("running %s: %w (output: %s)",
			m.cfg.PasswdCommand, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// writeACLSection replaces the device's marker-delimited section in the
// ACL file. An empty section removes the device entirely.
func (m *Mosquitto) writeACLSection(mac, section string) error {
	content, err := os.ReadFile(m.cfg.ACLFile)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading ACL file: %w", err)
	}

	updated := replaceACLSection(string(content), mac, section)

	if err := os.WriteFile(m.cfg.ACLFile, []byte(updated), 0o600); err != nil {
		return fmt.Errorf("writing ACL file: %w", err)
	}
	return nil
}

// reload signals the broker to re-read its password and ACL files.
func (m *Mosquitto) reload() error {
	data, err := os.ReadFile(m.cfg.PIDFile)
	if err != nil {
		return fmt.Errorf("reading broker PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parsing broker PID %q: %w", strings.TrimSpace(string(data)), err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding broker process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signalling broker process %d: %w", pid, err)
	}

	m.logger.Debug("broker reloaded", "pid", pid)
	return nil
}

// deviceMarker returns the comment line that opens a device's ACL section.
func deviceMarker(mac string) string {
	return "# Device " + mac
}

// deviceACLSection builds the ACL stanza for one device: it may read
// its trigger topic and write its status outputs, nothing else.
func deviceACLSection(mac, mqttUser, relayTopic string) string {
	var b strings.Builder
	b.WriteString(deviceMarker(mac) + "\n")
	b.WriteString("user " + mqttUser + "\n")
	b.WriteString("topic read relay/" + relayTopic + "/trigger\n")
	b.WriteString("topic write relay/" + relayTopic + "/status\n")
	b.WriteString("topic write sys/devices/" + mac + "/heartbeat\n")
	b.WriteString("topic write sys/devices/" + mac + "/status\n")
	return b.String()
}

// replaceACLSection removes the device's existing section (if any) and
// appends the new one. Sections run from their marker line to the next
// device marker or end of file.
func replaceACLSection(content, mac, section string) string {
	lines := strings.Split(content, "\n")
	marker := deviceMarker(mac)

	var kept []string
	skipping := false
	for _, line := range lines {
		switch {
		case strings.TrimSpace(line) == marker:
			skipping = true
		case skipping && strings.HasPrefix(strings.TrimSpace(line), "# Device "):
			skipping = false
			kept = append(kept, line)
		case !skipping:
			kept = append(kept, line)
		}
	}

	result := strings.TrimRight(strings.Join(kept, "\n"), "\n")
	if section != "" {
		if result != "" {
			result += "\n\n"
		}
		result += strings.TrimRight(section, "\n")
	}
	if result != "" {
		result += "\n"
	}
	return result
}

// Nop is a Reconfigurer that does nothing, for deployments where the
// broker is managed externally.
type Nop struct{}

// GrantDevice is a no-op.
func (Nop) GrantDevice(context.Context, string, string, string, string) error { return nil }

// RevokeDevice is a no-op.
func (Nop) RevokeDevice(context.Context, string, string) error { return nil }
