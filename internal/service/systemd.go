// Package service installs and controls the systemd units that keep the
// orchestrator running across reboots: a oneshot apply unit for boot-time
// reconciliation and the long-lived forward daemon unit.
package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/vortexl2/vortexl2/internal/tunnel"
)

const (
	// ApplyUnit reconciles tunnels and forwards once at boot.
	ApplyUnit = "vortexl2-apply.service"
	// DaemonUnit runs the forward daemon.
	DaemonUnit = "vortexl2-daemon.service"

	defaultUnitDir = "/etc/systemd/system"
)

// Manager writes unit files and drives systemctl.
type Manager struct {
	run     tunnel.Runner
	log     *slog.Logger
	unitDir string
	binPath string
}

// New creates a Manager controlling units for the binary at binPath. If
// binPath is empty the current executable's path is used.
func New(run tunnel.Runner, binPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if binPath == "" {
		if exe, err := os.Executable(); err == nil {
			binPath = exe
		} else {
			binPath = "/usr/local/bin/vortexl2"
		}
	}
	return &Manager{
		run:     run,
		log:     logger.With("component", "service"),
		unitDir: defaultUnitDir,
		binPath: binPath,
	}
}

func applyUnitContent(bin string) string {
	return fmt.Sprintf(`[Unit]
Description=VortexL2 boot-time apply
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
ExecStart=%s apply --all
RemainAfterExit=yes

[Install]
WantedBy=multi-user.target
`, bin)
}

func daemonUnitContent(bin string) string {
	return fmt.Sprintf(`[Unit]
Description=VortexL2 forward daemon
After=network-online.target vortexl2-apply.service
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s daemon
Restart=on-failure
RestartSec=3

[Install]
WantedBy=multi-user.target
`, bin)
}

// Install writes both unit files and enables them. Re-running with
// unchanged content is a no-op apart from the enable calls, which systemd
// treats as idempotent.
func (m *Manager) Install(ctx context.Context) error {
	units := []struct {
		name    string
		content string
	}{
		{ApplyUnit, applyUnitContent(m.binPath)},
		{DaemonUnit, daemonUnitContent(m.binPath)},
	}
	changed := false
	for _, u := range units {
		name, content := u.name, u.content
		path := filepath.Join(m.unitDir, name)
		existing, err := os.ReadFile(path)
		if err == nil && bytes.Equal(existing, []byte(content)) {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		m.log.Info("unit file written", "unit", name)
		changed = true
	}
	if changed {
		if out, err := m.run.Run(ctx, "systemctl", "daemon-reload"); err != nil {
			return fmt.Errorf("systemd daemon-reload: %w: %s", err, strings.TrimSpace(out))
		}
	}
	for _, u := range units {
		if out, err := m.run.Run(ctx, "systemctl", "enable", u.name); err != nil {
			return fmt.Errorf("enabling %s: %w: %s", u.name, err, strings.TrimSpace(out))
		}
	}
	return nil
}

// Start starts the daemon unit (the apply unit is boot-only).
func (m *Manager) Start(ctx context.Context) error {
	if out, err := m.run.Run(ctx, "systemctl", "start", DaemonUnit); err != nil {
		return fmt.Errorf("starting %s: %w: %s", DaemonUnit, err, strings.TrimSpace(out))
	}
	return nil
}

// Stop stops the daemon unit.
func (m *Manager) Stop(ctx context.Context) error {
	if out, err := m.run.Run(ctx, "systemctl", "stop", DaemonUnit); err != nil {
		return fmt.Errorf("stopping %s: %w: %s", DaemonUnit, err, strings.TrimSpace(out))
	}
	return nil
}

// UnitStatus is a summary of one unit's state.
type UnitStatus struct {
	Unit      string
	Installed bool
	Active    string // systemctl is-active output, e.g. "active", "inactive"
}

// Status reports both units.
func (m *Manager) Status(ctx context.Context) ([]UnitStatus, error) {
	out := make([]UnitStatus, 0, 2)
	for _, name := range []string{ApplyUnit, DaemonUnit} {
		st := UnitStatus{Unit: name}
		if _, err := os.Stat(filepath.Join(m.unitDir, name)); err == nil {
			st.Installed = true
		}
		// is-active exits nonzero for inactive units; the output still names
		// the state, so the error itself is not interesting.
		active, _ := m.run.Run(ctx, "systemctl", "is-active", name)
		st.Active = strings.TrimSpace(active)
		if st.Active == "" {
			st.Active = "unknown"
		}
		out = append(out, st)
	}
	return out, nil
}
