package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/vortexl2/vortexl2/internal/config"
)

// DefaultMeshBinary is where the installer places the mesh peer binary.
const DefaultMeshBinary = "/usr/local/bin/easytier-core"

// processLister enumerates running process command lines. The real
// implementation uses gopsutil; tests substitute a fixed list.
type processLister interface {
	Cmdlines(ctx context.Context) ([]string, error)
}

type gopsutilProcs struct{}

func (gopsutilProcs) Cmdlines(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			// Processes exit while we enumerate; skip them.
			continue
		}
		lines = append(lines, cmdline)
	}
	return lines, nil
}

// MeshDriver runs one mesh (EasyTier) peer process per tunnel as a
// supervised systemd unit. The unit file is regenerated from the record;
// a content change implies a parameter change and triggers a restart.
type MeshDriver struct {
	run     Runner
	links   linkOps
	procs   processLister
	log     *slog.Logger
	unitDir string
	binPath string
}

// NewMeshDriver creates the mesh driver with production defaults.
func NewMeshDriver(logger *slog.Logger) *MeshDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeshDriver{
		run:     ExecRunner{},
		links:   defaultLinkOps(),
		procs:   gopsutilProcs{},
		log:     logger.With("component", "mesh"),
		unitDir: "/etc/systemd/system",
		binPath: DefaultMeshBinary,
	}
}

func (d *MeshDriver) Kind() config.TunnelKind { return config.KindMesh }

func (d *MeshDriver) unitName(t *config.Tunnel) string {
	return "vortexl2-mesh-" + t.ID + ".service"
}

func (d *MeshDriver) unitPath(t *config.Tunnel) string {
	return filepath.Join(d.unitDir, d.unitName(t))
}

// renderUnit produces the systemd unit that supervises the peer process.
// The command line encodes every tunnel parameter, so byte-comparing the
// rendered unit against the installed one detects parameter changes.
func (d *MeshDriver) renderUnit(t *config.Tunnel) string {
	p := t.Mesh
	cmd := []string{
		d.binPath,
		"-i", p.OverlayIP,
		"--hostname", t.ID,
		"--network-secret", p.Secret,
		"--default-protocol", "tcp",
		"--listeners", fmt.Sprintf("tcp://0.0.0.0:%d", p.ListenPort),
		"--multi-thread",
		"--dev-name", t.InterfaceName(),
	}
	if p.PeerAddr != "" {
		cmd = append(cmd, "--peers", fmt.Sprintf("tcp://%s:%d", p.PeerAddr, p.ListenPort))
	}
	return fmt.Sprintf(`[Unit]
Description=vortexl2 mesh tunnel %s
After=network.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`, t.ID, strings.Join(cmd, " "))
}

func (d *MeshDriver) EnsureUp(ctx context.Context, t *config.Tunnel) (ObservedState, error) {
	if _, err := os.Stat(d.binPath); err != nil {
		return ObservedState{Link: LinkAbsent}, opErr(t.ID, "check mesh binary", err)
	}

	want := d.renderUnit(t)
	have, err := os.ReadFile(d.unitPath(t))
	changed := err != nil || string(have) != want

	if changed {
		if err := os.WriteFile(d.unitPath(t), []byte(want), 0644); err != nil {
			return ObservedState{Link: LinkAbsent}, opErr(t.ID, "write unit", err)
		}
		if _, err := d.run.Run(ctx, "systemctl", "daemon-reload"); err != nil {
			return ObservedState{Link: LinkAbsent}, opErr(t.ID, "daemon-reload", err)
		}
	}

	active := d.unitActive(ctx, t)
	switch {
	case changed || !active:
		// New parameters or exited process: (re)start under supervision.
		if _, err := d.run.Run(ctx, "systemctl", "enable", "--quiet", d.unitName(t)); err != nil {
			return ObservedState{Link: LinkAbsent}, opErr(t.ID, "enable unit", err)
		}
		if _, err := d.run.Run(ctx, "systemctl", "restart", d.unitName(t)); err != nil {
			return ObservedState{Link: LinkAbsent}, opErr(t.ID, "restart unit", err)
		}
	default:
		// Same parameters, process running: no-op.
		d.log.Debug("mesh unit already running with identical parameters", "tunnel", t.ID)
	}

	return d.Status(ctx, t)
}

func (d *MeshDriver) EnsureDown(ctx context.Context, t *config.Tunnel) error {
	if _, err := os.Stat(d.unitPath(t)); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	// Stop and disable may fail for a unit systemd never loaded; removal of
	// the unit file plus daemon-reload is the authoritative teardown.
	d.run.Run(ctx, "systemctl", "disable", "--now", "--quiet", d.unitName(t)) //nolint:errcheck
	if err := os.Remove(d.unitPath(t)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return opErr(t.ID, "remove unit", err)
	}
	if _, err := d.run.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return opErr(t.ID, "daemon-reload", err)
	}
	return nil
}

func (d *MeshDriver) Status(ctx context.Context, t *config.Tunnel) (ObservedState, error) {
	if _, err := os.Stat(d.unitPath(t)); errors.Is(err, fs.ErrNotExist) {
		return ObservedState{Link: LinkAbsent, Detail: "no supervised unit"}, nil
	}
	if !d.unitActive(ctx, t) {
		return ObservedState{Link: LinkPending, Detail: "unit not active"}, nil
	}
	// The unit can be active while the process is crash-looping; confirm a
	// live peer process for this tunnel's device.
	if !d.processAlive(ctx, t) {
		return ObservedState{Link: LinkDegraded, Detail: "peer process not running"}, nil
	}
	info, err := d.links.State(t.InterfaceName())
	if err != nil {
		return ObservedState{Link: LinkDegraded, Detail: err.Error()}, nil
	}
	switch {
	case !info.Present:
		return ObservedState{Link: LinkDegraded, Detail: "overlay device missing"}, nil
	case !info.Up:
		return ObservedState{Link: LinkDegraded, Detail: "overlay device down"}, nil
	}
	return ObservedState{Link: LinkUp}, nil
}

func (d *MeshDriver) unitActive(ctx context.Context, t *config.Tunnel) bool {
	out, err := d.run.Run(ctx, "systemctl", "is-active", d.unitName(t))
	return err == nil && strings.TrimSpace(out) == "active"
}

func (d *MeshDriver) processAlive(ctx context.Context, t *config.Tunnel) bool {
	lines, err := d.procs.Cmdlines(ctx)
	if err != nil {
		d.log.Debug("process scan failed", "error", err)
		// Fall back to trusting systemd's active state.
		return true
	}
	marker := "--dev-name " + t.InterfaceName()
	for _, line := range lines {
		if strings.Contains(line, filepath.Base(d.binPath)) && strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
