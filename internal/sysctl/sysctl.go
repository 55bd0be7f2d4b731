// Package sysctl applies the kernel network tuning used on forwarding
// hosts: BBR congestion control with fq queueing and enlarged socket
// buffers, persisted as a sysctl.d drop-in so it survives reboots.
package sysctl

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/vortexl2/vortexl2/internal/tunnel"
)

// DropInPath is where the persistent tuning lands.
const DropInPath = "/etc/sysctl.d/99-vortexl2.conf"

const dropIn = `# Managed by vortexl2. Manual edits are overwritten by "vortexl2 setup".
net.core.default_qdisc = fq
net.ipv4.tcp_congestion_control = bbr
net.core.rmem_max = 67108864
net.core.wmem_max = 67108864
net.ipv4.tcp_rmem = 4096 87380 67108864
net.ipv4.tcp_wmem = 4096 65536 67108864
net.ipv4.tcp_mtu_probing = 1
net.ipv4.tcp_fastopen = 3
net.ipv4.ip_forward = 1
`

// Tuner writes and activates the drop-in.
type Tuner struct {
	run  tunnel.Runner
	log  *slog.Logger
	path string
}

func New(run tunnel.Runner, logger *slog.Logger) *Tuner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tuner{
		run:  run,
		log:  logger.With("component", "sysctl"),
		path: DropInPath,
	}
}

// Apply installs the drop-in and loads it. Unchanged content skips the
// write but still reloads, so a drifted running kernel is corrected.
func (t *Tuner) Apply(ctx context.Context) error {
	existing, err := os.ReadFile(t.path)
	if err != nil || !bytes.Equal(existing, []byte(dropIn)) {
		if err := os.WriteFile(t.path, []byte(dropIn), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", t.path, err)
		}
		t.log.Info("tuning drop-in written", "path", t.path)
	}
	if out, err := t.run.Run(ctx, "sysctl", "-p", t.path); err != nil {
		return fmt.Errorf("loading %s: %w: %s", t.path, err, strings.TrimSpace(out))
	}
	t.log.Info("kernel tuning active", "congestion_control", "bbr", "qdisc", "fq")
	return nil
}

// Active reports whether BBR is the running congestion control.
func (t *Tuner) Active(ctx context.Context) (bool, error) {
	out, err := t.run.Run(ctx, "sysctl", "-n", "net.ipv4.tcp_congestion_control")
	if err != nil {
		return false, fmt.Errorf("reading congestion control: %w", err)
	}
	return strings.TrimSpace(out) == "bbr", nil
}
