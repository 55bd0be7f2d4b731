package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vortexl2/vortexl2/internal/config"
)

// linkInfo is the probed condition of a kernel network interface.
type linkInfo struct {
	Present bool
	Up      bool
}

// linkOps abstracts rtnetlink address/link programming so driver tests can
// run without CAP_NET_ADMIN.
type linkOps interface {
	EnsureAddr(ifName, cidr string) error
	SetUp(ifName string) error
	State(ifName string) (linkInfo, error)
}

// L2TPDriver manages static (unmanaged) kernel L2TPv3 ethernet tunnels.
// Tunnel and session instantiation goes through `ip l2tp`, which drives the
// kernel's l2tp netlink control plane; address assignment and link state
// use rtnetlink directly.
type L2TPDriver struct {
	run   Runner
	links linkOps
	log   *slog.Logger

	// linkWait bounds how long EnsureUp waits for the l2tpeth interface to
	// materialize after session creation.
	linkWait time.Duration

	modprobe sync.Once
	modErr   error
}

// NewL2TPDriver creates the kernel L2TPv3 driver.
func NewL2TPDriver(logger *slog.Logger) *L2TPDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &L2TPDriver{
		run:      ExecRunner{},
		links:    defaultLinkOps(),
		log:      logger.With("component", "l2tp"),
		linkWait: 3 * time.Second,
	}
}

func (d *L2TPDriver) Kind() config.TunnelKind { return config.KindL2TPv3 }

// ensureKernelSupport loads the L2TP kernel modules once per process.
// Hosts without l2tp_eth support fail here, before any tunnel action.
func (d *L2TPDriver) ensureKernelSupport(ctx context.Context) error {
	d.modprobe.Do(func() {
		for _, mod := range []string{"l2tp_core", "l2tp_netlink", "l2tp_eth"} {
			if _, err := d.run.Run(ctx, "modprobe", mod); err != nil {
				d.modErr = fmt.Errorf("kernel L2TP support unavailable: %w", err)
				return
			}
		}
	})
	return d.modErr
}

func (d *L2TPDriver) EnsureUp(ctx context.Context, t *config.Tunnel) (ObservedState, error) {
	p := t.L2TP
	if err := d.ensureKernelSupport(ctx); err != nil {
		return ObservedState{Link: LinkAbsent}, opErr(t.ID, "modprobe", err)
	}

	live, err := d.showTunnels(ctx)
	if err != nil {
		return ObservedState{Link: LinkAbsent}, opErr(t.ID, "probe tunnels", err)
	}

	create := true
	if cur, ok := live[p.TunnelID]; ok {
		if d.matches(ctx, cur, t) {
			// Identical parameters: creation is a no-op.
			d.log.Debug("tunnel already present with identical parameters", "tunnel", t.ID)
			create = false
		} else {
			d.log.Info("tunnel parameters diverged, recreating", "tunnel", t.ID)
			if err := d.teardown(ctx, t); err != nil {
				return ObservedState{Link: LinkDegraded}, opErr(t.ID, "teardown stale tunnel", err)
			}
		}
	}

	if create {
		if _, err := d.run.Run(ctx, "ip", "l2tp", "add", "tunnel",
			"tunnel_id", u32(p.TunnelID),
			"peer_tunnel_id", u32(p.PeerTunnelID),
			"encap", "ip",
			"local", p.LocalIP,
			"remote", p.RemoteIP,
		); err != nil {
			return ObservedState{Link: LinkAbsent}, opErr(t.ID, "add tunnel", err)
		}
		if _, err := d.run.Run(ctx, "ip", "l2tp", "add", "session",
			"name", t.InterfaceName(),
			"tunnel_id", u32(p.TunnelID),
			"session_id", u32(p.SessionID),
			"peer_session_id", u32(p.PeerSessionID),
		); err != nil {
			return ObservedState{Link: LinkPending}, opErr(t.ID, "add session", err)
		}
	}

	if err := d.awaitLink(ctx, t.InterfaceName()); err != nil {
		return ObservedState{Link: LinkPending}, opErr(t.ID, "await interface", err)
	}
	if err := d.links.EnsureAddr(t.InterfaceName(), p.InterfaceCIDR); err != nil {
		return ObservedState{Link: LinkDegraded}, opErr(t.ID, "assign address", err)
	}
	if err := d.links.SetUp(t.InterfaceName()); err != nil {
		return ObservedState{Link: LinkDegraded}, opErr(t.ID, "link up", err)
	}

	return d.Status(ctx, t)
}

func (d *L2TPDriver) EnsureDown(ctx context.Context, t *config.Tunnel) error {
	live, err := d.showTunnels(ctx)
	if err != nil {
		return opErr(t.ID, "probe tunnels", err)
	}
	if _, ok := live[t.L2TP.TunnelID]; !ok {
		// Already down is success.
		return nil
	}
	if err := d.teardown(ctx, t); err != nil {
		return opErr(t.ID, "teardown", err)
	}
	return nil
}

func (d *L2TPDriver) Status(ctx context.Context, t *config.Tunnel) (ObservedState, error) {
	p := t.L2TP
	live, err := d.showTunnels(ctx)
	if err != nil {
		return ObservedState{Link: LinkAbsent}, opErr(t.ID, "probe tunnels", err)
	}
	cur, ok := live[p.TunnelID]
	if !ok {
		return ObservedState{Link: LinkAbsent, Detail: "no kernel tunnel"}, nil
	}
	if !d.matches(ctx, cur, t) {
		return ObservedState{Link: LinkDegraded, Detail: "kernel tunnel parameters diverge from record"}, nil
	}
	info, err := d.links.State(t.InterfaceName())
	if err != nil {
		return ObservedState{Link: LinkDegraded, Detail: err.Error()}, nil
	}
	switch {
	case !info.Present:
		return ObservedState{Link: LinkDegraded, Detail: "session interface missing"}, nil
	case !info.Up:
		return ObservedState{Link: LinkDegraded, Detail: "interface down"}, nil
	}
	return ObservedState{Link: LinkUp}, nil
}

// matches reports whether the live kernel tunnel and its session agree with
// the record's parameters.
func (d *L2TPDriver) matches(ctx context.Context, cur l2tpTunnel, t *config.Tunnel) bool {
	p := t.L2TP
	if cur.Local != p.LocalIP || cur.Remote != p.RemoteIP || cur.PeerID != p.PeerTunnelID {
		return false
	}
	sessions, err := d.showSessions(ctx)
	if err != nil {
		return false
	}
	for _, s := range sessions {
		if s.TunnelID == p.TunnelID && s.ID == p.SessionID &&
			s.PeerID == p.PeerSessionID && s.Interface == t.InterfaceName() {
			return true
		}
	}
	return false
}

func (d *L2TPDriver) teardown(ctx context.Context, t *config.Tunnel) error {
	p := t.L2TP
	// Session removal can fail when only the tunnel half exists; the tunnel
	// delete below is the authoritative step.
	d.run.Run(ctx, "ip", "l2tp", "del", "session", //nolint:errcheck
		"tunnel_id", u32(p.TunnelID), "session_id", u32(p.SessionID))
	if _, err := d.run.Run(ctx, "ip", "l2tp", "del", "tunnel", "tunnel_id", u32(p.TunnelID)); err != nil {
		// Verify: a failed delete of an already-gone tunnel is fine.
		live, probeErr := d.showTunnels(ctx)
		if probeErr != nil {
			return err
		}
		if _, stillThere := live[p.TunnelID]; stillThere {
			return err
		}
	}
	return nil
}

// awaitLink waits for the l2tpeth interface to appear; the kernel creates
// it asynchronously after session add.
func (d *L2TPDriver) awaitLink(ctx context.Context, ifName string) error {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         250 * time.Millisecond,
	}
	bo.Reset()
	deadline := time.Now().Add(d.linkWait)
	for {
		info, err := d.links.State(ifName)
		if err == nil && info.Present {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return err
			}
			return fmt.Errorf("interface %s did not appear within %s", ifName, d.linkWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (d *L2TPDriver) showTunnels(ctx context.Context) (map[uint32]l2tpTunnel, error) {
	out, err := d.run.Run(ctx, "ip", "l2tp", "show", "tunnel")
	if err != nil {
		return nil, err
	}
	return parseTunnelShow(out), nil
}

func (d *L2TPDriver) showSessions(ctx context.Context) ([]l2tpSession, error) {
	out, err := d.run.Run(ctx, "ip", "l2tp", "show", "session")
	if err != nil {
		return nil, err
	}
	return parseSessionShow(out), nil
}

func u32(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
