package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vortexl2/vortexl2/internal/config"
	"github.com/vortexl2/vortexl2/internal/reconcile"
	"github.com/vortexl2/vortexl2/internal/tunnel"
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Manage tunnel records",
}

var (
	tunnelRole string
	tunnelKind string

	l2tpLocalIP       string
	l2tpRemoteIP      string
	l2tpInterfaceCIDR string
	l2tpTunnelID      uint32
	l2tpPeerTunnelID  uint32
	l2tpSessionID     uint32
	l2tpPeerSessionID uint32

	meshOverlayIP  string
	meshPeerAddr   string
	meshListenPort int
	meshSecret     string

	tunnelNoApply bool
)

var tunnelCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a tunnel record and bring it up",
	Long: `Store a new tunnel record and immediately reconcile it. For an l2tpv3
tunnel the --tunnel-id/--session-id pairs must mirror the record on the
peer host (our tunnel-id is the peer's peer-tunnel-id and vice versa).`,
	Args: cobra.ExactArgs(1),
	RunE: runTunnelCreate,
}

var tunnelDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Tear down a tunnel and remove its record",
	Long:  `Tear down the tunnel's live state, delete its record along with all of its forward rules, and reload the proxy without them.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTunnelDelete,
}

var tunnelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tunnel records",
	RunE:  runShow,
}

func init() {
	f := tunnelCreateCmd.Flags()
	f.StringVar(&tunnelRole, "role", "", "this host's role: iran or kharej (required)")
	f.StringVar(&tunnelKind, "kind", "l2tpv3", "tunnel kind: l2tpv3 or mesh")

	f.StringVar(&l2tpLocalIP, "local-ip", "", "l2tpv3: local public IP")
	f.StringVar(&l2tpRemoteIP, "remote-ip", "", "l2tpv3: remote public IP")
	f.StringVar(&l2tpInterfaceCIDR, "interface-cidr", "", "l2tpv3: address for the tunnel interface, e.g. 10.30.0.1/30")
	f.Uint32Var(&l2tpTunnelID, "tunnel-id", 0, "l2tpv3: local tunnel id")
	f.Uint32Var(&l2tpPeerTunnelID, "peer-tunnel-id", 0, "l2tpv3: peer tunnel id")
	f.Uint32Var(&l2tpSessionID, "session-id", 0, "l2tpv3: local session id")
	f.Uint32Var(&l2tpPeerSessionID, "peer-session-id", 0, "l2tpv3: peer session id")

	f.StringVar(&meshOverlayIP, "overlay-ip", "", "mesh: this node's overlay IP")
	f.StringVar(&meshPeerAddr, "peer", "", "mesh: peer public IP or hostname (empty on the listening side)")
	f.IntVar(&meshListenPort, "listen-port", 11010, "mesh: local listener port")
	f.StringVar(&meshSecret, "secret", "", "mesh: shared network secret")

	f.BoolVar(&tunnelNoApply, "no-apply", false, "store the record without reconciling")
	tunnelCreateCmd.MarkFlagRequired("role") //nolint:errcheck

	tunnelCmd.AddCommand(tunnelCreateCmd)
	tunnelCmd.AddCommand(tunnelDeleteCmd)
	tunnelCmd.AddCommand(tunnelListCmd)
}

func runTunnelCreate(cmd *cobra.Command, args []string) error {
	t := &config.Tunnel{
		ID:   args[0],
		Role: config.Role(tunnelRole),
		Kind: config.TunnelKind(tunnelKind),
	}
	switch t.Kind {
	case config.KindL2TPv3:
		t.L2TP = &config.L2TPParams{
			LocalIP:       l2tpLocalIP,
			RemoteIP:      l2tpRemoteIP,
			InterfaceCIDR: l2tpInterfaceCIDR,
			TunnelID:      l2tpTunnelID,
			PeerTunnelID:  l2tpPeerTunnelID,
			SessionID:     l2tpSessionID,
			PeerSessionID: l2tpPeerSessionID,
		}
	case config.KindMesh:
		t.Mesh = &config.MeshParams{
			OverlayIP:  meshOverlayIP,
			PeerAddr:   meshPeerAddr,
			ListenPort: meshListenPort,
			Secret:     meshSecret,
		}
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.PutTunnel(t); err != nil {
		return err
	}
	fmt.Printf("Tunnel %q stored.\n", t.ID)
	if tunnelNoApply {
		return nil
	}

	engine, _, err := newEngine(store)
	if err != nil {
		return err
	}
	report, err := engine.Apply(cmd.Context(), reconcile.ApplyOptions{TunnelID: t.ID})
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	report.Render(os.Stdout)
	return reportExit(report)
}

func runTunnelDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	store, err := openStore()
	if err != nil {
		return err
	}
	t, err := store.GetTunnel(id)
	if errors.Is(err, config.ErrNotFound) {
		return fmt.Errorf("tunnel %q does not exist", id)
	}
	if err != nil {
		return err
	}

	drivers := tunnel.Drivers{
		config.KindL2TPv3: tunnel.NewL2TPDriver(globalLogger),
		config.KindMesh:   tunnel.NewMeshDriver(globalLogger),
	}
	driver, err := drivers.For(t)
	if err != nil {
		return err
	}
	if err := driver.EnsureDown(cmd.Context(), t); err != nil {
		return fmt.Errorf("tearing down tunnel %q: %w", id, err)
	}
	if err := store.DeleteTunnel(id); err != nil {
		return err
	}
	fmt.Printf("Tunnel %q removed (%d forward rules cascaded).\n", id, len(t.Forwards))

	// The record is gone; recompile so the proxy stops serving its rules.
	engine, _, err := newEngine(store)
	if err != nil {
		return err
	}
	report, err := engine.Apply(cmd.Context(), reconcile.ApplyOptions{ForwardsOnly: true})
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	report.Render(os.Stdout)
	return reportExit(report)
}
