package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vortexl2/vortexl2/internal/config"
)

var showCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print the stored desired state",
	Long:  `List stored tunnel records and their forward rules, or one record when an id is given. Reads only the state directory, never the live system.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	var tunnels []config.Tunnel
	if len(args) == 1 {
		t, err := store.GetTunnel(args[0])
		if err != nil {
			return err
		}
		tunnels = []config.Tunnel{*t}
	} else {
		if tunnels, err = store.ListTunnels(); err != nil {
			return err
		}
	}
	if len(tunnels) == 0 {
		fmt.Println("No tunnels configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TUNNEL\tROLE\tKIND\tENDPOINT\tFORWARDS")
	for i := range tunnels {
		t := &tunnels[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", t.ID, t.Role, t.Kind, endpoint(t), len(t.Forwards))
	}
	w.Flush()

	rules := 0
	for i := range tunnels {
		rules += len(tunnels[i].Forwards)
	}
	if rules == 0 {
		return nil
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LISTEN\tPROTO\tTARGET\tTUNNEL")
	for i := range tunnels {
		for _, r := range tunnels[i].Rules() {
			fmt.Fprintf(w, "%d\t%s\t%s:%d\t%s\n", r.ListenPort, r.Protocol, r.TargetIP, r.TargetPort, r.TunnelID)
		}
	}
	w.Flush()
	return nil
}

func endpoint(t *config.Tunnel) string {
	switch t.Kind {
	case config.KindL2TPv3:
		return fmt.Sprintf("%s -> %s", t.L2TP.LocalIP, t.L2TP.RemoteIP)
	case config.KindMesh:
		if t.Mesh.PeerAddr != "" {
			return fmt.Sprintf("%s via %s", t.Mesh.OverlayIP, t.Mesh.PeerAddr)
		}
		return fmt.Sprintf("%s :%d", t.Mesh.OverlayIP, t.Mesh.ListenPort)
	}
	return "-"
}
