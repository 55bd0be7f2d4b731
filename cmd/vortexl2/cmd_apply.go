package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vortexl2/vortexl2/internal/reconcile"
)

var (
	applyTunnelID     string
	applyAll          bool
	applyForwardsOnly bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Reconcile tunnels and forwards to the stored desired state",
	Long: `Bring every configured tunnel up, compile the admitted forward rules
into the haproxy configuration and hot-reload it. Tunnels that fail to
come up have their rules held back until a later pass succeeds.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringVar(&applyTunnelID, "tunnel", "", "reconcile only this tunnel (forwards are still compiled for all)")
	applyCmd.Flags().BoolVar(&applyAll, "all", false, "reconcile every tunnel (the default)")
	applyCmd.Flags().BoolVar(&applyForwardsOnly, "forwards-only", false, "skip tunnel actions, only recompile and reload forwards")
	applyCmd.MarkFlagsMutuallyExclusive("tunnel", "all")
	applyCmd.MarkFlagsMutuallyExclusive("tunnel", "forwards-only")
}

func runApply(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	engine, _, err := newEngine(store)
	if err != nil {
		return err
	}

	report, err := engine.Apply(cmd.Context(), reconcile.ApplyOptions{
		TunnelID:     applyTunnelID,
		ForwardsOnly: applyForwardsOnly,
	})
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	report.Render(os.Stdout)
	return reportExit(report)
}
