package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vortexl2/vortexl2/internal/service"
	"github.com/vortexl2/vortexl2/internal/sysctl"
	"github.com/vortexl2/vortexl2/internal/tunnel"
)

var setupSkipTuning bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Prepare this host",
	Long: `One-time host preparation: write the default global config if none
exists, apply kernel TCP tuning (BBR with fq and enlarged buffers),
and install the systemd units. Safe to re-run.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolVar(&setupSkipTuning, "skip-tuning", false, "do not touch kernel sysctl settings")
}

func runSetup(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	global, err := store.LoadGlobal()
	if err != nil {
		return err
	}
	if err := store.SaveGlobal(global); err != nil {
		return err
	}
	fmt.Printf("State directory ready at %s.\n", store.Dir())

	if !setupSkipTuning {
		if err := sysctl.New(tunnel.ExecRunner{}, globalLogger).Apply(cmd.Context()); err != nil {
			return fmt.Errorf("kernel tuning: %w", err)
		}
		fmt.Println("Kernel TCP tuning applied (bbr/fq).")
	}

	mgr := service.New(tunnel.ExecRunner{}, "", globalLogger)
	if err := mgr.Install(cmd.Context()); err != nil {
		return fmt.Errorf("installing units: %w", err)
	}
	if err := mgr.Start(cmd.Context()); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	fmt.Println("Forward daemon installed and running.")
	fmt.Println("Next: create a tunnel with \"vortexl2 tunnel create\".")
	return nil
}
