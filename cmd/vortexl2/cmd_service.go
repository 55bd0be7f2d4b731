package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vortexl2/vortexl2/internal/service"
	"github.com/vortexl2/vortexl2/internal/tunnel"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the systemd units",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and enable the boot-apply and daemon units",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := service.New(tunnel.ExecRunner{}, "", globalLogger)
		if err := mgr.Install(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Units installed and enabled.")
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the forward daemon unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return service.New(tunnel.ExecRunner{}, "", globalLogger).Start(cmd.Context())
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the forward daemon unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return service.New(tunnel.ExecRunner{}, "", globalLogger).Stop(cmd.Context())
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show unit states",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, err := service.New(tunnel.ExecRunner{}, "", globalLogger).Status(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "UNIT\tINSTALLED\tSTATE")
		for _, st := range statuses {
			fmt.Fprintf(w, "%s\t%t\t%s\n", st.Unit, st.Installed, st.Active)
		}
		w.Flush()
		return nil
	},
}

func init() {
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}
