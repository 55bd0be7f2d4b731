// Command vortexl2 orchestrates point-to-point L2TPv3 and mesh tunnels
// between a domestic relay host and a foreign service host, and compiles
// their port-forward rules into an haproxy configuration with safe hot
// reloads.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigDir string
	globalVerbose   bool
	globalLogger    *slog.Logger
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "vortexl2",
	Short: "Tunnel and port-forward orchestrator",
	Long: `vortexl2 manages L2TPv3 kernel tunnels and EasyTier mesh tunnels
between an iran-side relay host and a kharej-side service host, and
keeps haproxy forwarding traffic for the configured port rules. All
state lives in per-tunnel records under /etc/vortexl2; every command
reconciles from that desired state.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigDir, "config-dir", "", "state directory (default: /etc/vortexl2)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(tunnelCmd)
	rootCmd.AddCommand(forwardCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vortexl2 version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var coded *exitCodeError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(1)
	}
}
