package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vortexl2/vortexl2/internal/config"
	"github.com/vortexl2/vortexl2/internal/reconcile"
	"github.com/vortexl2/vortexl2/internal/socat"
	"github.com/vortexl2/vortexl2/internal/tunnel"
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Manage port forward rules",
}

var (
	fwdListenPort int
	fwdTargetIP   string
	fwdTargetPort int
	fwdProto      string
	fwdNoApply    bool
)

var forwardAddCmd = &cobra.Command{
	Use:   "add <tunnel>",
	Short: "Add a forward rule to a tunnel",
	Long: `Attach a listener rule to an existing tunnel and reload the proxy.
The (port, protocol) pair must be free across the whole host.`,
	Args: cobra.ExactArgs(1),
	RunE: runForwardAdd,
}

var forwardDelCmd = &cobra.Command{
	Use:   "del <tunnel>",
	Short: "Remove a forward rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runForwardDel,
}

var forwardEngineCmd = &cobra.Command{
	Use:   "engine [haproxy|socat|none]",
	Short: "Show or switch the forwarding engine",
	Long: `Print the configured forwarding engine, or switch it. Switching drains
the outgoing engine first so two engines never hold the same listeners,
then reconciles the forwarding layer on the new one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runForwardEngine,
}

func init() {
	for _, c := range []*cobra.Command{forwardAddCmd, forwardDelCmd} {
		c.Flags().IntVar(&fwdListenPort, "port", 0, "local listener port (required)")
		c.Flags().StringVar(&fwdProto, "proto", "tcp", "protocol: tcp or udp")
		c.Flags().BoolVar(&fwdNoApply, "no-apply", false, "store the change without reloading the proxy")
		c.MarkFlagRequired("port") //nolint:errcheck
	}
	forwardAddCmd.Flags().StringVar(&fwdTargetIP, "target-ip", "", "destination IP across the tunnel (required)")
	forwardAddCmd.Flags().IntVar(&fwdTargetPort, "target-port", 0, "destination port (required)")
	forwardAddCmd.MarkFlagRequired("target-ip")   //nolint:errcheck
	forwardAddCmd.MarkFlagRequired("target-port") //nolint:errcheck

	forwardCmd.AddCommand(forwardAddCmd)
	forwardCmd.AddCommand(forwardDelCmd)
	forwardCmd.AddCommand(forwardEngineCmd)
}

func runForwardEngine(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	global, err := store.LoadGlobal()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		fmt.Printf("forward engine: %s\n", global.ForwardEngine)
		return nil
	}

	next := config.ForwardEngine(args[0])
	if next == global.ForwardEngine {
		fmt.Printf("Forward engine is already %s.\n", next)
		return nil
	}
	if err := drainEngine(cmd.Context(), global); err != nil {
		return fmt.Errorf("draining %s engine: %w", global.ForwardEngine, err)
	}
	global.ForwardEngine = next
	if err := store.SaveGlobal(global); err != nil {
		return err
	}
	fmt.Printf("Forward engine set to %s.\n", next)
	return forwardReload(cmd, store)
}

// drainEngine releases the current engine's listeners before a switch.
func drainEngine(ctx context.Context, global *config.Global) error {
	switch global.ForwardEngine {
	case config.EngineHAProxy:
		if out, err := (tunnel.ExecRunner{}).Run(ctx, "systemctl", "stop", "haproxy"); err != nil {
			globalLogger.Warn("stopping haproxy failed", "output", out, "error", err)
		}
	case config.EngineSocat:
		m := socat.NewManager(global.SocatBinary, globalLogger)
		doc, err := m.Compile(nil)
		if err != nil {
			return err
		}
		if _, err := m.Apply(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

func runForwardAdd(cmd *cobra.Command, args []string) error {
	tunnelID := args[0]
	store, err := openStore()
	if err != nil {
		return err
	}
	rule := config.ForwardRule{
		ListenPort: fwdListenPort,
		TargetIP:   fwdTargetIP,
		TargetPort: fwdTargetPort,
		Protocol:   config.Protocol(fwdProto),
	}
	if err := store.AddRule(tunnelID, rule); err != nil {
		return err
	}
	fmt.Printf("Forward %d/%s -> %s:%d stored on tunnel %q.\n",
		rule.ListenPort, rule.Protocol, rule.TargetIP, rule.TargetPort, tunnelID)
	return forwardReload(cmd, store)
}

func runForwardDel(cmd *cobra.Command, args []string) error {
	tunnelID := args[0]
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.RemoveRule(tunnelID, fwdListenPort, config.Protocol(fwdProto)); err != nil {
		return err
	}
	fmt.Printf("Forward %d/%s removed from tunnel %q.\n", fwdListenPort, fwdProto, tunnelID)
	return forwardReload(cmd, store)
}

// forwardReload runs the cheap reconciliation path after a rule change.
func forwardReload(cmd *cobra.Command, store *config.Store) error {
	if fwdNoApply {
		return nil
	}
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
