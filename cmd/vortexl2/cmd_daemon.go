package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vortexl2/vortexl2/internal/daemon"
)

var daemonLogFile string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the forward daemon",
	Long: `Watch the state directory and reconcile the forwarding layer whenever
rules change. Runs one full apply on start; tunnel interfaces are
otherwise only touched by explicit apply runs or the configured
reapply schedule. Intended to run under systemd (see "service install").`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "log to this rotating file instead of stderr")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if daemonLogFile != "" {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(&lumberjack.Logger{
			Filename:   daemonLogFile,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, &slog.HandlerOptions{Level: level}))
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	engine, global, err := newEngine(store)
	if err != nil {
		return err
	}

	d := daemon.New(store.TunnelsDir(), engine, daemon.Options{
		PollInterval:    time.Duration(global.DaemonPollInterval),
		ReapplySchedule: global.ReapplySchedule,
	}, globalLogger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
