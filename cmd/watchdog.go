package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchdogInterval time.Duration

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Sweep for stalled jobs and retry or fail them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "watchdog")
		if err != nil {
			return err
		}
		defer env.Close()

		sweep := func() error {
			report, err := env.Pipeline.RunWatchdog(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("watchdog sweep",
				zap.Int("checked", report.Scanned),
				zap.Int("retried", report.Retried),
				zap.Int("failed", report.Failed),
			)
			return nil
		}

		if watchdogInterval <= 0 {
			return sweep()
		}

		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			if err := sweep(); err != nil {
				zap.L().Error("watchdog sweep failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	watchdogCmd.Flags().DurationVar(&watchdogInterval, "interval", 0, "sweep repeatedly at this interval (one sweep if unset)")
	rootCmd.AddCommand(watchdogCmd)
}
