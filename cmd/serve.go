package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/server"
)

var (
	servePort     int
	serveWatchdog bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: server.New(cfg, env.Store, env.Pipeline).Handler(),
		}

		// Periodic watchdog sweeps recover jobs whose fire-and-forget
		// invocation died with the process.
		if serveWatchdog {
			staleness := time.Duration(cfg.Watchdog.StalenessSecs) * time.Second
			if staleness <= 0 {
				staleness = 5 * time.Minute
			}
			go func() {
				ticker := time.NewTicker(staleness)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if _, err := env.Pipeline.RunWatchdog(ctx); err != nil {
							zap.L().Error("watchdog sweep failed", zap.Error(err))
						}
					}
				}
			}()
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWatchdog, "watchdog", true, "run periodic watchdog sweeps")
	rootCmd.AddCommand(serveCmd)
}
