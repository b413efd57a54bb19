package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "bizzybee",
	Short: "Email triage backend for small businesses",
	Long:  "Imports mailbox history, classifies conversations into decision buckets, learns the owner's writing voice, and researches local competitors for FAQ material.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
