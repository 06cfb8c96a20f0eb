package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "geocurator",
	Short: "Sports facility geodata import and curation",
	Long:  "Imports sports facilities from open map data region by region, dedups them by location, audits coverage, repairs incomplete records and serves a cost-bounded geo gateway.",
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
