package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vellum-pipeline",
	Short: "Multi-tenant AI job pipeline: API server, worker, and usage reporter",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Missing .env is fine; production injects real env vars.
		if err := godotenv.Load(); err == nil {
			slog.Info("loaded environment from .env")
		}
	},
}

func Execute() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(reportUsageCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
