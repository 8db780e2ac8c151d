// Package main is the entrypoint for the vellum-pipeline binary, which runs
// the API server, the job worker, and the usage reporter as subcommands.
package main

import (
	"log/slog"
	"os"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	Execute()
}
