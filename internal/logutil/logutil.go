// Package logutil centralizes slog handler setup for all commands.
package logutil

import (
	"log/slog"
	"os"
)

// Setup installs the process-wide slog default handler.
func Setup(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}
