//go:build !windows

package main

import (
	"log/slog"
	"os"
	"syscall"
)

func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
}

// handlePlatformSignal handles non-fatal signals; true means keep running.
func handlePlatformSignal(sig os.Signal, logger *slog.Logger) bool {
	if sig == syscall.SIGHUP {
		logger.Info("reload signal received; policy rules reload automatically, other changes need a restart")
		return true
	}
	return false
}
