// Package main is the entry point for the registry API server.
package main

import (
	"log/slog"
	"os"

	"github.com/scmreg/scm-registry-server/cmd/scm-registry-api/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
