package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scmreg/scm-registry-server/internal/api"
	"github.com/scmreg/scm-registry-server/internal/config"
	"github.com/scmreg/scm-registry-server/internal/git"
	"github.com/scmreg/scm-registry-server/internal/registry"
	"github.com/scmreg/scm-registry-server/internal/repository"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry API server",
	Long: `Start the registry API server.

The server requires a configuration file (--config) that specifies:
- The catalog of scopes and their packages with backing repository URLs
- The storage root for local checkouts and the archive cache
- The git binary and the listen address

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	// Archive cache misses clone and checkout repositories, which dominates
	// response time on first request; the write timeout has to cover it.
	serverWriteTimeout = 10 * time.Minute
	serverIdleTimeout  = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides configuration)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address"))
	if err != nil {
		slog.Error("Failed to bind address flag", "error", err)
	}
	err = viper.BindPFlag("config", serveCmd.Flags().Lookup("config"))
	if err != nil {
		slog.Error("Failed to bind config flag", "error", err)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	setupLogging(viper.GetBool("debug"))

	cfg, err := config.Load(config.WithConfigPath(viper.GetString("config")))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	address := viper.GetString("address")
	if address == "" {
		address = cfg.Address
	}

	packages := 0
	for _, scope := range cfg.Scopes {
		packages += len(scope.Packages)
	}
	slog.Info("Loaded configuration",
		"registry", cfg.RegistryName,
		"scopes", len(cfg.Scopes),
		"packages", packages,
		"storage_root", cfg.Storage.Root)

	runner := git.NewCLIRunner(cfg.Git.Binary)
	reg := registry.New(cfg, repository.NewHandles(runner))

	router := api.NewServer(reg,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			api.LoggingMiddleware,
		),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
