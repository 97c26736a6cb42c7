package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dynamiq/connecthub/internal/app"
	"github.com/dynamiq/connecthub/internal/config"
	"github.com/dynamiq/connecthub/internal/logging"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 30 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "connecthub",
		Short:         "OAuth connection manager for third-party integrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending connection store migrations and exit",
			RunE:  runMigrate,
		},
	)
	return root
}

// setup loads .env files and the environment, then builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	config.LoadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.Handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("frontend_url", cfg.FrontendURL),
			zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := app.OpenStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	s, ok := store.(app.Store)
	if !ok {
		logger.Info("store driver has no schema", zap.String("store", cfg.StoreDriver))
		return nil
	}
	defer s.Close()

	// Open already migrated; a second pass reports anything left over.
	applied, err := s.Migrate(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("connection store schema up to date",
		zap.String("store", cfg.StoreDriver), zap.Int("applied", applied))
	return nil
}
