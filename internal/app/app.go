// Package app wires configuration into a running server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/dynamiq/connecthub/internal/api"
	"github.com/dynamiq/connecthub/internal/auth"
	"github.com/dynamiq/connecthub/internal/config"
	"github.com/dynamiq/connecthub/internal/integrations"
	"github.com/dynamiq/connecthub/internal/lock"
	"github.com/dynamiq/connecthub/internal/providers"
	"github.com/dynamiq/connecthub/internal/secrets"
	"github.com/dynamiq/connecthub/internal/storage"
	"github.com/dynamiq/connecthub/internal/storage/postgres"
	"github.com/dynamiq/connecthub/internal/storage/sqlite"
)

// Store is a ConnectionStore the app can migrate, ping and close.
type Store interface {
	integrations.ConnectionStore
	Migrate(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Store    integrations.ConnectionStore
	Adapters *integrations.Adapters
	Manager  *integrations.Manager
	Flow     *integrations.Flow
	Handler  http.Handler

	closers []func() error
}

// Open builds every component from cfg.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	checks := map[string]api.HealthCheck{}

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	if s, ok := store.(Store); ok {
		a.closers = append(a.closers, s.Close)
		checks["store"] = s.Ping
	}

	var locker integrations.Locker
	if cfg.RedisURL != "" {
		client, err := lock.Dial(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		locker = lock.New(client, lock.WithLogger(logger.Named("lock")))
		logger.Info("distributed refresh lock enabled")
	}

	httpClient := providers.NewHTTPClient(providers.TransportConfig{
		Timeout:   cfg.ProviderTimeout,
		Retries:   cfg.ProviderRetries,
		RateLimit: cfg.ProviderRateLimit,
	}, nil, logger.Named("transport"))
	a.Adapters = providers.New(providerSettings(cfg), httpClient)
	configured := a.Adapters.Providers()
	if len(configured) == 0 {
		logger.Warn("no provider has client credentials configured")
	}
	logger.Info("providers configured", zap.Stringers("providers", configured))

	metrics := integrations.NewMetrics(a.Registry)
	a.Manager = integrations.NewManager(a.Store, a.Adapters,
		integrations.WithLocker(locker),
		integrations.WithLogger(logger.Named("tokens")),
		integrations.WithMetrics(metrics),
		integrations.WithRefreshMargin(cfg.RefreshMargin),
	)

	states := auth.NewStateManager(cfg.OAuthStateSecret, cfg.OAuthStateTTL)
	a.Flow = integrations.NewFlow(a.Store, a.Adapters, states,
		integrations.WithFlowLogger(logger.Named("oauth")),
		integrations.WithFlowMetrics(metrics),
	)

	ih := integrations.NewHandlers(a.Flow, a.Manager, cfg.FrontendURL, cfg.DashboardPath, logger.Named("http"))
	h := api.NewHandlers(ih, a.Registry, checks, logger.Named("http"))
	a.Handler = api.NewRouter(h, []string{strings.TrimRight(cfg.FrontendURL, "/")})

	return a, nil
}

// OpenStore opens the store selected by STORE_DRIVER. SQL stores apply
// pending migrations on open.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (integrations.ConnectionStore, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory connection store, connections are lost on restart")
		return integrations.NewMemoryStore(), nil
	case config.DriverSQLite, config.DriverPostgres:
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	sealer, err := secrets.NewSealer(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, err
	}
	codec, err := storage.NewCodec(sealer)
	if err != nil {
		return nil, err
	}

	if cfg.StoreDriver == config.DriverPostgres {
		s, err := postgres.Open(ctx, cfg.DatabaseURL, codec, logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	}
	s, err := sqlite.Open(ctx, cfg.DataDir, codec, logger.Named("sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return s, nil
}

func providerSettings(cfg *config.Config) providers.Settings {
	settings := providers.Settings{}
	for p, app := range cfg.OAuthApps() {
		settings[p] = providers.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			RedirectURL:  app.RedirectURL,
		}
	}
	return settings
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
