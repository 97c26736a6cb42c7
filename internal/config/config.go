// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dynamiq/connecthub/internal/integrations"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	minStateSecretLen   = 32
	minEncryptionKeyLen = 16
)

// OAuthApp is the app registered with one vendor.
type OAuthApp struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURL  string `env:"REDIRECT_URL"`
}

// Configured reports whether both credentials are present.
func (a OAuthApp) Configured() bool {
	return a.ClientID != "" && a.ClientSecret != ""
}

type Config struct {
	Port          string `env:"PORT" envDefault:"8080"`
	FrontendURL   string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`
	BackendURL    string `env:"BACKEND_URL" envDefault:"http://localhost:8080"`
	DashboardPath string `env:"DASHBOARD_PATH" envDefault:"/integrations"`

	// Storage
	StoreDriver        string `env:"STORE_DRIVER" envDefault:"sqlite"`
	DataDir            string `env:"DATA_DIR" envDefault:"./data"`
	DatabaseURL        string `env:"DATABASE_URL"`
	RedisURL           string `env:"REDIS_URL"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	// OAuth state
	OAuthStateSecret string        `env:"OAUTH_STATE_SECRET"`
	OAuthStateTTL    time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`

	// Outbound vendor calls
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"20s"`
	ProviderRetries   int           `env:"PROVIDER_RETRIES" envDefault:"1"`
	ProviderRateLimit float64       `env:"PROVIDER_RATE_LIMIT" envDefault:"20"`
	RefreshMargin     time.Duration `env:"REFRESH_MARGIN" envDefault:"5m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Google OAuthApp `envPrefix:"GOOGLE_"`
	Slack  OAuthApp `envPrefix:"SLACK_"`
	Asana  OAuthApp `envPrefix:"ASANA_"`
	Jira   OAuthApp `envPrefix:"JIRA_"`
	Miro   OAuthApp `envPrefix:"MIRO_"`
	Zoho   OAuthApp `envPrefix:"ZOHO_"`
}

// Load parses the process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.DataDir == "" {
			errs = append(errs, errors.New("DATA_DIR is required for the sqlite store"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be memory, sqlite or postgres, got %q", c.StoreDriver))
	}
	if c.StoreDriver != DriverMemory && len(c.TokenEncryptionKey) < minEncryptionKeyLen {
		errs = append(errs, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be at least %d characters", minEncryptionKeyLen))
	}

	if strings.TrimSpace(c.OAuthStateSecret) == "" || len(c.OAuthStateSecret) < minStateSecretLen {
		errs = append(errs, fmt.Errorf("OAUTH_STATE_SECRET must be at least %d characters", minStateSecretLen))
	}
	if c.OAuthStateTTL <= 0 {
		errs = append(errs, errors.New("OAUTH_STATE_TTL must be positive"))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT must be positive"))
	}
	if c.ProviderRetries < 0 {
		errs = append(errs, errors.New("PROVIDER_RETRIES must not be negative"))
	}
	if c.RefreshMargin < 0 {
		errs = append(errs, errors.New("REFRESH_MARGIN must not be negative"))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// OAuthApps returns the vendor apps keyed by provider, with the redirect URL
// defaulted to BACKEND_URL/auth/{provider}/callback.
func (c *Config) OAuthApps() map[integrations.Provider]OAuthApp {
	apps := map[integrations.Provider]OAuthApp{
		integrations.ProviderGoogle: c.Google,
		integrations.ProviderSlack:  c.Slack,
		integrations.ProviderAsana:  c.Asana,
		integrations.ProviderJira:   c.Jira,
		integrations.ProviderMiro:   c.Miro,
		integrations.ProviderZoho:   c.Zoho,
	}
	backend := strings.TrimRight(c.BackendURL, "/")
	for p, app := range apps {
		if app.RedirectURL == "" {
			app.RedirectURL = backend + "/auth/" + string(p) + "/callback"
			apps[p] = app
		}
	}
	return apps
}
