package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dynamiq/connecthub/internal/integrations"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handlers contains the top-level HTTP handlers.
type Handlers struct {
	integrations *integrations.Handlers
	gatherer     prometheus.Gatherer
	checks       map[string]HealthCheck
	logger       *zap.Logger
}

// NewHandlers creates the API handlers. checks are run by /health.
func NewHandlers(ih *integrations.Handlers, gatherer prometheus.Gatherer, checks map[string]HealthCheck, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		integrations: ih,
		gatherer:     gatherer,
		checks:       checks,
		logger:       logger,
	}
}

// Health reports ok when every dependency check passes.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	result := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			result[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		result[name] = "ok"
	}
	if status == http.StatusOK {
		result["status"] = "ok"
	} else {
		result["status"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Debug("write health response", zap.Error(err))
	}
}
