package integrations

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Callback failure reasons passed to the dashboard.
const (
	reasonExchangeFailed   = "exchange_failed"
	reasonInvalidState     = "invalid_state"
	reasonAccountLinked    = "account_linked"
	reasonAccountNotLinked = "account_not_linked"
	reasonDenied           = "denied"
	reasonInternal         = "internal"
)

// Handlers contains HTTP handlers for the OAuth flow and connection listing.
type Handlers struct {
	flow         *Flow
	manager      *Manager
	dashboardURL string
	logger       *zap.Logger
}

// NewHandlers creates new integration handlers. Callbacks redirect to
// frontendURL + dashboardPath.
func NewHandlers(flow *Flow, manager *Manager, frontendURL, dashboardPath string, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dashboardPath != "" && !strings.HasPrefix(dashboardPath, "/") {
		dashboardPath = "/" + dashboardPath
	}
	return &Handlers{
		flow:         flow,
		manager:      manager,
		dashboardURL: strings.TrimRight(frontendURL, "/") + dashboardPath,
		logger:       logger,
	}
}

// Routes registers the handlers on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/auth/{provider}", h.HandleAuthorize)
	r.Get("/auth/{provider}/callback", h.HandleCallback)
	r.Get("/api/connections", h.HandleListConnections)
}

// HandleAuthorize redirects the browser to the vendor consent page.
func (h *Handlers) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	provider, err := ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		http.Error(w, "Unsupported provider", http.StatusNotFound)
		return
	}

	authURL, err := h.flow.Initiate(r.Context(), provider, getUserID(r))
	switch {
	case errors.Is(err, ErrProviderNotConfigured):
		http.Error(w, "OAuth2 not configured for this provider", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("initiate authorization", zap.String("provider", string(provider)), zap.Error(err))
		http.Error(w, "Failed to start authorization", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback completes an OAuth2 flow and redirects to the dashboard.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	provider, err := ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		http.Error(w, "Unsupported provider", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		h.logger.Info("authorization denied by user or vendor",
			zap.String("provider", string(provider)), zap.String("error", errParam))
		h.redirectError(w, r, provider, reasonDenied)
		return
	}

	result, err := h.flow.CompleteCallback(r.Context(), provider, query.Get("code"), query.Get("state"))
	if err != nil {
		reason := callbackReason(err)
		if reason == reasonInternal {
			h.logger.Error("oauth callback failed", zap.String("provider", string(provider)), zap.Error(err))
		}
		h.redirectError(w, r, provider, reason)
		return
	}

	q := url.Values{}
	q.Set("oauth", "success")
	q.Set("provider", string(result.Provider))
	http.Redirect(w, r, h.dashboardURL+"?"+q.Encode(), http.StatusFound)
}

// HandleListConnections returns the connection status of every provider.
func (h *Handlers) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	statuses, err := h.manager.Statuses(r.Context(), userID)
	if err != nil {
		h.logger.Error("list connections", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to list connections", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"connections": statuses}); err != nil {
		h.logger.Debug("write connections response", zap.String("user_id", userID), zap.Error(err))
	}
}

func (h *Handlers) redirectError(w http.ResponseWriter, r *http.Request, provider Provider, reason string) {
	q := url.Values{}
	q.Set("oauth", "error")
	q.Set("provider", string(provider))
	q.Set("reason", reason)
	http.Redirect(w, r, h.dashboardURL+"?"+q.Encode(), http.StatusFound)
}

func callbackReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidState):
		return reasonInvalidState
	case errors.Is(err, ErrAccountLinkedElsewhere):
		return reasonAccountLinked
	case errors.Is(err, ErrAccountNotLinked):
		return reasonAccountNotLinked
	case errors.Is(err, ErrAuthExchangeFailed):
		return reasonExchangeFailed
	default:
		return reasonInternal
	}
}

// getUserID reads the caller from the userId query parameter or the
// X-User-ID header set by the auth proxy.
func getUserID(r *http.Request) string {
	if userID := r.URL.Query().Get("userId"); userID != "" {
		return userID
	}
	return r.Header.Get("X-User-ID")
}
