package integrations

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh and callback outcome labels.
const (
	outcomeSuccess     = "success"
	outcomeRejected    = "rejected"
	outcomeUnreachable = "unreachable"
	outcomeStoreError  = "store_error"
	outcomeNoRefresh   = "no_refresh_token"
	outcomeInvalid     = "invalid_state"
	outcomeLinked      = "account_linked"
	outcomeNotLinked   = "account_not_linked"
)

// Metrics holds the Prometheus collectors for the token lifecycle.
type Metrics struct {
	TokenRequests   *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	RefreshDuration *prometheus.HistogramVec
	Callbacks       *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg yields unregistered
// collectors, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokenRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "connecthub_token_requests_total",
			Help: "Valid-token lookups by provider and result (fresh, refreshed, not_connected, reauth_required).",
		}, []string{"provider", "result"}),
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "connecthub_token_refresh_total",
			Help: "Refresh grant attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RefreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "connecthub_token_refresh_duration_seconds",
			Help:    "Latency of refresh grants including persistence.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		Callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "connecthub_oauth_callbacks_total",
			Help: "OAuth callbacks by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}
}
