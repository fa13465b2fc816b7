// Package metrics provides Prometheus instrumentation for the portfolio service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerMutations counts buy, sell and reconciliation commits by result.
	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_ledger_mutations_total",
		Help: "Ledger mutations by operation and result",
	}, []string{"op", "result"})

	// LedgerConflicts counts version conflicts that were retried.
	LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_ledger_version_conflicts_total",
		Help: "Ledger writes rejected by the version check",
	})

	// Reconciliations counts imports by outcome status.
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_reconciliations_total",
		Help: "Holdings imports by reconciliation status",
	}, []string{"status"})

	// PriceCacheLookups counts cache hits and misses per ISIN.
	PriceCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_price_cache_lookups_total",
		Help: "Price cache lookups by result",
	}, []string{"result"})

	// PriceFetches counts calls to the external price source.
	PriceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_price_fetches_total",
		Help: "External price source calls by result",
	}, []string{"result"})

	// PricesUnavailable counts holdings valued at their buy price.
	PricesUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_prices_unavailable_total",
		Help: "Holdings valued without a market price",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
