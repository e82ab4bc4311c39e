// Package metrics exposes the Prometheus registry used by the proxy.
// All metrics are defined in their respective packages (cache, fetch,
// strategy, lifecycle, update, notify, engine) and registered via promauto.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the proxy.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Store Metrics (pkg/cache):
//   - sw_cache_hits_total{store} (Counter): Store hits by store name
//   - sw_cache_misses_total (Counter): Store misses
//   - sw_cache_errors_total{operation} (Counter): Store operation errors
//   - sw_cache_stores (Gauge): Number of named stores
//
// Upstream Metrics (pkg/fetch):
//   - sw_upstream_requests_total{status} (Counter): Upstream requests by HTTP status
//   - sw_upstream_request_duration_seconds{method} (Histogram): Upstream request duration
//   - sw_upstream_errors_total{class} (Counter): Errors by class (client, server, network)
//
// Strategy Metrics (pkg/strategy):
//   - sw_fetch_total{class, outcome} (Counter): Intercepted requests by class and
//     answering source (network, cache, offline, placeholder, retry, error)
//   - sw_fetch_duration_seconds{class} (Histogram): Time to resolve an intercepted request
//
// Lifecycle Metrics (pkg/lifecycle, pkg/update):
//   - sw_install_total{result} (Counter): Version installs (installed, failed)
//   - sw_update_refresh_total{result} (Counter): Update check refreshes (updated, failed)
//
// Notification Metrics (pkg/notify):
//   - sw_notifications_total{kind} (Counter): shown, replaced, clicked, dismissed,
//     forwarded, ignored
//
// Event Metrics (pkg/engine):
//   - sw_events_total{kind, result} (Counter): Dispatched events (ok, error, rejected)
//
// Example Prometheus Queries:
//
//   # Store Hit Rate
//   sum(rate(sw_cache_hits_total[5m])) /
//   (sum(rate(sw_cache_hits_total[5m])) + sum(rate(sw_cache_misses_total[5m])))
//
//   # Share of navigations answered offline
//   sum(rate(sw_fetch_total{class="navigation",outcome!="network"}[5m])) /
//   sum(rate(sw_fetch_total{class="navigation"}[5m]))
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(sw_upstream_request_duration_seconds_bucket[5m]))
//
//   # Failed installs
//   increase(sw_install_total{result="failed"}[1h]) > 0
