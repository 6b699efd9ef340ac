// Package metrics provides the centralized Prometheus registry reference
// for the data-loader library. All metrics are defined in their respective
// packages (pool, loader, registry, events) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the library. All
// metrics are automatically registered via promauto in their respective
// packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Pool Metrics (pkg/pool):
//   - nxus_pool_active{pool} (Gauge): Currently executing requests by pool
//   - nxus_pool_queued{pool} (Gauge): Requests waiting for a slot by pool
//   - nxus_pool_requests_total{pool, outcome} (Counter): Settled requests
//     by outcome (success, failure, canceled)
//
// Loader Metrics (pkg/loader):
//   - nxus_load_cycles_total{outcome} (Counter): Completed load cycles by
//     outcome (loaded, busy, failure)
//   - nxus_load_cycle_duration_seconds (Histogram): Load cycle duration
//   - nxus_load_records_total (Counter): Entity records handed to processors
//
// Registry Metrics (pkg/registry):
//   - nxus_shared_loaders (Gauge): Live shared loader specifications
//   - nxus_distribution_cycles_total (Counter): Completed distribution cycles
//   - nxus_catchup_replays_total (Counter): Catch-up replays to late joiners
//
// Event Metrics (pkg/events):
//   - nxus_event_connections (Gauge): Open event-source connections
//   - nxus_event_reconnects_total (Counter): Reconnect attempts
//   - nxus_event_notifications_total{origin} (Counter): Dispatched
//     notifications by origin (pushed, reopen)
//
// Example Prometheus Queries:
//
//   # Pool saturation
//   nxus_pool_active / on(pool) group_left nxus_pool_queued > 0
//
//   # Load failure rate
//   rate(nxus_load_cycles_total{outcome="failure"}[5m])
//
//   # P95 load cycle latency
//   histogram_quantile(0.95, rate(nxus_load_cycle_duration_seconds_bucket[5m]))
//
//   # Catch-up share of deliveries
//   rate(nxus_catchup_replays_total[5m]) / rate(nxus_distribution_cycles_total[5m])
