// Package metrics exposes the Prometheus registry and HTTP handler used by
// ledgerscan. Metrics themselves are defined with promauto in the package
// that owns them (batch, retry, aggregate, client, ratelimit, accounts,
// ethdeposits) so this package imports none of them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is where promauto registers every ledgerscan metric.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads back what Registry collected.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the collected metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Catalogue
//
// Executor (pkg/batch):
//   - ledgerscan_chunks_total{status} (Counter): chunk outcomes (ok, failed, not_started)
//   - ledgerscan_chunk_duration_seconds (Histogram): wall time per chunk including retries
//   - ledgerscan_inflight_fetches (Gauge): chunk fetches currently running
//
// Aggregator (pkg/aggregate):
//   - ledgerscan_units_total (Counter): blocks folded
//   - ledgerscan_transactions_total (Counter): transactions folded
//   - ledgerscan_messages_total (Counter): messages folded
//   - ledgerscan_decode_failures_total (Counter): blocks skipped on decode failure
//
// Retry (pkg/retry):
//   - ledgerscan_retries_total{op} (Counter): retry attempts
//   - ledgerscan_retry_backoff_seconds{op} (Histogram): waits before retries
//   - ledgerscan_retry_exhausted_total{op} (Counter): policies that gave up
//
// Node client (pkg/client):
//   - ledgerscan_node_requests_total{endpoint,status} (Counter)
//   - ledgerscan_node_request_duration_seconds{endpoint} (Histogram)
//   - ledgerscan_node_errors_total{class} (Counter)
//
// Request gate (pkg/ratelimit):
//   - ledgerscan_error_budget_remaining (Gauge)
//   - ledgerscan_rate_limit_blocks_total (Counter)
//   - ledgerscan_rate_limit_throttles_total (Counter)
//   - ledgerscan_rate_limit_wait_seconds (Histogram)
//
// Accounts and deposits:
//   - ledgerscan_accounts_joined_total (Counter)
//   - ledgerscan_deposits_found_total (Counter)
//   - ledgerscan_deposit_decode_failures_total (Counter)
//
// Example queries:
//
//   # Chunk loss rate under the skip policy
//   rate(ledgerscan_chunks_total{status="failed"}[5m]) / rate(ledgerscan_chunks_total[5m])
//
//   # P95 chunk latency
//   histogram_quantile(0.95, rate(ledgerscan_chunk_duration_seconds_bucket[5m]))
//
//   # Error budget close to exhaustion
//   ledgerscan_error_budget_remaining < 10
