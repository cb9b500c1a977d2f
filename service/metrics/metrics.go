package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Chain access metrics
	chainCallsTotal     *prometheus.CounterVec
	chainCallDuration   *prometheus.HistogramVec
	chainRateLimitHits  *prometheus.CounterVec
	chainRetries        *prometheus.CounterVec
	historyPagesFetched *prometheus.CounterVec

	// Verification metrics
	verificationsTotal *prometheus.CounterVec

	// Reconciliation pass metrics
	passDuration   *prometheus.HistogramVec
	passesTotal    *prometheus.CounterVec
	passesSkipped  *prometheus.CounterVec
	sendersScanned *prometheus.CounterVec
	matchesTotal   *prometheus.CounterVec
	draftsExpired  *prometheus.CounterVec

	// Ledger metrics
	donationsCreated *prometheus.CounterVec

	// Workflow metrics
	activityDuration *prometheus.HistogramVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		chainCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "givewatch_chain_calls_total",
				Help: "Total number of chain RPC and explorer calls by network, method and status",
			},
			[]string{"network", "method", "status"},
		),
		chainCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "givewatch_chain_call_duration_seconds",
				Help:    "Duration of chain RPC and explorer calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"network", "method"},
		),
		chainRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "givewatch_chain_rate_limit_hits_total",
				Help: "Total number of rate limit responses from chain providers",
			},
			[]string{"network"},
		),
		chainRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "givewatch_chain_retries_total",
				Help: "Total number of chain call retry attempts",
			},
			[]string{"network", "method", "reason"},
		),
		historyPagesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "givewatch_history_pages_fetched_total",
				Help: "Total number of address history pages fetched",
			},
			[]string{"network", "list"},
		),

		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "givewatch_verifications_total",
				Help: "Total number of transaction verifications by outcome",
			},
			[]string{"network", "outcome"},
		),

		passDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "givewatch_pass_duration_seconds",
				Help:    "Duration of reconciliation passes in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"pass", "status"},
		),
		passesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "givewatch_passes_total",
				Help: "Total number of reconciliation passes run",
			},
			[]string{"pass", "status"},
		),
		passesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "givewatch_passes_skipped_total",
				Help: "Total number of passes skipped because the previous run was still draining",
			},
			[]string{"pass"},
		),
		sendersScanned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "givewatch_senders_scanned_total",
				Help: "Total number of sender addresses scanned",
			},
			[]string{"pass", "status"},
		),
		matchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "givewatch_matches_total",
				Help: "Total number of drafts bound to on-chain activity",
			},
			[]string{"pass", "result"},
		),
		draftsExpired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "givewatch_drafts_expired_total",
				Help: "Total number of drafts deleted by the expiry sweep",
			},
			[]string{"kind"},
		),

		donationsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "givewatch_donations_created_total",
				Help: "Total number of confirmed donation records written",
			},
			[]string{"network", "kind", "result"},
		),

		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "givewatch_activity_duration_seconds",
				Help:    "Duration of Temporal activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"activity", "status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Chain access metric helpers

// RecordChainCall records an RPC or explorer call with duration.
func (m *Metrics) RecordChainCall(network, method, status string, duration float64) {
	m.chainCallsTotal.WithLabelValues(network, method, status).Inc()
	m.chainCallDuration.WithLabelValues(network, method).Observe(duration)
}

// RecordRateLimitHit records a rate limit response (HTTP 429 or explorer throttle message).
func (m *Metrics) RecordRateLimitHit(network string) {
	m.chainRateLimitHits.WithLabelValues(network).Inc()
}

// RecordChainRetry records a retry attempt.
func (m *Metrics) RecordChainRetry(network, method, reason string) {
	m.chainRetries.WithLabelValues(network, method, reason).Inc()
}

// RecordHistoryPage records one fetched history page. list is "native" or "token".
func (m *Metrics) RecordHistoryPage(network, list string) {
	m.historyPagesFetched.WithLabelValues(network, list).Inc()
}

// RecordVerification records the outcome of a Verify call. outcome is
// "verified", "speedup" or the error kind.
func (m *Metrics) RecordVerification(network, outcome string) {
	m.verificationsTotal.WithLabelValues(network, outcome).Inc()
}

// Reconciliation pass metric helpers

// RecordPass records a finished pass.
func (m *Metrics) RecordPass(pass, status string, duration float64) {
	m.passDuration.WithLabelValues(pass, status).Observe(duration)
	m.passesTotal.WithLabelValues(pass, status).Inc()
}

// RecordPassSkipped records a pass that did not start because one was already running.
func (m *Metrics) RecordPassSkipped(pass string) {
	m.passesSkipped.WithLabelValues(pass).Inc()
}

// RecordSenderScanned records one sender processed by a matcher.
func (m *Metrics) RecordSenderScanned(pass, status string) {
	m.sendersScanned.WithLabelValues(pass, status).Inc()
}

// RecordMatch records a draft bound to a transaction or flow. result is
// "created" or "duplicate".
func (m *Metrics) RecordMatch(pass, result string) {
	m.matchesTotal.WithLabelValues(pass, result).Inc()
}

// RecordDraftsExpired records drafts removed by the sweep.
func (m *Metrics) RecordDraftsExpired(kind string, count int64) {
	m.draftsExpired.WithLabelValues(kind).Add(float64(count))
}

// RecordDonationCreated records a write through the shared creation routine.
func (m *Metrics) RecordDonationCreated(network, kind, result string) {
	m.donationsCreated.WithLabelValues(network, kind, result).Inc()
}

// Workflow metric helpers

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
