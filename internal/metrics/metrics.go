// Package metrics exposes Prometheus collectors for the relay engine.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesPending tracks messages waiting for dispatch.
	MessagesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relaypost",
			Subsystem: "queue",
			Name:      "pending_messages",
			Help:      "Number of queued messages not yet in a terminal state",
		},
	)

	// MessagesSent counts successful SMTP deliveries by account.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaypost",
			Subsystem: "smtp",
			Name:      "sent_total",
			Help:      "Total messages accepted by the SMTP server",
		},
		[]string{"account"},
	)

	// MessagesErrored counts permanent delivery failures by account.
	MessagesErrored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaypost",
			Subsystem: "smtp",
			Name:      "errors_total",
			Help:      "Total messages that reached a terminal error state",
		},
		[]string{"account"},
	)

	// MessagesDeferred counts retry deferrals by account.
	MessagesDeferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaypost",
			Subsystem: "smtp",
			Name:      "deferred_total",
			Help:      "Total messages re-deferred for a later attempt",
		},
		[]string{"account"},
	)

	// MessagesRateLimited counts rate-limiter deferrals by account.
	MessagesRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaypost",
			Subsystem: "smtp",
			Name:      "rate_limited_total",
			Help:      "Total admission checks answered with defer or reject",
		},
		[]string{"account"},
	)

	// SendDuration observes the duration of a full SMTP transaction.
	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relaypost",
			Subsystem: "smtp",
			Name:      "send_duration_seconds",
			Help:      "Duration of one SMTP send including MAIL/RCPT/DATA",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// PoolSessions tracks open SMTP sessions by account.
	PoolSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaypost",
			Subsystem: "smtp",
			Name:      "pool_sessions",
			Help:      "Open SMTP sessions held by the connection pool",
		},
		[]string{"account"},
	)

	// ReportsPosted counts delivery-report batches by result.
	ReportsPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaypost",
			Subsystem: "report",
			Name:      "batches_total",
			Help:      "Delivery-report batches posted to tenant sinks",
		},
		[]string{"result"},
	)

	// ReportedMessages counts individual acknowledged report entries.
	ReportedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaypost",
			Subsystem: "report",
			Name:      "messages_total",
			Help:      "Messages acknowledged by a delivery-report sink",
		},
	)

	// CacheLookups counts attachment cache lookups by tier and result.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaypost",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Attachment cache lookups by tier and outcome",
		},
		[]string{"tier", "result"},
	)

	// HTTPRequestsTotal counts control-plane requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaypost",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Control-plane HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures control-plane request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaypost",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control-plane HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)
)

// RegisterRoutes mounts the Prometheus scrape endpoint.
func RegisterRoutes(r chi.Router) {
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}
