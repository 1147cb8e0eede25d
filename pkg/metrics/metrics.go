package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RPC metrics
	RPCTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keystone_rpc_total",
			Help: "Total number of system invocations by system and outcome",
		},
		[]string{"system", "outcome"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keystone_rpc_duration_seconds",
			Help:    "System invocation duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"system"},
	)

	RPCRetries = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keystone_rpc_retries",
			Help:    "Commit retries per invocation",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)

	// Commit metrics
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keystone_commits_total",
			Help: "Total number of commit bundles by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	// Connection metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keystone_connections_active",
			Help: "Currently open client connections",
		},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keystone_messages_total",
			Help: "Wire messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_rate_limited_total",
			Help: "Messages rejected by rate budgets",
		},
	)

	// Subscription metrics
	SubscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keystone_subscriptions_active",
			Help: "Live subscriptions by kind",
		},
		[]string{"kind"},
	)

	SubscriptionEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_subscription_evictions_total",
			Help: "Subscriptions evicted for saturation",
		},
	)

	UpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_updates_total",
			Help: "Subscription update messages sent to clients",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RPCTotal)
	prometheus.MustRegister(RPCDuration)
	prometheus.MustRegister(RPCRetries)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(SubscriptionEvictions)
	prometheus.MustRegister(UpdatesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time into a histogram vec
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
