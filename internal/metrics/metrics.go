package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Live channel metrics
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "1 for the current live channel state, 0 otherwise",
		},
		[]string{"state"},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Total reconnect attempts of the live channel",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_auth_failures_total",
			Help: "Total terminal authentication failures",
		},
	)

	OutboundSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_outbound_events_total",
			Help: "Total outbound events written to the live channel",
		},
		[]string{"type"},
	)

	OutboundDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_outbound_dropped_total",
			Help: "Outbound events dropped because the send buffer was full",
		},
	)

	// Sync metrics
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_inbound_events_total",
			Help: "Total inbound live events processed",
		},
		[]string{"type"},
	)

	MalformedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_malformed_events_total",
			Help: "Inbound events dropped as malformed",
		},
		[]string{"type"},
	)

	OptimisticReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_optimistic_reconciled_total",
			Help: "Optimistic messages replaced by their durable copy",
		},
		[]string{"match"}, // "client_id" or "heuristic"
	)

	HistoryFetchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_history_fetch_errors_total",
			Help: "Total failed history or conversation-list fetches",
		},
	)

	HistoryFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_history_fetch_duration_seconds",
			Help:    "REST history page fetch latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15},
		},
	)
)

// SetConnectionState flags state as the current one.
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
