// Package metrics provides Prometheus instrumentation for the messaging core.
// It exposes gauges for connections and live subscriptions, counters for
// message and change-feed throughput, and histograms for store latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages by outcome: "sent", "rejected", "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_messages_total",
		Help: "Total number of messages handled by the accessor",
	}, []string{"outcome"})

	// StoreLatency records store round-trips in seconds, labeled by operation.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dm_store_latency_seconds",
		Help:    "Store operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"op"})

	// ConversationsTotal counts directory lookups: "created", "resolved".
	ConversationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_conversations_total",
		Help: "Direct conversations resolved or created by the directory",
	}, []string{"result"})

	// DirectoryCache counts pair-cache lookups: "hit", "miss", "error".
	DirectoryCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_directory_cache_total",
		Help: "Conversation pair cache lookups",
	}, []string{"result"})

	// FeedEvents counts change-feed payloads seen by subscriptions, labeled by
	// outcome: "delivered", "malformed", "foreign", "stale", "duplicate".
	FeedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_feed_events_total",
		Help: "Change-feed events observed by realtime subscriptions",
	}, []string{"outcome"})

	// ActiveSubscriptions tracks live conversation subscriptions.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_active_subscriptions",
		Help: "Current number of active conversation subscriptions",
	})

	// RelayEvents counts notifications handled by the change-feed relay:
	// "published", "failed", "reconnect".
	RelayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_relay_events_total",
		Help: "Store notifications handled by the change-feed relay",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		StoreLatency,
		ConversationsTotal,
		DirectoryCache,
		FeedEvents,
		ActiveSubscriptions,
		RelayEvents,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
