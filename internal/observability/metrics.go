package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RequestsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_submitted_total", Help: "Ride requests submitted"})
	RequestsExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_expired_total", Help: "Ride requests expired without a match"})
	MatchesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Successful request to driver assignments"})
	MatchConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_conflicts_total", Help: "Assignments rejected because the request or driver was taken"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Latency of the match-and-assign transaction"})
	DriversAvailable  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_available", Help: "Available drivers seen by the last listing"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride lifecycle transitions by target status"},
		[]string{"status"},
	)

	HubConnections  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "hub_connections", Help: "Open realtime connections"})
	HubDropped      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "hub_dropped_messages_total", Help: "Outbound messages dropped on full send queues"})
	LocationSamples = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Location samples persisted"})

	NotifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Failed notification deliveries by gateway"},
		[]string{"gateway"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
