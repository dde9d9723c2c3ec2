package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PacketsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "travony", Name: "mesh_packets_received_total", Help: "Mesh packets handed to the router by the transport"},
		[]string{"type"},
	)
	PacketsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "travony", Name: "mesh_packets_forwarded_total", Help: "Mesh packets rebroadcast to peers"},
		[]string{"type"},
	)
	PacketsDeduped = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "travony", Name: "mesh_packets_deduped_total", Help: "Duplicate packets dropped inside the dedup window"},
	)
	PacketsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "travony", Name: "mesh_packets_malformed_total", Help: "Inbound buffers the codec rejected"},
	)

	SyncDrains = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "travony", Name: "sync_drains_total", Help: "Offline queue drain cycles started"},
	)
	SyncEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "travony", Name: "sync_entries_total", Help: "Queue entries processed by outcome"},
		[]string{"outcome"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "travony", Name: "breaker_transitions_total", Help: "Circuit breaker state transitions"},
		[]string{"breaker", "to"},
	)
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "travony", Name: "breaker_rejections_total", Help: "Calls rejected while a breaker was open"},
		[]string{"breaker"},
	)

	Rematches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "travony", Name: "rematches_total", Help: "Rematch attempts by outcome"},
		[]string{"outcome"},
	)
	CreditsIssued = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "travony", Name: "accountability_credits_total", Help: "Accountability credits issued to riders"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "travony", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "travony",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
