package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumos_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lumos_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Generation metrics
	GenerationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumos_generations_started_total",
			Help: "Total assistant generations started",
		},
	)

	GenerationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumos_generations_completed_total",
			Help: "Total generations reaching a terminal status",
		},
		[]string{"status"}, // "finished", "stopped", "failed"
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lumos_generation_duration_seconds",
			Help:    "Wall time of one generation",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Fan-out metrics
	ListenersAttached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lumos_listeners_attached",
			Help: "Currently attached listener connections",
		},
	)

	FanoutPushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumos_fanout_pushes_total",
			Help: "Payloads pushed to local listeners",
		},
	)

	FanoutSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumos_fanout_skipped_total",
			Help: "Pushes skipped or failed per reason",
		},
		[]string{"reason"}, // "closed", "send_error"
	)

	BrokerPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumos_broker_publishes_total",
			Help: "Messages published to the broker",
		},
	)

	BrokerLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lumos_broker_latency_seconds",
			Help:    "Broker publish latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	// Resumable stream metrics
	StreamResumes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lumos_stream_resumes_total",
			Help: "Resume attempts per outcome",
		},
		[]string{"outcome"}, // "replay", "not_found"
	)

	// Reconciliation sweep
	SweptMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lumos_swept_messages_total",
			Help: "Stale processing messages failed by the sweep",
		},
	)
)
