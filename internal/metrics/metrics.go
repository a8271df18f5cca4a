package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Workflow metrics
var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_runs_total",
			Help: "Total number of finished workflow runs by outcome",
		},
		[]string{"outcome", "category"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "responder_run_duration_seconds",
			Help:    "Duration of workflow runs in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	DraftAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "responder_draft_attempts",
			Help:    "Number of drafts produced per run",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_verifications_total",
			Help: "Total number of draft verifications by result",
		},
		[]string{"result"},
	)

	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "responder_runs_in_flight",
			Help: "Number of workflow runs currently executing",
		},
	)
)

// External call metrics
var (
	ExternalCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_external_calls_total",
			Help: "Total number of external call attempts",
		},
		[]string{"operation", "status"},
	)

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "responder_external_call_duration_seconds",
			Help:    "Duration of external call attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Poll loop metrics
var (
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_polls_total",
			Help: "Total number of mailbox polls",
		},
		[]string{"status"},
	)

	MessagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "responder_messages_fetched_total",
			Help: "Total number of messages returned by the mailbox",
		},
	)

	MessagesFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_messages_filtered_total",
			Help: "Messages dropped before the workflow by reason",
		},
		[]string{"reason"},
	)
)

// Knowledge base metrics
var (
	RetrievalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_retrievals_total",
			Help: "Total number of knowledge base queries",
		},
		[]string{"result"},
	)

	IndexedChunks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "responder_index_chunks",
			Help: "Number of chunks in the opened knowledge index",
		},
	)
)

// NewServer returns an HTTP server exposing the default registry at /metrics
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
