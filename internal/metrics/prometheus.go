package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the vault collectors. A dedicated registry keeps function
// instances from colliding with the default one in tests.
var Registry = prometheus.NewRegistry()

var (
	IngestSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_ingest_steps_total",
			Help: "Ingestion pipeline steps by outcome",
		},
		[]string{"step", "outcome"},
	)

	IngestStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_ingest_step_duration_seconds",
			Help:    "Duration of ingestion pipeline steps in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"step"},
	)

	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_auth_attempts_total",
			Help: "Authentication attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	DocumentDeletes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_document_deletes_total",
			Help: "Document deletions by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(IngestSteps, IngestStepDuration, AuthAttempts, DocumentDeletes)
}

// ObserveStep records one pipeline step.
func ObserveStep(step string, err error, started time.Time) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	IngestSteps.WithLabelValues(step, outcome).Inc()
	IngestStepDuration.WithLabelValues(step).Observe(time.Since(started).Seconds())
}

// Handler serves the vault registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
