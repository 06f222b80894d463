package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cerberus-iot/cerberus/pkg/types"
)

// Ingest outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics holds the Prometheus collectors of the ingest pipeline.
type Metrics struct {
	registry *prometheus.Registry

	Ingests          *prometheus.CounterVec
	DecryptFailures  *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	ArchiveFailures  prometheus.Counter
	PipelineDuration prometheus.Histogram
	BatchSize        prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on a private registry
// together with the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ingests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerberus_ingests_total",
				Help: "Total number of ingested envelopes by outcome",
			},
			[]string{"outcome"},
		),
		DecryptFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerberus_decrypt_failures_total",
				Help: "Total number of envelopes that failed decryption, by cause",
			},
			[]string{"code"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cerberus_policy_decisions_total",
				Help: "Total number of policy decisions by risk tier and encryption level",
			},
			[]string{"risk", "encryption"},
		),
		ArchiveFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cerberus_archive_failures_total",
				Help: "Total number of envelopes that could not be archived",
			},
		),
		PipelineDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cerberus_pipeline_duration_seconds",
				Help:    "Duration of envelope processing from decryption to persistence",
				Buckets: prometheus.DefBuckets,
			},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cerberus_batch_size",
				Help:    "Number of envelopes per batch request",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
	}

	m.registry.MustRegister(
		m.Ingests,
		m.DecryptFailures,
		m.Decisions,
		m.ArchiveFailures,
		m.PipelineDuration,
		m.BatchSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision counts one policy decision.
func (m *Metrics) ObserveDecision(d types.PolicyDecision) {
	m.Decisions.WithLabelValues(string(d.SecurityRisk), string(d.EncryptionLevel)).Inc()
}

// ObserveDuration records the time elapsed since start.
func (m *Metrics) ObserveDuration(start time.Time) {
	m.PipelineDuration.Observe(time.Since(start).Seconds())
}
