// Package metrics provides the Prometheus collectors for the acquirer.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all acquirer metrics.
	Namespace = "acquirer"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Admission
	AdmissionDecisions *prometheus.CounterVec
	InFlight           prometheus.Gauge

	// Acquisition
	Attempts          *prometheus.CounterVec
	AttemptDuration   prometheus.Histogram
	JobsFinished      *prometheus.CounterVec
	ArtifactBytes     prometheus.Counter
	StreamingFallback prometheus.Counter

	// Scheduler
	PolicyFirings *prometheus.CounterVec
	BatchDuration prometheus.Histogram

	// HTTP
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Plumbing
	EventsDropped   prometheus.Counter
	AuditDropped    prometheus.Counter
	AuditSinkErrors *prometheus.CounterVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initAdmission(factory)
	m.initAcquisition(factory)
	m.initScheduler(factory)
	m.initHTTP(factory)

	m.EventsDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Job events dropped because a subscriber was not keeping up",
	})
	m.AuditDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Audit events dropped because the audit queue was full",
	})
	m.AuditSinkErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "audit",
		Name:      "sink_errors_total",
		Help:      "Audit events a sink failed to record",
	}, []string{"sink"})

	return m
}

func (m *Metrics) initAdmission(factory promauto.Factory) {
	m.AdmissionDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Admission decisions by result and rejection code",
	}, []string{"result", "code"})

	m.InFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "admission",
		Name:      "in_flight",
		Help:      "Outstanding admission tokens",
	})
}

func (m *Metrics) initAcquisition(factory promauto.Factory) {
	m.Attempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "acquisition",
		Name:      "attempts_total",
		Help:      "Acquisition attempts by outcome and failure code",
	}, []string{"outcome", "code"})

	m.AttemptDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "acquisition",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of a single acquisition attempt",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	m.JobsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "acquisition",
		Name:      "jobs_finished_total",
		Help:      "Jobs reaching a terminal state",
	}, []string{"state"})

	m.ArtifactBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "acquisition",
		Name:      "artifact_bytes_total",
		Help:      "Bytes persisted as artifacts",
	})

	m.StreamingFallback = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "acquisition",
		Name:      "streaming_fallback_total",
		Help:      "Attempts that fell back from the single-shot to the streaming request",
	})
}

func (m *Metrics) initScheduler(factory promauto.Factory) {
	m.PolicyFirings = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "firings_total",
		Help:      "Policy firings by result",
	}, []string{"policy_id", "result"})

	m.BatchDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "batch_duration_seconds",
		Help:      "Duration of a policy firing batch",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
}

func (m *Metrics) initHTTP(factory promauto.Factory) {
	m.HTTPRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	m.HTTPRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// RecordAdmission records one admission decision.
func (m *Metrics) RecordAdmission(accepted bool, code string) {
	if m == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.AdmissionDecisions.WithLabelValues(result, code).Inc()
}

// SetInFlight reports the outstanding token count.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

// RecordAttempt records one attempt outcome; code is empty on success.
func (m *Metrics) RecordAttempt(code string, seconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if code != "" {
		outcome = "failure"
	}
	m.Attempts.WithLabelValues(outcome, code).Inc()
	m.AttemptDuration.Observe(seconds)
}

// RecordJobFinished records a terminal job and, on completion, its artifact size.
func (m *Metrics) RecordJobFinished(state string, artifactBytes int64) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(state).Inc()
	if artifactBytes > 0 {
		m.ArtifactBytes.Add(float64(artifactBytes))
	}
}

// RecordStreamingFallback counts a fallback to the streaming request.
func (m *Metrics) RecordStreamingFallback() {
	if m == nil {
		return
	}
	m.StreamingFallback.Inc()
}

// RecordFiring records one policy firing.
func (m *Metrics) RecordFiring(policyID, result string, seconds float64) {
	if m == nil {
		return
	}
	m.PolicyFirings.WithLabelValues(policyID, result).Inc()
	if seconds > 0 {
		m.BatchDuration.Observe(seconds)
	}
}

// RecordEventDropped counts an event a slow subscriber missed.
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RecordAuditDropped counts an audit event lost to a full queue.
func (m *Metrics) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

// RecordAuditSinkError counts an audit write failure for sink.
func (m *Metrics) RecordAuditSinkError(sink string) {
	if m == nil {
		return
	}
	m.AuditSinkErrors.WithLabelValues(sink).Inc()
}
