package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
)

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())

	m.RecordAdmission(true, "")
	m.RecordAdmission(false, "RATE_LIMIT_EXCEEDED")
	m.RecordAdmission(false, "RATE_LIMIT_EXCEEDED")
	m.RecordJobFinished("completed", 1024)
	m.SetInFlight(3)

	assert.InDelta(t, 1, testutil.ToFloat64(m.AdmissionDecisions.WithLabelValues("accepted", "")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.AdmissionDecisions.WithLabelValues("rejected", "RATE_LIMIT_EXCEEDED")), 0)
	assert.InDelta(t, 1024, testutil.ToFloat64(m.ArtifactBytes), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.InFlight), 0)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.RecordAdmission(true, "")
		m.RecordAttempt("TRANSPORT_TIMEOUT", 1)
		m.RecordFiring("p", "completed", 2)
		m.RecordEventDropped()
		m.RecordAuditSinkError("postgres")
	})
}
