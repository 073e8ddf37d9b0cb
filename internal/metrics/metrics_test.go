package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_Singleton(t *testing.T) {
	t.Parallel()

	m1 := Get()
	m2 := Get()
	require.Same(t, m1, m2)
}

func TestRecordHealthCheck(t *testing.T) {
	t.Parallel()

	m := Get()
	before := testutil.ToFloat64(m.HealthChecksTotal.WithLabelValues("10.255.0.1:8080", "success"))

	m.RecordHealthCheck("10.255.0.1:8080", "success", 5*time.Millisecond)
	m.RecordHealthCheck("10.255.0.1:8080", "success", 7*time.Millisecond)

	after := testutil.ToFloat64(m.HealthChecksTotal.WithLabelValues("10.255.0.1:8080", "success"))
	assert.Equal(t, before+2, after)
}

func TestRecordHealthState(t *testing.T) {
	t.Parallel()

	m := Get()
	m.RecordHealthState("10.255.0.2:8080", HealthValueSuspect, 2)

	assert.Equal(t, float64(HealthValueSuspect),
		testutil.ToFloat64(m.PeerHealthStatus.WithLabelValues("10.255.0.2:8080")))
	assert.Equal(t, 2.0,
		testutil.ToFloat64(m.PeerConsecutiveFailures.WithLabelValues("10.255.0.2:8080")))

	m.RecordHealthState("10.255.0.2:8080", HealthValueHealthy, 0)
	assert.Equal(t, float64(HealthValueHealthy),
		testutil.ToFloat64(m.PeerHealthStatus.WithLabelValues("10.255.0.2:8080")))
}
