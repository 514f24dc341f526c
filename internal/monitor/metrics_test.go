package monitor

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNilMetricsIsNoop(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	require.Nil(t, m)

	assert.NotPanics(t, func() {
		m.RecordTrigger("cron", OutcomeEnqueued)
		m.RecordJob("success", "", time.Second)
		m.RecordRefresh(OutcomeSuccess)
		m.RecordDrop("no_session")
		m.SetActiveTimers(3)
		m.SetHostUsage(1, 2)
	})
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordTrigger("cron", OutcomeEnqueued)
	m.RecordTrigger("cron", OutcomeEnqueued)
	m.RecordJob("failed", "ProviderFetchFailed", 2*time.Second)
	m.RecordRefresh("RefreshDenied")
	m.SetActiveTimers(4)

	assert.Equal(t, float64(2), promtest.ToFloat64(m.triggers.WithLabelValues("cron", OutcomeEnqueued)))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.jobs.WithLabelValues("failed", "ProviderFetchFailed")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.refreshes.WithLabelValues("RefreshDenied")))
	assert.Equal(t, float64(4), promtest.ToFloat64(m.activeTimers))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chansync_schedule_triggers_total")
	assert.Contains(t, string(body), "chansync_job_duration_seconds_bucket")
}

func TestHostSampler(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	s := NewHostSampler(m, time.Hour, zaptest.NewLogger(t))
	assert.Nil(t, s.Last())

	s.Sample()
	stats := s.Last()
	require.NotNil(t, stats)
	assert.GreaterOrEqual(t, stats.MemoryPercent, 0.0)
	assert.LessOrEqual(t, stats.MemoryPercent, 100.0)
	assert.Equal(t, stats.MemoryPercent, promtest.ToFloat64(m.hostMemory))

	s.Stop()
	s.Stop()
}
