// Package monitor exposes Prometheus metrics, host resource sampling and
// sync failure alerts.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chansync"

// Outcome labels shared by the counters
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeEnqueued  = "enqueued"
	OutcomeSkipped   = "skipped"
	OutcomeExhausted = "exhausted"
)

// Metrics holds the Prometheus collectors of the orchestrator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	triggers      *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	refreshes     *prometheus.CounterVec
	notifierDrops *prometheus.CounterVec
	activeTimers  prometheus.Gauge
	hostCPU       prometheus.Gauge
	hostMemory    prometheus.Gauge
}

// NewMetrics registers the collectors on registry.
// If registry is nil, it returns nil (no-op metrics).
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		registry: registry,
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_triggers_total",
			Help:      "Schedule executions by outcome",
		}, []string{"trigger", "outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished sync jobs by status and error kind",
		}, []string{"status", "kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of sync jobs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "Credential refresh attempts by outcome",
		}, []string{"outcome"}),
		notifierDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_events_dropped_total",
			Help:      "Status events not delivered to a live connection",
		}, []string{"reason"}),
		activeTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_timers",
			Help:      "Installed schedule timers",
		}),
		hostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_cpu_percent",
			Help:      "Host CPU usage percent",
		}),
		hostMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_memory_percent",
			Help:      "Host memory usage percent",
		}),
	}

	collectors := []prometheus.Collector{
		m.triggers, m.jobs, m.jobDuration, m.refreshes,
		m.notifierDrops, m.activeTimers, m.hostCPU, m.hostMemory,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTrigger counts a schedule execution
func (m *Metrics) RecordTrigger(trigger, outcome string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(trigger, outcome).Inc()
}

// RecordJob counts a finished job and observes its duration
func (m *Metrics) RecordJob(status, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status, kind).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRefresh counts a credential refresh attempt
func (m *Metrics) RecordRefresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

// RecordDrop counts an undelivered status event
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.notifierDrops.WithLabelValues(reason).Inc()
}

// SetActiveTimers sets the installed timer gauge
func (m *Metrics) SetActiveTimers(n int) {
	if m == nil {
		return
	}
	m.activeTimers.Set(float64(n))
}

// SetHostUsage sets the host resource gauges
func (m *Metrics) SetHostUsage(cpuPercent, memoryPercent float64) {
	if m == nil {
		return
	}
	m.hostCPU.Set(cpuPercent)
	m.hostMemory.Set(memoryPercent)
}
