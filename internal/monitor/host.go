package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HostStats is one sample of host resource usage
type HostStats struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
}

// HostSampler periodically samples host CPU and memory into the metrics gauges
type HostSampler struct {
	logger   *zap.Logger
	metrics  *Metrics
	interval time.Duration

	mu   sync.RWMutex
	last *HostStats
	stop chan struct{}
	once sync.Once
}

// NewHostSampler creates a sampler
func NewHostSampler(metrics *Metrics, interval time.Duration, logger *zap.Logger) *HostSampler {
	return &HostSampler{
		logger:   logger.Named("host-sampler"),
		metrics:  metrics,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start samples once and then every interval until ctx is done or Stop is called
func (s *HostSampler) Start(ctx context.Context) {
	s.logger.Info("Starting host sampler", zap.Duration("interval", s.interval))
	s.Sample()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sample()
			}
		}
	}()
}

// Stop stops the sampling loop
func (s *HostSampler) Stop() {
	s.once.Do(func() {
		s.logger.Info("Stopping host sampler")
		close(s.stop)
	})
}

// Sample takes one measurement
func (s *HostSampler) Sample() {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		s.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		s.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	stats := &HostStats{
		Timestamp:     time.Now(),
		CPUPercent:    cpuPercent[0],
		MemoryPercent: memInfo.UsedPercent,
	}

	s.mu.Lock()
	s.last = stats
	s.mu.Unlock()

	s.metrics.SetHostUsage(stats.CPUPercent, stats.MemoryPercent)

	s.logger.Debug("Host usage sampled",
		zap.Float64("cpu_percent", stats.CPUPercent),
		zap.Float64("memory_percent", stats.MemoryPercent))
}

// Last returns the most recent sample, or nil before the first one
func (s *HostSampler) Last() *HostStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
