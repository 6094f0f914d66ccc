package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/model"
)

const (
	metricsStream  = "METRICS"
	metricsSubject = "metrics.system"
)

// MetricsCollector samples host CPU and memory usage
type MetricsCollector struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	sample func(ctx context.Context) (model.HostMetrics, error)

	mu     sync.RWMutex
	latest model.HostMetrics
}

// NewMetricsCollector creates a new metrics collector. js may be nil.
func NewMetricsCollector(js nats.JetStreamContext, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger: logger.Named("metrics-collector"),
		js:     js,
		sample: sampleHost,
	}
}

// Start ensures the metrics stream exists when JetStream is enabled
func (c *MetricsCollector) Start(ctx context.Context) error {
	if c.js == nil {
		return nil
	}

	stream, err := c.js.StreamInfo(metricsStream)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream == nil {
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:     metricsStream,
			Subjects: []string{"metrics.*"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}
	return nil
}

// Collect takes one sample, keeps it as the latest and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) error {
	metrics, err := c.sample(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample host metrics: %w", err)
	}

	c.mu.Lock()
	c.latest = metrics
	c.mu.Unlock()

	if c.js != nil {
		data, err := json.Marshal(metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		if _, err := c.js.Publish(metricsSubject, data); err != nil {
			return fmt.Errorf("failed to publish metrics: %w", err)
		}
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", metrics.CPUUsage),
		zap.Float64("memory_usage", metrics.MemoryUsage))
	return nil
}

// Latest returns the most recent sample
func (c *MetricsCollector) Latest() model.HostMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func sampleHost(ctx context.Context) (model.HostMetrics, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return model.HostMetrics{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) == 0 {
		return model.HostMetrics{}, errors.New("no CPU usage reported")
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.HostMetrics{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	return model.HostMetrics{
		Timestamp:   time.Now(),
		CPUUsage:    cpuPercent[0],
		MemoryUsage: memInfo.UsedPercent,
	}, nil
}
