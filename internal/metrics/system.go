package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// SystemCollector samples host resource usage on an interval and
// publishes it as gauges. Disk usage is measured on the filesystem
// holding the data directory.
type SystemCollector struct {
	dataDir  string
	interval time.Duration
	logger   *logrus.Logger

	cpuPercent  prometheus.Gauge
	memPercent  prometheus.Gauge
	diskPercent prometheus.Gauge
	diskFree    prometheus.Gauge

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSystemCollector creates a collector and registers its gauges.
func NewSystemCollector(registry *prometheus.Registry, dataDir string, interval time.Duration, logger *logrus.Logger) *SystemCollector {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	c := &SystemCollector{
		dataDir:  dataDir,
		interval: interval,
		logger:   logger,

		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coffer",
			Subsystem: "system",
			Name:      "cpu_percent",
			Help:      "Host CPU usage.",
		}),
		memPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coffer",
			Subsystem: "system",
			Name:      "memory_percent",
			Help:      "Host memory usage.",
		}),
		diskPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coffer",
			Subsystem: "system",
			Name:      "disk_percent",
			Help:      "Usage of the filesystem holding the data directory.",
		}),
		diskFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coffer",
			Subsystem: "system",
			Name:      "disk_free_bytes",
			Help:      "Free bytes on the filesystem holding the data directory.",
		}),

		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	registry.MustRegister(c.cpuPercent, c.memPercent, c.diskPercent, c.diskFree)
	return c
}

// Start launches the sampling loop.
func (c *SystemCollector) Start() {
	go c.run()
}

// Stop shuts the loop down.
func (c *SystemCollector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *SystemCollector) run() {
	defer close(c.doneCh)
	c.sample()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

// sample takes one reading of every gauge. Individual probe failures
// are logged and skipped.
func (c *SystemCollector) sample() {
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		c.cpuPercent.Set(percentages[0])
	} else if err != nil {
		c.logger.WithError(err).Debug("CPU sample failed")
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		c.memPercent.Set(memInfo.UsedPercent)
	} else {
		c.logger.WithError(err).Debug("Memory sample failed")
	}

	if diskInfo, err := disk.Usage(c.dataDir); err == nil {
		c.diskPercent.Set(diskInfo.UsedPercent)
		c.diskFree.Set(float64(diskInfo.Free))
	} else {
		c.logger.WithError(err).Debug("Disk sample failed")
	}
}
