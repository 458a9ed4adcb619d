package metrics

import (
	"time"

	"github.com/sirsinexus/nexus/pkg/types"
)

// ServiceSource exposes the hypervisor's service table for collection.
type ServiceSource interface {
	Services() []types.ServiceInstance
}

// TaskSource exposes the orchestrator's queue and task table sizes.
type TaskSource interface {
	Stats() types.OrchestratorStats
}

// ConnectorSource exposes the connector manager's registrations.
type ConnectorSource interface {
	List() []types.ConnectorInfo
}

// Collector periodically pulls gauge values from the owning components.
// Counters are incremented inline at the call sites; only point-in-time
// gauges go through here.
type Collector struct {
	services   ServiceSource
	tasks      TaskSource
	connectors ConnectorSource
	interval   time.Duration
	stopCh     chan struct{}
}

// NewCollector creates a new metrics collector. Any source may be nil; its
// gauges are simply not collected.
func NewCollector(services ServiceSource, tasks TaskSource, connectors ConnectorSource) *Collector {
	return &Collector{
		services:   services,
		tasks:      tasks,
		connectors: connectors,
		interval:   15 * time.Second,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectServiceMetrics()
	c.collectTaskMetrics()
	c.collectConnectorMetrics()
}

func (c *Collector) collectServiceMetrics() {
	if c.services == nil {
		return
	}

	counts := make(map[types.ServiceStatus]int)
	for _, svc := range c.services.Services() {
		counts[svc.Status]++
	}

	ServicesTotal.Reset()
	for status, count := range counts {
		ServicesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectTaskMetrics() {
	if c.tasks == nil {
		return
	}

	stats := c.tasks.Stats()
	TaskQueueDepth.Set(float64(stats.QueueDepth))

	TasksTotal.Reset()
	for status, count := range stats.ByStatus {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectConnectorMetrics() {
	if c.connectors == nil {
		return
	}

	total := make(map[types.Provider]int)
	healthy := make(map[types.Provider]int)
	for _, info := range c.connectors.List() {
		total[info.Provider]++
		if info.Healthy {
			healthy[info.Provider]++
		}
	}

	ConnectorsTotal.Reset()
	ConnectorsHealthy.Reset()
	for provider, count := range total {
		ConnectorsTotal.WithLabelValues(string(provider)).Set(float64(count))
		ConnectorsHealthy.WithLabelValues(string(provider)).Set(float64(healthy[provider]))
	}
}
