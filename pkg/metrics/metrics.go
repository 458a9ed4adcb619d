package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Port registry metrics
	PortAllocationsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_port_allocations_active",
			Help: "Active port allocations by service type",
		},
		[]string{"service_type"},
	)

	PortAllocationsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_port_allocations_created_total",
			Help: "Total number of port allocations created",
		},
	)

	PortAllocationsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_port_allocations_expired_total",
			Help: "Total number of port allocations removed by TTL expiry",
		},
	)

	PortAllocationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_port_allocation_failures_total",
			Help: "Failed allocation attempts by reason",
		},
		[]string{"reason"},
	)

	// Orchestration metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_tasks_total",
			Help: "Tracked tasks by status",
		},
		[]string{"status"},
	)

	TaskQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_task_queue_depth",
			Help: "Tasks currently waiting in the priority queue",
		},
	)

	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_tasks_submitted_total",
			Help: "Total number of tasks accepted by the orchestrator",
		},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_task_retries_total",
			Help: "Total number of task retry transitions",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_tasks_completed_total",
			Help: "Total number of tasks that reached Completed",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_tasks_failed_total",
			Help: "Total number of tasks that reached terminal Failed",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexus_dispatch_latency_seconds",
			Help:    "Time from dequeue to agent response in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Hypervisor metrics
	ServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_services_total",
			Help: "Managed services by status",
		},
		[]string{"status"},
	)

	ServiceRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_service_restarts_total",
			Help: "Total number of service restart attempts",
		},
	)

	// Connector metrics
	ConnectorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_connectors_total",
			Help: "Registered connectors by provider",
		},
		[]string{"provider"},
	)

	ConnectorsHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_connectors_healthy",
			Help: "Connectors whose last health check succeeded, by provider",
		},
		[]string{"provider"},
	)

	DiscoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_discovery_duration_seconds",
			Help:    "Cloud discovery duration in seconds by provider",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PortAllocationsActive)
	prometheus.MustRegister(PortAllocationsCreated)
	prometheus.MustRegister(PortAllocationsExpired)
	prometheus.MustRegister(PortAllocationFailures)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskQueueDepth)
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(ServiceRestarts)
	prometheus.MustRegister(ConnectorsTotal)
	prometheus.MustRegister(ConnectorsHealthy)
	prometheus.MustRegister(DiscoveryDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
