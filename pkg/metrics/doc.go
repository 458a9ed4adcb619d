/*
Package metrics provides Prometheus instrumentation and component health
tracking for Nexus.

All collectors are registered at init and exposed through Handler() on the
API server's /metrics endpoint. Metric names carry the nexus_ prefix.

# Metric Groups

Port registry:

	nexus_port_allocations_active{service_type}   gauge
	nexus_port_allocations_created_total          counter
	nexus_port_allocations_expired_total          counter
	nexus_port_allocation_failures_total{reason}  counter

Orchestration:

	nexus_tasks_total{status}            gauge
	nexus_task_queue_depth               gauge
	nexus_tasks_submitted_total          counter
	nexus_task_retries_total             counter
	nexus_tasks_completed_total          counter
	nexus_tasks_failed_total             counter
	nexus_dispatch_latency_seconds       histogram

Hypervisor:

	nexus_services_total{status}         gauge
	nexus_service_restarts_total         counter

Connectors:

	nexus_connectors_total{provider}             gauge
	nexus_connectors_healthy{provider}           gauge
	nexus_discovery_duration_seconds{provider}   histogram

API:

	nexus_api_requests_total{method,status}      counter
	nexus_api_request_duration_seconds{method}   histogram

# Collection Model

Counters and histograms are driven inline at their call sites. Gauges that
mirror component tables (services by status, tasks by status, connectors by
provider) are pulled by the Collector on a fixed interval from narrow
source interfaces, so this package never imports the owning components.

# Component Health

Beyond Prometheus, the package keeps a process-wide component health
registry consumed by /health and /ready. Components report in with
RegisterComponent/UpdateComponent; readiness requires the critical set
(hypervisor, registry, api) to be registered and healthy.

# Usage

	// inline, at the call site
	metrics.TaskRetries.Inc()
	timer := prometheus.NewTimer(metrics.DispatchLatency)
	defer timer.ObserveDuration()

	// periodic gauges
	collector := metrics.NewCollector(hv, engine, connectors)
	collector.Start()
	defer collector.Stop()
*/
package metrics
