/*
Package types defines the core data structures shared across Nexus.

This package contains the domain model for the control plane: port
allocations, managed service instances, cloud connectors, orchestrated
tasks, and their sessions. Every other package consumes these types;
none of them carries behavior beyond small classification helpers.

# Architecture

The types package is the foundation of the Nexus data model. It defines:

  - Service classification and port ranges (ServiceType)
  - Port allocation records with heartbeat liveness (PortAllocation)
  - Managed service instances and restart policy inputs (ServiceInstance)
  - Cloud providers and connector views (Provider, ConnectorInfo)
  - Orchestrated tasks and their lifecycle (Task, TaskStatus)
  - Agent responses accumulated per task session (AgentResponse)
  - Normalized cloud resources and discovery variants (CloudResource,
    AWSDiscoveryResult, AzureDiscoveryResult, GCPDiscoveryResult)
  - Aggregate status views (SystemStatus, RegistryStats)

All types are designed to be:
  - Serializable (JSON for the API and the bbolt journal, YAML for the
    ignition manifest)
  - Copy-friendly (owners hand out value copies, never shared pointers)
  - Self-documenting (typed string enums, explicit field names)

# Port Ranges

Each ServiceType owns a fixed, non-overlapping port range:

	rest-api    8080-8099
	websocket   8100-8119
	grpc        50051-50099
	analytics   8200-8219
	security    8300-8319
	custom      9000-9999

Any ServiceType value outside the well-known set is a custom type and
draws from the shared custom range. Ranges are inclusive on both ends.

# State Machines

Tasks follow:

	Pending → Queued → Processing → Running → Completed
	                              ↘ Failed → Retrying → Queued
	                              ↘ Cancelled

Pending holds tasks whose dependencies have not completed. The
Failed → Retrying → Queued loop runs while CurrentRetry < MaxRetries;
exhaustion lands in terminal Failed. Terminal states (Completed, Failed,
Cancelled) are never left.

Managed services follow:

	Initializing → Starting → Running
	                  ↑          ↓
	                  └─────── Failed → CriticalFailure
	Running → Stopping → Stopped

Failed returns to Starting while RestartCount < FailureThreshold and
AutoRestart is set; otherwise the service parks in CriticalFailure and
stays there until re-registered.

Port allocations follow:

	Active → Draining → (released)
	Active → Expired  → (removed by cleanup)

Draining allocations keep their port reserved but leave the directory;
Expired allocations are never resurrected by a late heartbeat.

# Design Patterns

Enumeration pattern:

	All enums are typed string constants:
	  type TaskStatus string
	  const (
	      TaskQueued  TaskStatus = "queued"
	      TaskRunning TaskStatus = "running"
	  )

Optional fields use pointers (*time.Time for ScheduledFor and
LastIncident) or zero values (Port == 0 means unallocated).

Discovery variants embed the shared DiscoveryResult and add the
provider-native scope field (account, subscription, project). Callers
switch on the concrete type rather than inspecting a tag.

# Integration Points

  - pkg/registry owns PortAllocation
  - pkg/hypervisor owns ServiceInstance and SystemStatus
  - pkg/orchestrator owns Task and AgentResponse sessions
  - pkg/agent owns ConnectorInfo and the discovery variants
  - pkg/store serializes terminal tasks and journal events as JSON
  - pkg/api exposes all of the above over HTTP

# Thread Safety

Types in this package carry no locks. Each owning component guards its
own table and hands out copies; a PortAllocation or ServiceInstance
received from an accessor is the caller's to keep.
*/
package types
