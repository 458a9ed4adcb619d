package types

import (
	"time"
)

// ServiceType classifies a managed service and determines its port range.
//
// The well-known types have fixed ranges (see PortRange). Any other value is
// treated as a custom type and draws from the shared custom range.
type ServiceType string

const (
	ServiceTypeRestAPI   ServiceType = "rest-api"
	ServiceTypeWebSocket ServiceType = "websocket"
	ServiceTypeGRPC      ServiceType = "grpc"
	ServiceTypeAnalytics ServiceType = "analytics"
	ServiceTypeSecurity  ServiceType = "security"
)

// PortRange returns the inclusive port range for the service type.
// Unrecognized types fall into the custom range.
func (t ServiceType) PortRange() (min, max int) {
	switch t {
	case ServiceTypeRestAPI:
		return 8080, 8099
	case ServiceTypeWebSocket:
		return 8100, 8119
	case ServiceTypeGRPC:
		return 50051, 50099
	case ServiceTypeAnalytics:
		return 8200, 8219
	case ServiceTypeSecurity:
		return 8300, 8319
	default:
		return 9000, 9999
	}
}

// IsCustom reports whether the type is outside the well-known set.
func (t ServiceType) IsCustom() bool {
	switch t {
	case ServiceTypeRestAPI, ServiceTypeWebSocket, ServiceTypeGRPC,
		ServiceTypeAnalytics, ServiceTypeSecurity:
		return false
	}
	return true
}

// AllocationStatus represents the lifecycle state of a port allocation.
type AllocationStatus string

const (
	AllocationActive   AllocationStatus = "active"
	AllocationDraining AllocationStatus = "draining"
	AllocationExpired  AllocationStatus = "expired"
)

// PortAllocation is a claim on a (host, port) pair owned by one service name,
// kept alive by heartbeats. At most one active allocation exists per
// (host, port) and per service name.
type PortAllocation struct {
	ID            string           `json:"id"`
	ServiceName   string           `json:"service_name"`
	ServiceType   ServiceType      `json:"service_type"`
	Port          int              `json:"port"`
	Host          string           `json:"host"`
	Status        AllocationStatus `json:"status"`
	LeaseStart    time.Time        `json:"lease_start"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	TTL           time.Duration    `json:"ttl"`
}

// ServiceStatus represents the state of a managed service instance.
type ServiceStatus string

const (
	ServiceInitializing    ServiceStatus = "initializing"
	ServiceStarting        ServiceStatus = "starting"
	ServiceRunning         ServiceStatus = "running"
	ServiceDegraded        ServiceStatus = "degraded"
	ServiceFailed          ServiceStatus = "failed"
	ServiceStopping        ServiceStatus = "stopping"
	ServiceStopped         ServiceStatus = "stopped"
	ServiceCriticalFailure ServiceStatus = "critical_failure"
)

// Terminal reports whether the status ends the supervision lifecycle.
// A critically failed service does not restart without re-registration.
func (s ServiceStatus) Terminal() bool {
	return s == ServiceStopped || s == ServiceCriticalFailure
}

// ServiceConfig declares a service to the hypervisor: identity, type,
// ordering constraints, and restart policy. It is the unit of the ignition
// manifest.
type ServiceConfig struct {
	Name             string        `json:"name" yaml:"name"`
	Type             ServiceType   `json:"type" yaml:"type"`
	Host             string        `json:"host,omitempty" yaml:"host,omitempty"`
	Dependencies     []string      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	FailureThreshold int           `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	AutoRestart      bool          `json:"auto_restart" yaml:"auto_restart"`
	HealthPath       string        `json:"health_path,omitempty" yaml:"health_path,omitempty"`
	HeartbeatTTL     time.Duration `json:"heartbeat_ttl,omitempty" yaml:"heartbeat_ttl,omitempty"`
}

// ServiceInstance is a managed service tracked by the hypervisor. The
// hypervisor control loop is the sole writer; readers receive copies.
type ServiceInstance struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Type             ServiceType   `json:"type"`
	Status           ServiceStatus `json:"status"`
	Port             int           `json:"port,omitempty"`
	PID              int           `json:"pid,omitempty"`
	AllocationID     string        `json:"allocation_id,omitempty"`
	StartTime        time.Time     `json:"start_time"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	RestartCount     int           `json:"restart_count"`
	HealthURL        string        `json:"health_url,omitempty"`
	Dependencies     []string      `json:"dependencies,omitempty"`
	FailureThreshold int           `json:"failure_threshold"`
	AutoRestart      bool          `json:"auto_restart"`
	LastError        string        `json:"last_error,omitempty"`
}

// Provider identifies a cloud platform.
type Provider string

const (
	ProviderAWS     Provider = "aws"
	ProviderAzure   Provider = "azure"
	ProviderGCP     Provider = "gcp"
	ProviderVSphere Provider = "vsphere"
)

// Supported reports whether connectors can be created for the provider.
func (p Provider) Supported() bool {
	switch p {
	case ProviderAWS, ProviderAzure, ProviderGCP:
		return true
	}
	return false
}

// TaskType is a hint to agent selection; semantics belong to the agents.
type TaskType string

const (
	TaskDiscovery      TaskType = "discovery"
	TaskCostAnalysis   TaskType = "cost_analysis"
	TaskRecommendation TaskType = "recommendation"
	TaskRemediation    TaskType = "remediation"
	TaskPlanning       TaskType = "planning"
)

// Valid reports whether the task type is in the accepted set.
func (t TaskType) Valid() bool {
	switch t {
	case TaskDiscovery, TaskCostAnalysis, TaskRecommendation,
		TaskRemediation, TaskPlanning:
		return true
	}
	return false
}

// TaskStatus represents the state of an orchestrated task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskRetrying   TaskStatus = "retrying"
)

// Terminal reports whether the status is final. A task that still has
// retries left passes through Retrying instead of Failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Cancellable reports whether a task in this status may be cancelled.
func (s TaskStatus) Cancellable() bool {
	return s == TaskQueued || s == TaskProcessing || s == TaskRetrying
}

// Task is a unit of work tracked by the orchestration engine from submission
// through a terminal status. Priority is 0-100, higher first; equal
// priorities dequeue in submission order.
type Task struct {
	ID            string         `json:"id"`
	Type          TaskType       `json:"type"`
	Priority      int            `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
	ScheduledFor  *time.Time     `json:"scheduled_for,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Status        TaskStatus     `json:"status"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	MaxRetries    int            `json:"max_retries"`
	CurrentRetry  int            `json:"current_retry"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

// AgentResponse is a single agent's contribution to a task session.
// Sessions preserve arrival order; consumers key by AgentID.
type AgentResponse struct {
	AgentID    string         `json:"agent_id"`
	AgentType  Provider       `json:"agent_type"`
	Response   any            `json:"response"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// CloudResource is the normalized shape shared by all providers. Provider
// specifics ride in Tags and Metadata.
type CloudResource struct {
	Provider     Provider          `json:"provider"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Name         string            `json:"name,omitempty"`
	Region       string            `json:"region"`
	Tags         map[string]string `json:"tags,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	CostEstimate *float64          `json:"cost_estimate,omitempty"`
}

// DiscoveryResult carries discovered resources plus non-fatal warnings.
// Partial success is a result with warnings, never an error.
type DiscoveryResult struct {
	Provider  Provider        `json:"provider"`
	Resources []CloudResource `json:"resources"`
	Warnings  []string        `json:"warnings,omitempty"`
	Took      time.Duration   `json:"took,omitempty"`
}

// AWSDiscoveryResult is the AWS arm of the discovery variants: the shared
// shape plus the caller account and per-type counts.
type AWSDiscoveryResult struct {
	DiscoveryResult
	AccountID string         `json:"account_id,omitempty"`
	ByType    map[string]int `json:"by_type,omitempty"`
}

// AzureDiscoveryResult is the Azure arm, scoped to one subscription.
type AzureDiscoveryResult struct {
	DiscoveryResult
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// GCPDiscoveryResult is the GCP arm, scoped to one project.
type GCPDiscoveryResult struct {
	DiscoveryResult
	ProjectID string `json:"project_id,omitempty"`
}

// ConnectorInfo is the listable view of a connector. Credentials never
// appear here.
type ConnectorInfo struct {
	ID              string    `json:"id"`
	Provider        Provider  `json:"provider"`
	Region          string    `json:"region,omitempty"`
	Capabilities    []string  `json:"capabilities"`
	Healthy         bool      `json:"healthy"`
	LastHealthCheck time.Time `json:"last_health_check"`
	CreatedAt       time.Time `json:"created_at"`
}

// SystemStatus is the hypervisor's aggregate view, recomputed on the
// status tick.
type SystemStatus struct {
	Total         int        `json:"total"`
	Running       int        `json:"running"`
	Failed        int        `json:"failed"`
	TotalRestarts int        `json:"total_restarts"`
	LastIncident  *time.Time `json:"last_incident,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RegistryStats summarizes port registry occupancy.
type RegistryStats struct {
	TotalAllocations  int                 `json:"total_allocations"`
	ActiveAllocations int                 `json:"active_allocations"`
	PerType           map[ServiceType]int `json:"per_type"`
}

// OrchestratorStats summarizes the task engine's queue and table sizes.
type OrchestratorStats struct {
	QueueDepth int                `json:"queue_depth"`
	ByStatus   map[TaskStatus]int `json:"by_status"`
	InFlight   int                `json:"in_flight"`
	Sessions   int                `json:"sessions"`
}
