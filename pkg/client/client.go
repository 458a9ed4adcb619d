// Package client is the thin HTTP wrapper the CLI talks to the daemon
// through. It mirrors the pkg/api surface one method per endpoint and maps
// error payloads back into Go errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirsinexus/nexus/pkg/types"
)

// Client talks to a running daemon's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon at baseURL (e.g. "http://localhost:7700").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is the error payload every endpoint returns on failure.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, into any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload apiError
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, payload.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if into == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// SubmitTaskRequest mirrors the POST /v1/tasks body.
type SubmitTaskRequest struct {
	ID           string         `json:"id,omitempty"`
	Type         types.TaskType `json:"type"`
	Priority     int            `json:"priority"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	MaxRetries   int            `json:"max_retries"`
}

// SubmitTask submits a task and returns its ID.
func (c *Client) SubmitTask(ctx context.Context, req SubmitTaskRequest) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (types.Task, error) {
	var task types.Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+taskID, nil, &task)
	return task, err
}

// ListTasks fetches all tracked tasks.
func (c *Client) ListTasks(ctx context.Context) ([]types.Task, error) {
	var tasks []types.Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks", nil, &tasks)
	return tasks, err
}

// TaskResults fetches a task's session responses.
func (c *Client) TaskResults(ctx context.Context, taskID string) ([]types.AgentResponse, error) {
	var results []types.AgentResponse
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+taskID+"/results", nil, &results)
	return results, err
}

// CancelTask cancels a task.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tasks/"+taskID, nil, nil)
}

// CreateConnectorRequest mirrors the POST /v1/connectors body.
type CreateConnectorRequest struct {
	Provider types.Provider `json:"provider"`
	Region   string         `json:"region,omitempty"`

	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`

	TenantID       string `json:"tenant_id,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	ClientSecret   string `json:"client_secret,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`

	ProjectID         string `json:"project_id,omitempty"`
	CredentialsBase64 string `json:"credentials_base64,omitempty"`
}

// CreateConnector creates a connector and returns its ID.
func (c *Client) CreateConnector(ctx context.Context, req CreateConnectorRequest) (string, error) {
	var out struct {
		ConnectorID string `json:"connector_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/connectors", req, &out); err != nil {
		return "", err
	}
	return out.ConnectorID, nil
}

// ListConnectors fetches the connector table.
func (c *Client) ListConnectors(ctx context.Context) ([]types.ConnectorInfo, error) {
	var infos []types.ConnectorInfo
	err := c.do(ctx, http.MethodGet, "/v1/connectors", nil, &infos)
	return infos, err
}

// RemoveConnector deletes a connector.
func (c *Client) RemoveConnector(ctx context.Context, connectorID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/connectors/"+connectorID, nil, nil)
}

// CheckConnector triggers a connector health check.
func (c *Client) CheckConnector(ctx context.Context, connectorID string) error {
	return c.do(ctx, http.MethodPost, "/v1/connectors/"+connectorID+"/health", nil, nil)
}

// Discover runs discovery through a connector. The result shape depends on
// the connector's provider, so it decodes into a generic map.
func (c *Client) Discover(ctx context.Context, connectorID string, resourceTypes []string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/v1/connectors/"+connectorID+"/discover",
		map[string]any{"resource_types": resourceTypes}, &out)
	return out, err
}

// ListServices fetches the hypervisor's service table.
func (c *Client) ListServices(ctx context.Context) ([]types.ServiceInstance, error) {
	var services []types.ServiceInstance
	err := c.do(ctx, http.MethodGet, "/v1/services", nil, &services)
	return services, err
}

// GetService fetches one managed service.
func (c *Client) GetService(ctx context.Context, name string) (types.ServiceInstance, error) {
	var instance types.ServiceInstance
	err := c.do(ctx, http.MethodGet, "/v1/services/"+name, nil, &instance)
	return instance, err
}

// StartService starts a managed service.
func (c *Client) StartService(ctx context.Context, cfg types.ServiceConfig) (types.ServiceInstance, error) {
	var instance types.ServiceInstance
	err := c.do(ctx, http.MethodPost, "/v1/services/"+cfg.Name+"/start", cfg, &instance)
	return instance, err
}

// StopService stops a managed service.
func (c *Client) StopService(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/v1/services/"+name+"/stop", nil, nil)
}

// RestartService restarts a managed service.
func (c *Client) RestartService(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/v1/services/"+name+"/restart", nil, nil)
}

// SystemStatus fetches the hypervisor aggregate.
func (c *Client) SystemStatus(ctx context.Context) (types.SystemStatus, error) {
	var status types.SystemStatus
	err := c.do(ctx, http.MethodGet, "/v1/system/status", nil, &status)
	return status, err
}

// Directory fetches the port registry's active allocations.
func (c *Client) Directory(ctx context.Context) (map[string]types.PortAllocation, error) {
	var dir map[string]types.PortAllocation
	err := c.do(ctx, http.MethodGet, "/v1/registry/directory", nil, &dir)
	return dir, err
}

// RegistryStats fetches port registry occupancy.
func (c *Client) RegistryStats(ctx context.Context) (types.RegistryStats, error) {
	var stats types.RegistryStats
	err := c.do(ctx, http.MethodGet, "/v1/registry/stats", nil, &stats)
	return stats, err
}
