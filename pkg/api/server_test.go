package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirsinexus/nexus/pkg/agent"
	"github.com/sirsinexus/nexus/pkg/events"
	"github.com/sirsinexus/nexus/pkg/hypervisor"
	"github.com/sirsinexus/nexus/pkg/metrics"
	"github.com/sirsinexus/nexus/pkg/orchestrator"
	"github.com/sirsinexus/nexus/pkg/registry"
	"github.com/sirsinexus/nexus/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	ports := registry.NewRegistry(registry.Config{})

	hv := hypervisor.New(hypervisor.Config{Registry: ports})
	ctx, cancel := context.WithCancel(context.Background())
	go hv.Run(ctx)
	t.Cleanup(cancel)

	agents, err := agent.NewManager(agent.ManagerConfig{})
	require.NoError(t, err)

	engine := orchestrator.NewEngine(orchestrator.Config{Agents: agents})

	return NewServer(hv, engine, agents, ports, broker)
}

// request runs one HTTP round trip against the server's handler and decodes
// the JSON body into out when it is non-nil.
func request(t *testing.T, s *Server, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if out != nil {
		require.NoError(t, json.NewDecoder(w.Body).Decode(out), "body: %s", w.Body.String())
	}
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	var health metrics.HealthStatus
	w := request(t, s, http.MethodGet, "/health", "", &health)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", health.Status)
}

func TestTaskEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := request(t, s, http.MethodPost, "/v1/tasks", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, s, http.MethodPost, "/v1/tasks", `{"type":"mining","priority":10,"max_retries":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var submitted map[string]string
	w = request(t, s, http.MethodPost, "/v1/tasks",
		`{"type":"discovery","priority":50,"max_retries":3,"parameters":{"resource_types":["instance"]}}`,
		&submitted)
	require.Equal(t, http.StatusAccepted, w.Code)
	taskID := submitted["task_id"]
	require.NotEmpty(t, taskID)

	var task types.Task
	w = request(t, s, http.MethodGet, "/v1/tasks/"+taskID, "", &task)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.TaskDiscovery, task.Type)
	assert.Equal(t, types.TaskQueued, task.Status)

	var tasks []types.Task
	w = request(t, s, http.MethodGet, "/v1/tasks", "", &tasks)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, tasks, 1)

	var results []types.AgentResponse
	w = request(t, s, http.MethodGet, "/v1/tasks/"+taskID+"/results", "", &results)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, results)

	w = request(t, s, http.MethodDelete, "/v1/tasks/"+taskID, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = request(t, s, http.MethodGet, "/v1/tasks/"+taskID, "", &task)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.TaskCancelled, task.Status)

	w = request(t, s, http.MethodGet, "/v1/tasks/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServiceEndpoints(t *testing.T) {
	s := newTestServer(t)

	var inst types.ServiceInstance
	w := request(t, s, http.MethodPost, "/v1/services/api-gateway/start",
		`{"type":"rest-api","auto_restart":true}`, &inst)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, types.ServiceRunning, inst.Status)
	assert.GreaterOrEqual(t, inst.Port, 8080)

	// The body may omit the name, but a mismatch is rejected.
	w = request(t, s, http.MethodPost, "/v1/services/api-gateway/start",
		`{"name":"other","type":"rest-api"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, s, http.MethodPost, "/v1/services/api-gateway/start",
		`{"type":"rest-api","auto_restart":true}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	var got types.ServiceInstance
	w = request(t, s, http.MethodGet, "/v1/services/api-gateway", "", &got)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, inst.ID, got.ID)

	var services []types.ServiceInstance
	w = request(t, s, http.MethodGet, "/v1/services", "", &services)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, services, 1)

	w = request(t, s, http.MethodPost, "/v1/services/api-gateway/stop", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = request(t, s, http.MethodGet, "/v1/services/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = request(t, s, http.MethodPost, "/v1/services/ghost/restart", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSystemAndRegistryEndpoints(t *testing.T) {
	s := newTestServer(t)

	_ = request(t, s, http.MethodPost, "/v1/services/api-gateway/start",
		`{"type":"rest-api","auto_restart":true}`, nil)

	var status types.SystemStatus
	w := request(t, s, http.MethodGet, "/v1/system/status", "", &status)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.Running)

	var directory map[string]types.PortAllocation
	w = request(t, s, http.MethodGet, "/v1/registry/directory", "", &directory)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, directory, "api-gateway")

	var stats types.RegistryStats
	w = request(t, s, http.MethodGet, "/v1/registry/stats", "", &stats)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, stats.ActiveAllocations)
}

func TestConnectorEndpoints(t *testing.T) {
	s := newTestServer(t)

	var connectors []types.ConnectorInfo
	w := request(t, s, http.MethodGet, "/v1/connectors", "", &connectors)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, connectors)

	w = request(t, s, http.MethodPost, "/v1/connectors", `{"provider":"vsphere"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, s, http.MethodDelete, "/v1/connectors/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(t, s, http.MethodPost, "/v1/connectors/ghost/health", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(t, s, http.MethodPost, "/v1/connectors/ghost/discover",
		`{"resource_types":["instance"]}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
