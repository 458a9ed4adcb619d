package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sirsinexus/nexus/pkg/agent"
	"github.com/sirsinexus/nexus/pkg/agent/aws"
	"github.com/sirsinexus/nexus/pkg/agent/azure"
	"github.com/sirsinexus/nexus/pkg/agent/gcp"
	"github.com/sirsinexus/nexus/pkg/events"
	"github.com/sirsinexus/nexus/pkg/hypervisor"
	"github.com/sirsinexus/nexus/pkg/log"
	"github.com/sirsinexus/nexus/pkg/metrics"
	"github.com/sirsinexus/nexus/pkg/orchestrator"
	"github.com/sirsinexus/nexus/pkg/registry"
	"github.com/sirsinexus/nexus/pkg/types"
)

// requestTimeout bounds every control-plane call made on behalf of an HTTP
// request.
const requestTimeout = 30 * time.Second

// Server is the HTTP/JSON surface over the control plane.
type Server struct {
	hv      *hypervisor.Hypervisor
	engine  *orchestrator.Engine
	agents  *agent.Manager
	ports   *registry.Registry
	broker  *events.Broker
	logger  zerolog.Logger
	handler http.Handler
}

// NewServer wires the HTTP API around the control-plane components.
func NewServer(hv *hypervisor.Hypervisor, engine *orchestrator.Engine, agents *agent.Manager, ports *registry.Registry, broker *events.Broker) *Server {
	s := &Server{
		hv:     hv,
		engine: engine,
		agents: agents,
		ports:  ports,
		broker: broker,
		logger: log.WithComponent("api"),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/tasks", s.submitTask)
	mux.HandleFunc("GET /v1/tasks", s.listTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.getTask)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.cancelTask)
	mux.HandleFunc("GET /v1/tasks/{id}/results", s.taskResults)

	mux.HandleFunc("POST /v1/connectors", s.createConnector)
	mux.HandleFunc("GET /v1/connectors", s.listConnectors)
	mux.HandleFunc("DELETE /v1/connectors/{id}", s.removeConnector)
	mux.HandleFunc("POST /v1/connectors/{id}/health", s.connectorHealth)
	mux.HandleFunc("POST /v1/connectors/{id}/discover", s.discover)

	mux.HandleFunc("GET /v1/services", s.listServices)
	mux.HandleFunc("GET /v1/services/{name}", s.getService)
	mux.HandleFunc("POST /v1/services/{name}/start", s.startService)
	mux.HandleFunc("POST /v1/services/{name}/stop", s.stopService)
	mux.HandleFunc("POST /v1/services/{name}/restart", s.restartService)

	mux.HandleFunc("GET /v1/system/status", s.systemStatus)
	mux.HandleFunc("GET /v1/registry/directory", s.registryDirectory)
	mux.HandleFunc("GET /v1/registry/stats", s.registryStats)
	mux.HandleFunc("GET /v1/events", s.streamEvents)

	s.handler = s.instrument(mux)
	return s
}

// Handler returns the instrumented root handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves HTTP until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// instrument wires zerolog request logging and the request metrics around
// the mux.
func (s *Server) instrument(next http.Handler) http.Handler {
	chain := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Msg("Request")
		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(duration.Seconds())
	})(next)
	return hlog.NewHandler(s.logger)(chain)
}

// httpStatus maps error kinds onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsFailedPrecondition(err):
		return http.StatusPreconditionFailed
	case errdefs.IsResourceExhausted(err):
		return http.StatusTooManyRequests
	case errdefs.IsNotImplemented(err):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("decoding request body: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}

func reqContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

// --- tasks ---

type submitTaskRequest struct {
	ID           string         `json:"id,omitempty"`
	Type         types.TaskType `json:"type"`
	Priority     int            `json:"priority"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	MaxRetries   int            `json:"max_retries"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	taskID, err := s.engine.Submit(&types.Task{
		ID:           req.ID,
		Type:         req.Type,
		Priority:     req.Priority,
		ScheduledFor: req.ScheduledFor,
		Dependencies: req.Dependencies,
		Parameters:   req.Parameters,
		MaxRetries:   req.MaxRetries,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListTasks())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) taskResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.SessionResults(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// --- connectors ---

type createConnectorRequest struct {
	Provider types.Provider `json:"provider"`
	Region   string         `json:"region,omitempty"`

	// AWS
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`

	// Azure
	TenantID       string `json:"tenant_id,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	ClientSecret   string `json:"client_secret,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`

	// GCP
	ProjectID         string `json:"project_id,omitempty"`
	CredentialsBase64 string `json:"credentials_base64,omitempty"`
}

func (s *Server) createConnector(w http.ResponseWriter, r *http.Request) {
	var req createConnectorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := reqContext(r)
	defer cancel()

	var (
		connectorID string
		err         error
	)
	switch req.Provider {
	case types.ProviderAWS:
		connectorID, err = s.agents.CreateAWSConnector(ctx, aws.Config{
			Region:          req.Region,
			AccessKeyID:     req.AccessKeyID,
			SecretAccessKey: req.SecretAccessKey,
			SessionToken:    req.SessionToken,
		})
	case types.ProviderAzure:
		connectorID, err = s.agents.CreateAzureConnector(ctx, azure.Config{
			TenantID:       req.TenantID,
			ClientID:       req.ClientID,
			ClientSecret:   req.ClientSecret,
			SubscriptionID: req.SubscriptionID,
			Region:         req.Region,
		})
	case types.ProviderGCP:
		var credentials []byte
		if req.CredentialsBase64 != "" {
			credentials, err = base64.StdEncoding.DecodeString(req.CredentialsBase64)
			if err != nil {
				writeError(w, fmt.Errorf("decoding credentials: %v: %w", err, errdefs.ErrInvalidArgument))
				return
			}
		}
		connectorID, err = s.agents.CreateGCPConnector(ctx, gcp.Config{
			ProjectID:       req.ProjectID,
			CredentialsJSON: credentials,
			Region:          req.Region,
		})
	default:
		_, err = s.agents.CreateConnector(req.Provider)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"connector_id": connectorID})
}

func (s *Server) listConnectors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agents.List())
}

func (s *Server) removeConnector(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Remove(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) connectorHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqContext(r)
	defer cancel()

	if err := s.agents.HealthCheckConnector(ctx, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type discoverRequest struct {
	ResourceTypes []string `json:"resource_types"`
}

// discover routes by the connector's provider and returns the
// provider-shaped result; each arm is explicit.
func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	connectorID := r.PathValue("id")
	var provider types.Provider
	found := false
	for _, info := range s.agents.List() {
		if info.ID == connectorID {
			provider, found = info.Provider, true
			break
		}
	}
	if !found {
		writeError(w, fmt.Errorf("connector %s: %w", connectorID, errdefs.ErrNotFound))
		return
	}

	ctx, cancel := reqContext(r)
	defer cancel()

	switch provider {
	case types.ProviderAWS:
		result, err := s.agents.DiscoverAWSResources(ctx, connectorID, req.ResourceTypes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case types.ProviderAzure:
		result, err := s.agents.DiscoverAzureResources(ctx, connectorID, req.ResourceTypes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case types.ProviderGCP:
		result, err := s.agents.DiscoverGCPResources(ctx, connectorID, req.ResourceTypes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeError(w, fmt.Errorf("provider %s has no discovery surface: %w", provider, errdefs.ErrNotImplemented))
	}
}

// --- services ---

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqContext(r)
	defer cancel()

	services, err := s.hv.ListServices(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqContext(r)
	defer cancel()

	instance, err := s.hv.ServiceStatus(ctx, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) startService(w http.ResponseWriter, r *http.Request) {
	var cfg types.ServiceConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	name := r.PathValue("name")
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.Name != name {
		writeError(w, fmt.Errorf("body name %q does not match path %q: %w", cfg.Name, name, errdefs.ErrInvalidArgument))
		return
	}

	ctx, cancel := reqContext(r)
	defer cancel()

	instance, err := s.hv.StartService(ctx, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

func (s *Server) stopService(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqContext(r)
	defer cancel()

	if err := s.hv.StopService(ctx, r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) restartService(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqContext(r)
	defer cancel()

	if err := s.hv.RestartService(ctx, r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

// --- system ---

func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqContext(r)
	defer cancel()

	status, err := s.hv.SystemStatus(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) registryDirectory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ports.Directory())
}

func (s *Server) registryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ports.Stats())
}

// streamEvents tails the broker as server-sent events until the client
// disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported: %w", errdefs.ErrNotImplemented))
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
