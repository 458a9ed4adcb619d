package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/sirsinexus/nexus/pkg/agent/aws"
	"github.com/sirsinexus/nexus/pkg/agent/azure"
	"github.com/sirsinexus/nexus/pkg/agent/gcp"
	"github.com/sirsinexus/nexus/pkg/events"
	"github.com/sirsinexus/nexus/pkg/log"
	"github.com/sirsinexus/nexus/pkg/metrics"
	"github.com/sirsinexus/nexus/pkg/types"
)

// AWSAgent is an AWS connector as the manager sees it.
type AWSAgent interface {
	SirsiInterface
	AccountID() string
}

// AzureAgent is an Azure connector as the manager sees it.
type AzureAgent interface {
	SirsiInterface
	SubscriptionID() string
}

// GCPAgent is a GCP connector as the manager sees it.
type GCPAgent interface {
	SirsiInterface
	ProjectID() string
}

// Factories build provider connectors from validated configs. Tests override
// individual entries to inject fakes; nil entries take the real constructors.
type Factories struct {
	AWS   func(id string, cfg aws.Config) AWSAgent
	Azure func(id string, cfg azure.Config) AzureAgent
	GCP   func(id string, cfg gcp.Config) GCPAgent
}

// AgentView is the selector-facing snapshot of one connector.
type AgentView struct {
	ID           string
	Provider     types.Provider
	Capabilities []string
	Healthy      bool
}

// ManagerConfig holds the manager's collaborators.
type ManagerConfig struct {
	Broker    *events.Broker // nil disables event publishing
	Clock     clock.Clock    // nil means the wall clock
	Vault     *CredentialVault
	Factories Factories
	// DiscoveryCacheTTL bounds how long a discovery result is served from
	// cache. Zero means 30 seconds.
	DiscoveryCacheTTL time.Duration
}

type entry[A SirsiInterface] struct {
	conn        A
	sealedCreds []byte
	createdAt   time.Time
	healthy     bool
	lastHealth  time.Time
}

// Manager owns the connector tables, one per provider. Creation runs
// Initialize then HealthCheck and retains nothing on failure; lookups route
// by opaque connector ID. Connectors are shared read-only once created.
type Manager struct {
	mu    sync.RWMutex
	aws   map[string]*entry[AWSAgent]
	azure map[string]*entry[AzureAgent]
	gcp   map[string]*entry[GCPAgent]

	discoveries *cache.Cache
	vault       *CredentialVault
	factories   Factories
	broker      *events.Broker
	clock       clock.Clock
	logger      zerolog.Logger
}

// NewManager creates a connector manager. A nil vault gets an ephemeral
// per-process key.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Vault == nil {
		vault, err := NewEphemeralVault()
		if err != nil {
			return nil, err
		}
		cfg.Vault = vault
	}
	if cfg.DiscoveryCacheTTL <= 0 {
		cfg.DiscoveryCacheTTL = 30 * time.Second
	}
	if cfg.Factories.AWS == nil {
		cfg.Factories.AWS = func(id string, c aws.Config) AWSAgent { return aws.New(id, c) }
	}
	if cfg.Factories.Azure == nil {
		cfg.Factories.Azure = func(id string, c azure.Config) AzureAgent { return azure.New(id, c) }
	}
	if cfg.Factories.GCP == nil {
		cfg.Factories.GCP = func(id string, c gcp.Config) GCPAgent { return gcp.New(id, c) }
	}

	return &Manager{
		aws:         make(map[string]*entry[AWSAgent]),
		azure:       make(map[string]*entry[AzureAgent]),
		gcp:         make(map[string]*entry[GCPAgent]),
		discoveries: cache.New(cfg.DiscoveryCacheTTL, time.Minute),
		vault:       cfg.Vault,
		factories:   cfg.Factories,
		broker:      cfg.Broker,
		clock:       cfg.Clock,
		logger:      log.WithComponent("agents"),
	}, nil
}

// CreateAWSConnector validates and stores an AWS connector. On any failure
// no state is retained.
func (m *Manager) CreateAWSConnector(ctx context.Context, cfg aws.Config) (string, error) {
	id := uuid.New().String()
	conn := m.factories.AWS(id, cfg)

	sealed, err := m.admit(ctx, conn, map[string]string{
		"access_key_id":     cfg.AccessKeyID,
		"secret_access_key": cfg.SecretAccessKey,
		"session_token":     cfg.SessionToken,
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.aws[id] = &entry[AWSAgent]{
		conn:        conn,
		sealedCreds: sealed,
		createdAt:   m.clock.Now(),
		healthy:     true,
		lastHealth:  m.clock.Now(),
	}
	m.mu.Unlock()

	m.created(conn)
	return id, nil
}

// CreateAzureConnector validates and stores an Azure connector.
func (m *Manager) CreateAzureConnector(ctx context.Context, cfg azure.Config) (string, error) {
	id := uuid.New().String()
	conn := m.factories.Azure(id, cfg)

	sealed, err := m.admit(ctx, conn, map[string]string{
		"tenant_id":     cfg.TenantID,
		"client_id":     cfg.ClientID,
		"client_secret": cfg.ClientSecret,
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.azure[id] = &entry[AzureAgent]{
		conn:        conn,
		sealedCreds: sealed,
		createdAt:   m.clock.Now(),
		healthy:     true,
		lastHealth:  m.clock.Now(),
	}
	m.mu.Unlock()

	m.created(conn)
	return id, nil
}

// CreateGCPConnector validates and stores a GCP connector.
func (m *Manager) CreateGCPConnector(ctx context.Context, cfg gcp.Config) (string, error) {
	id := uuid.New().String()
	conn := m.factories.GCP(id, cfg)

	sealed, err := m.admit(ctx, conn, map[string]string{
		"credentials_json": string(cfg.CredentialsJSON),
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.gcp[id] = &entry[GCPAgent]{
		conn:        conn,
		sealedCreds: sealed,
		createdAt:   m.clock.Now(),
		healthy:     true,
		lastHealth:  m.clock.Now(),
	}
	m.mu.Unlock()

	m.created(conn)
	return id, nil
}

// CreateConnector rejects providers without a connector implementation.
// The supported providers have their own typed create calls.
func (m *Manager) CreateConnector(provider types.Provider) (string, error) {
	return "", fmt.Errorf("provider %s is not supported: %w", provider, errdefs.ErrInvalidArgument)
}

// admit runs the create protocol: seal the credentials, then Initialize,
// then HealthCheck. Any failure aborts with nothing retained.
func (m *Manager) admit(ctx context.Context, conn SirsiInterface, credentials map[string]string) ([]byte, error) {
	var sealed []byte
	if stripped := stripEmpty(credentials); len(stripped) > 0 {
		var err error
		sealed, err = m.vault.Seal(stripped)
		if err != nil {
			return nil, fmt.Errorf("sealing %s credentials: %v: %w", conn.Provider(), err, errdefs.ErrFailedPrecondition)
		}
	}
	if err := conn.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := conn.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return sealed, nil
}

func (m *Manager) created(conn SirsiInterface) {
	metrics.ConnectorsTotal.WithLabelValues(string(conn.Provider())).Inc()
	metrics.ConnectorsHealthy.WithLabelValues(string(conn.Provider())).Inc()

	m.logger.Info().
		Str("connector_id", conn.ID()).
		Str("provider", string(conn.Provider())).
		Str("region", conn.Region()).
		Msg("Connector created")

	m.publish(events.EventConnectorCreated,
		fmt.Sprintf("%s connector %s created", conn.Provider(), conn.ID()),
		map[string]string{"connector_id": conn.ID(), "provider": string(conn.Provider())})
}

// DiscoverAWSResources runs discovery through an AWS connector and returns
// the AWS-shaped result. Recent identical calls are served from cache.
func (m *Manager) DiscoverAWSResources(ctx context.Context, connectorID string, resourceTypes []string) (types.AWSDiscoveryResult, error) {
	m.mu.RLock()
	e, ok := m.aws[connectorID]
	m.mu.RUnlock()
	if !ok {
		return types.AWSDiscoveryResult{}, fmt.Errorf("aws connector %s: %w", connectorID, errdefs.ErrNotFound)
	}

	key := discoveryKey(connectorID, resourceTypes)
	if cached, hit := m.discoveries.Get(key); hit {
		return cached.(types.AWSDiscoveryResult), nil
	}

	result, err := m.discover(ctx, e.conn, resourceTypes)
	if err != nil {
		return types.AWSDiscoveryResult{}, err
	}

	out := types.AWSDiscoveryResult{
		DiscoveryResult: result,
		AccountID:       e.conn.AccountID(),
		ByType: lo.CountValuesBy(result.Resources, func(r types.CloudResource) string {
			return r.ResourceType
		}),
	}
	m.discoveries.Set(key, out, cache.DefaultExpiration)
	return out, nil
}

// DiscoverAzureResources runs discovery through an Azure connector.
func (m *Manager) DiscoverAzureResources(ctx context.Context, connectorID string, resourceTypes []string) (types.AzureDiscoveryResult, error) {
	m.mu.RLock()
	e, ok := m.azure[connectorID]
	m.mu.RUnlock()
	if !ok {
		return types.AzureDiscoveryResult{}, fmt.Errorf("azure connector %s: %w", connectorID, errdefs.ErrNotFound)
	}

	key := discoveryKey(connectorID, resourceTypes)
	if cached, hit := m.discoveries.Get(key); hit {
		return cached.(types.AzureDiscoveryResult), nil
	}

	result, err := m.discover(ctx, e.conn, resourceTypes)
	if err != nil {
		return types.AzureDiscoveryResult{}, err
	}

	out := types.AzureDiscoveryResult{
		DiscoveryResult: result,
		SubscriptionID:  e.conn.SubscriptionID(),
	}
	m.discoveries.Set(key, out, cache.DefaultExpiration)
	return out, nil
}

// DiscoverGCPResources runs discovery through a GCP connector.
func (m *Manager) DiscoverGCPResources(ctx context.Context, connectorID string, resourceTypes []string) (types.GCPDiscoveryResult, error) {
	m.mu.RLock()
	e, ok := m.gcp[connectorID]
	m.mu.RUnlock()
	if !ok {
		return types.GCPDiscoveryResult{}, fmt.Errorf("gcp connector %s: %w", connectorID, errdefs.ErrNotFound)
	}

	key := discoveryKey(connectorID, resourceTypes)
	if cached, hit := m.discoveries.Get(key); hit {
		return cached.(types.GCPDiscoveryResult), nil
	}

	result, err := m.discover(ctx, e.conn, resourceTypes)
	if err != nil {
		return types.GCPDiscoveryResult{}, err
	}

	out := types.GCPDiscoveryResult{
		DiscoveryResult: result,
		ProjectID:       e.conn.ProjectID(),
	}
	m.discoveries.Set(key, out, cache.DefaultExpiration)
	return out, nil
}

func (m *Manager) discover(ctx context.Context, conn SirsiInterface, resourceTypes []string) (types.DiscoveryResult, error) {
	timer := m.clock.Now()
	result, err := conn.Discover(ctx, resourceTypes)
	metrics.DiscoveryDuration.WithLabelValues(string(conn.Provider())).
		Observe(m.clock.Since(timer).Seconds())
	return result, err
}

// HealthCheckConnector routes a health check by connector ID and records the
// outcome.
func (m *Manager) HealthCheckConnector(ctx context.Context, connectorID string) error {
	conn, err := m.lookup(connectorID)
	if err != nil {
		return err
	}

	checkErr := conn.HealthCheck(ctx)
	m.recordHealth(connectorID, conn, checkErr)
	return checkErr
}

// HealthCheckAll sweeps every connector concurrently and returns the
// combined failures. A partial sweep still records every outcome.
func (m *Manager) HealthCheckAll(ctx context.Context) error {
	m.mu.RLock()
	conns := make([]SirsiInterface, 0, len(m.aws)+len(m.azure)+len(m.gcp))
	for _, e := range m.aws {
		conns = append(conns, e.conn)
	}
	for _, e := range m.azure {
		conns = append(conns, e.conn)
	}
	for _, e := range m.gcp {
		conns = append(conns, e.conn)
	}
	m.mu.RUnlock()

	var (
		errMu sync.Mutex
		errs  error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			checkErr := conn.HealthCheck(ctx)
			m.recordHealth(conn.ID(), conn, checkErr)
			if checkErr != nil {
				errMu.Lock()
				errs = multierr.Append(errs, checkErr)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (m *Manager) recordHealth(connectorID string, conn SirsiInterface, checkErr error) {
	now := m.clock.Now()
	healthy := checkErr == nil

	m.mu.Lock()
	wasHealthy := true
	switch conn.Provider() {
	case types.ProviderAWS:
		if e, ok := m.aws[connectorID]; ok {
			wasHealthy, e.healthy, e.lastHealth = e.healthy, healthy, now
		}
	case types.ProviderAzure:
		if e, ok := m.azure[connectorID]; ok {
			wasHealthy, e.healthy, e.lastHealth = e.healthy, healthy, now
		}
	case types.ProviderGCP:
		if e, ok := m.gcp[connectorID]; ok {
			wasHealthy, e.healthy, e.lastHealth = e.healthy, healthy, now
		}
	}
	m.mu.Unlock()

	if healthy != wasHealthy {
		gauge := metrics.ConnectorsHealthy.WithLabelValues(string(conn.Provider()))
		if healthy {
			gauge.Inc()
		} else {
			gauge.Dec()
			m.logger.Warn().
				Str("connector_id", connectorID).
				Err(checkErr).
				Msg("Connector unhealthy")
			m.publish(events.EventConnectorUnhealthy,
				fmt.Sprintf("%s connector %s failed its health check", conn.Provider(), connectorID),
				map[string]string{"connector_id": connectorID, "provider": string(conn.Provider())})
		}
	}
}

// List returns the listable view of every connector, sorted by creation time.
func (m *Manager) List() []types.ConnectorInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]types.ConnectorInfo, 0, len(m.aws)+len(m.azure)+len(m.gcp))
	for _, e := range m.aws {
		infos = append(infos, info(e.conn, e.createdAt, e.healthy, e.lastHealth))
	}
	for _, e := range m.azure {
		infos = append(infos, info(e.conn, e.createdAt, e.healthy, e.lastHealth))
	}
	for _, e := range m.gcp {
		infos = append(infos, info(e.conn, e.createdAt, e.healthy, e.lastHealth))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Snapshot returns the selector-facing view of every connector.
func (m *Manager) Snapshot() []AgentView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	views := make([]AgentView, 0, len(m.aws)+len(m.azure)+len(m.gcp))
	for id, e := range m.aws {
		views = append(views, AgentView{ID: id, Provider: types.ProviderAWS, Capabilities: e.conn.Capabilities(), Healthy: e.healthy})
	}
	for id, e := range m.azure {
		views = append(views, AgentView{ID: id, Provider: types.ProviderAzure, Capabilities: e.conn.Capabilities(), Healthy: e.healthy})
	}
	for id, e := range m.gcp {
		views = append(views, AgentView{ID: id, Provider: types.ProviderGCP, Capabilities: e.conn.Capabilities(), Healthy: e.healthy})
	}
	return views
}

// Remove deletes a connector. Sealed credentials go with it.
func (m *Manager) Remove(connectorID string) error {
	m.mu.Lock()
	var (
		provider types.Provider
		healthy  bool
		found    bool
	)
	if e, ok := m.aws[connectorID]; ok {
		provider, healthy, found = types.ProviderAWS, e.healthy, true
		delete(m.aws, connectorID)
	} else if e, ok := m.azure[connectorID]; ok {
		provider, healthy, found = types.ProviderAzure, e.healthy, true
		delete(m.azure, connectorID)
	} else if e, ok := m.gcp[connectorID]; ok {
		provider, healthy, found = types.ProviderGCP, e.healthy, true
		delete(m.gcp, connectorID)
	}
	m.mu.Unlock()

	if !found {
		return fmt.Errorf("connector %s: %w", connectorID, errdefs.ErrNotFound)
	}

	metrics.ConnectorsTotal.WithLabelValues(string(provider)).Dec()
	if healthy {
		metrics.ConnectorsHealthy.WithLabelValues(string(provider)).Dec()
	}

	m.logger.Info().Str("connector_id", connectorID).Msg("Connector removed")
	m.publish(events.EventConnectorRemoved,
		fmt.Sprintf("%s connector %s removed", provider, connectorID),
		map[string]string{"connector_id": connectorID, "provider": string(provider)})
	return nil
}

// Execute runs one task against one connector and shapes the agent response.
// This is the seam the orchestration engine dispatches through.
func (m *Manager) Execute(ctx context.Context, connectorID string, task *types.Task) (types.AgentResponse, error) {
	conn, err := m.lookup(connectorID)
	if err != nil {
		return types.AgentResponse{}, err
	}

	params, err := decodeParams(task.Parameters)
	if err != nil {
		return types.AgentResponse{}, fmt.Errorf("task %s parameters: %v: %w", task.ID, err, errdefs.ErrInvalidArgument)
	}
	resourceTypes := params.ResourceTypes
	if len(resourceTypes) == 0 {
		resourceTypes = defaultResourceTypes(conn.Provider())
	}

	response := types.AgentResponse{
		AgentID:    connectorID,
		AgentType:  conn.Provider(),
		Confidence: 1.0,
		Metadata:   map[string]any{"task_type": string(task.Type)},
		ReceivedAt: m.clock.Now(),
	}

	switch task.Type {
	case types.TaskDiscovery:
		result, err := conn.Discover(ctx, resourceTypes)
		if err != nil {
			return types.AgentResponse{}, err
		}
		response.Response = result
		if len(result.Warnings) > 0 {
			response.Confidence = 0.8
		}

	case types.TaskCostAnalysis:
		result, err := conn.Discover(ctx, resourceTypes)
		if err != nil {
			return types.AgentResponse{}, err
		}
		estimates, err := conn.EstimateCost(ctx, result.Resources)
		if err != nil {
			return types.AgentResponse{}, err
		}
		total := 0.0
		for _, monthly := range estimates {
			total += monthly
		}
		response.Response = map[string]any{
			"estimates":         estimates,
			"total_monthly_usd": total,
			"resources":         len(result.Resources),
		}

	case types.TaskRecommendation, types.TaskRemediation, types.TaskPlanning:
		result, err := conn.Discover(ctx, resourceTypes)
		if err != nil {
			return types.AgentResponse{}, err
		}
		advice, err := conn.Recommend(ctx, result.Resources)
		if err != nil {
			return types.AgentResponse{}, err
		}
		response.Response = map[string]any{
			"recommendations": advice,
			"resources":       len(result.Resources),
		}
		if len(advice) == 0 {
			response.Confidence = 0.5
		}

	default:
		return types.AgentResponse{}, fmt.Errorf("task type %s: %w", task.Type, errdefs.ErrNotImplemented)
	}

	return response, nil
}

// lookup resolves a connector ID across the three provider tables.
func (m *Manager) lookup(connectorID string) (SirsiInterface, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.aws[connectorID]; ok {
		return e.conn, nil
	}
	if e, ok := m.azure[connectorID]; ok {
		return e.conn, nil
	}
	if e, ok := m.gcp[connectorID]; ok {
		return e.conn, nil
	}
	return nil, fmt.Errorf("connector %s: %w", connectorID, errdefs.ErrNotFound)
}

func (m *Manager) publish(eventType events.EventType, message string, metadata map[string]string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}

// taskParams is the decoded view of the task parameter bag.
type taskParams struct {
	ResourceTypes        []string `mapstructure:"resource_types"`
	RequiredCapabilities []string `mapstructure:"required_capabilities"`
}

func decodeParams(parameters map[string]any) (taskParams, error) {
	var params taskParams
	if len(parameters) == 0 {
		return params, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &params,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return params, err
	}
	return params, decoder.Decode(parameters)
}

func defaultResourceTypes(provider types.Provider) []string {
	switch provider {
	case types.ProviderAWS:
		return []string{"instance", "volume"}
	case types.ProviderAzure:
		return []string{"vm"}
	case types.ProviderGCP:
		return []string{"instance", "disk"}
	}
	return nil
}

func info(conn SirsiInterface, createdAt time.Time, healthy bool, lastHealth time.Time) types.ConnectorInfo {
	return types.ConnectorInfo{
		ID:              conn.ID(),
		Provider:        conn.Provider(),
		Region:          conn.Region(),
		Capabilities:    conn.Capabilities(),
		Healthy:         healthy,
		LastHealthCheck: lastHealth,
		CreatedAt:       createdAt,
	}
}

func discoveryKey(connectorID string, resourceTypes []string) string {
	sorted := append([]string(nil), resourceTypes...)
	sort.Strings(sorted)
	return connectorID + "|" + strings.Join(sorted, ",")
}

func stripEmpty(credentials map[string]string) map[string]string {
	out := make(map[string]string, len(credentials))
	for k, v := range credentials {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
