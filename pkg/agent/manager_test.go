package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/sirsinexus/nexus/pkg/agent/aws"
	"github.com/sirsinexus/nexus/pkg/agent/azure"
	"github.com/sirsinexus/nexus/pkg/agent/gcp"
	"github.com/sirsinexus/nexus/pkg/types"
)

// fakeConnector is a scriptable SirsiInterface used across the manager tests.
type fakeConnector struct {
	id       string
	provider types.Provider

	initErr   error
	healthErr error

	discoverCalls int
	discovered    types.DiscoveryResult
	discoverErr   error

	estimates   map[string]float64
	estimateErr error

	advice []string
}

func (f *fakeConnector) ID() string               { return f.id }
func (f *fakeConnector) Provider() types.Provider { return f.provider }
func (f *fakeConnector) Region() string           { return "test-region" }

func (f *fakeConnector) Capabilities() []string {
	return []string{CapabilityDiscover, CapabilityRecommend, CapabilityHealth}
}

func (f *fakeConnector) Initialize(context.Context) error  { return f.initErr }
func (f *fakeConnector) HealthCheck(context.Context) error { return f.healthErr }

func (f *fakeConnector) Discover(context.Context, []string) (types.DiscoveryResult, error) {
	f.discoverCalls++
	return f.discovered, f.discoverErr
}

func (f *fakeConnector) EstimateCost(context.Context, []types.CloudResource) (map[string]float64, error) {
	return f.estimates, f.estimateErr
}

func (f *fakeConnector) Recommend(context.Context, []types.CloudResource) ([]string, error) {
	return f.advice, nil
}

type fakeAWS struct{ fakeConnector }

func (f *fakeAWS) AccountID() string { return "123456789012" }

type fakeAzure struct{ fakeConnector }

func (f *fakeAzure) SubscriptionID() string { return "sub-1" }

type fakeGCP struct{ fakeConnector }

func (f *fakeGCP) ProjectID() string { return "my-project" }

// testManager builds a manager whose factories hand back the given fakes.
func testManager(t *testing.T, clk *testclock.FakeClock, awsFake *fakeAWS, azureFake *fakeAzure, gcpFake *fakeGCP) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Clock: clk,
		Factories: Factories{
			AWS: func(id string, cfg aws.Config) AWSAgent {
				awsFake.id, awsFake.provider = id, types.ProviderAWS
				return awsFake
			},
			Azure: func(id string, cfg azure.Config) AzureAgent {
				azureFake.id, azureFake.provider = id, types.ProviderAzure
				return azureFake
			},
			GCP: func(id string, cfg gcp.Config) GCPAgent {
				gcpFake.id, gcpFake.provider = id, types.ProviderGCP
				return gcpFake
			},
		},
	})
	require.NoError(t, err)
	return m
}

func newFakes() (*fakeAWS, *fakeAzure, *fakeGCP) {
	return &fakeAWS{}, &fakeAzure{}, &fakeGCP{}
}

func TestCreateConnectorPerProvider(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)
	ctx := context.Background()

	awsID, err := m.CreateAWSConnector(ctx, aws.Config{AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)
	azureID, err := m.CreateAzureConnector(ctx, azure.Config{TenantID: "t", ClientID: "c", ClientSecret: "s"})
	require.NoError(t, err)
	gcpID, err := m.CreateGCPConnector(ctx, gcp.Config{ProjectID: "my-project"})
	require.NoError(t, err)

	infos := m.List()
	require.Len(t, infos, 3)
	ids := []string{infos[0].ID, infos[1].ID, infos[2].ID}
	assert.Contains(t, ids, awsID)
	assert.Contains(t, ids, azureID)
	assert.Contains(t, ids, gcpID)
	for _, info := range infos {
		assert.True(t, info.Healthy)
	}
}

func TestCreateRetainsNothingOnValidationFailure(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	awsFake.healthErr = errors.New("bad credentials")
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)

	_, err := m.CreateAWSConnector(context.Background(), aws.Config{AccessKeyID: "k", SecretAccessKey: "s"})
	require.Error(t, err)
	assert.Empty(t, m.List())
}

func TestCreateUnsupportedProvider(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)

	_, err := m.CreateConnector(types.ProviderVSphere)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestDiscoverAWSShapesAndCaches(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	awsFake.discovered = types.DiscoveryResult{
		Provider: types.ProviderAWS,
		Resources: []types.CloudResource{
			{ResourceType: "ec2/instance", ResourceID: "i-1"},
			{ResourceType: "ec2/instance", ResourceID: "i-2"},
			{ResourceType: "ec2/volume", ResourceID: "vol-1"},
		},
	}
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)
	ctx := context.Background()

	id, err := m.CreateAWSConnector(ctx, aws.Config{AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)

	result, err := m.DiscoverAWSResources(ctx, id, []string{"instances", "volumes"})
	require.NoError(t, err)
	assert.Equal(t, "123456789012", result.AccountID)
	assert.Equal(t, map[string]int{"ec2/instance": 2, "ec2/volume": 1}, result.ByType)

	// An identical follow-up call is served from cache.
	_, err = m.DiscoverAWSResources(ctx, id, []string{"volumes", "instances"})
	require.NoError(t, err)
	assert.Equal(t, 1, awsFake.discoverCalls)

	// A different type set is a different cache key.
	_, err = m.DiscoverAWSResources(ctx, id, []string{"instances"})
	require.NoError(t, err)
	assert.Equal(t, 2, awsFake.discoverCalls)
}

func TestDiscoverScopesResultsPerProvider(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)
	ctx := context.Background()

	azureID, err := m.CreateAzureConnector(ctx, azure.Config{TenantID: "t", ClientID: "c", ClientSecret: "s"})
	require.NoError(t, err)
	gcpID, err := m.CreateGCPConnector(ctx, gcp.Config{ProjectID: "my-project"})
	require.NoError(t, err)

	azureResult, err := m.DiscoverAzureResources(ctx, azureID, []string{"vms"})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", azureResult.SubscriptionID)

	gcpResult, err := m.DiscoverGCPResources(ctx, gcpID, []string{"instances"})
	require.NoError(t, err)
	assert.Equal(t, "my-project", gcpResult.ProjectID)

	// Discovery routes are provider-typed: an Azure ID is not an AWS connector.
	_, err = m.DiscoverAWSResources(ctx, azureID, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestHealthCheckTransitions(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)
	ctx := context.Background()

	id, err := m.CreateAWSConnector(ctx, aws.Config{AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)

	awsFake.healthErr = errors.New("token expired")
	require.Error(t, m.HealthCheckConnector(ctx, id))
	infos := m.List()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Healthy)

	awsFake.healthErr = nil
	require.NoError(t, m.HealthCheckConnector(ctx, id))
	assert.True(t, m.List()[0].Healthy)
}

func TestHealthCheckAllCollectsFailures(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)
	ctx := context.Background()

	_, err := m.CreateAWSConnector(ctx, aws.Config{AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)
	_, err = m.CreateAzureConnector(ctx, azure.Config{TenantID: "t", ClientID: "c", ClientSecret: "s"})
	require.NoError(t, err)

	azureFake.healthErr = errors.New("forbidden")
	err = m.HealthCheckAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")

	// The AWS connector's outcome was still recorded.
	for _, view := range m.Snapshot() {
		if view.Provider == types.ProviderAWS {
			assert.True(t, view.Healthy)
		} else {
			assert.False(t, view.Healthy)
		}
	}
}

func TestRemoveConnector(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)
	ctx := context.Background()

	id, err := m.CreateAWSConnector(ctx, aws.Config{AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)

	require.NoError(t, m.Remove(id))
	assert.Empty(t, m.List())

	err = m.Remove(id)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestExecuteDiscoveryTask(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	awsFake.discovered = types.DiscoveryResult{
		Provider:  types.ProviderAWS,
		Resources: []types.CloudResource{{ResourceType: "ec2/instance", ResourceID: "i-1"}},
		Warnings:  []string{"describe volumes: throttled"},
	}
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)
	ctx := context.Background()

	id, err := m.CreateAWSConnector(ctx, aws.Config{AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)

	response, err := m.Execute(ctx, id, &types.Task{
		ID:         "task-1",
		Type:       types.TaskDiscovery,
		Parameters: map[string]any{"resource_types": []string{"instances"}},
	})
	require.NoError(t, err)
	assert.Equal(t, id, response.AgentID)
	assert.Equal(t, types.ProviderAWS, response.AgentType)
	// Warnings lower the reported confidence.
	assert.Equal(t, 0.8, response.Confidence)

	result, ok := response.Response.(types.DiscoveryResult)
	require.True(t, ok)
	assert.Len(t, result.Resources, 1)
}

func TestExecuteCostAnalysisTask(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	awsFake.discovered = types.DiscoveryResult{
		Resources: []types.CloudResource{{ResourceType: "ec2/instance", ResourceID: "i-1"}},
	}
	awsFake.estimates = map[string]float64{"i-1": 73.0}
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)
	ctx := context.Background()

	id, err := m.CreateAWSConnector(ctx, aws.Config{AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)

	response, err := m.Execute(ctx, id, &types.Task{ID: "task-1", Type: types.TaskCostAnalysis})
	require.NoError(t, err)

	payload, ok := response.Response.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 73.0, payload["total_monthly_usd"])
}

func TestExecuteRecommendationTask(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	awsFake.advice = []string{"instance i-1 has no Name tag"}
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)
	ctx := context.Background()

	id, err := m.CreateAWSConnector(ctx, aws.Config{AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)

	response, err := m.Execute(ctx, id, &types.Task{ID: "task-1", Type: types.TaskRecommendation})
	require.NoError(t, err)

	payload, ok := response.Response.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"instance i-1 has no Name tag"}, payload["recommendations"])
	assert.Equal(t, 1.0, response.Confidence)
}

func TestExecuteUnknownConnector(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)

	_, err := m.Execute(context.Background(), "missing", &types.Task{ID: "task-1", Type: types.TaskDiscovery})
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestExecuteBadParameters(t *testing.T) {
	awsFake, azureFake, gcpFake := newFakes()
	m := testManager(t, testclock.NewFakeClock(time.Now()), awsFake, azureFake, gcpFake)
	ctx := context.Background()

	id, err := m.CreateAWSConnector(ctx, aws.Config{AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)

	_, err = m.Execute(ctx, id, &types.Task{
		ID:         "task-1",
		Type:       types.TaskDiscovery,
		Parameters: map[string]any{"resource_types": map[string]any{"bad": "shape"}},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}
