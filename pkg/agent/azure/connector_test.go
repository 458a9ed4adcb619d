package azure

import (
	"context"
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirsinexus/nexus/pkg/types"
)

type fakeVMs struct {
	pages [][]*armcompute.VirtualMachine
	err   error
}

func (f *fakeVMs) NewListAllPager(*armcompute.VirtualMachinesClientListAllOptions) *runtime.Pager[armcompute.VirtualMachinesClientListAllResponse] {
	fetched := 0
	return runtime.NewPager(runtime.PagingHandler[armcompute.VirtualMachinesClientListAllResponse]{
		More: func(armcompute.VirtualMachinesClientListAllResponse) bool {
			return fetched < len(f.pages)
		},
		Fetcher: func(ctx context.Context, _ *armcompute.VirtualMachinesClientListAllResponse) (armcompute.VirtualMachinesClientListAllResponse, error) {
			if f.err != nil {
				return armcompute.VirtualMachinesClientListAllResponse{}, f.err
			}
			page := f.pages[fetched]
			fetched++
			return armcompute.VirtualMachinesClientListAllResponse{
				VirtualMachineListResult: armcompute.VirtualMachineListResult{Value: page},
			}, nil
		},
	})
}

const armID = "/subscriptions/sub-1/resourceGroups/prod-rg/providers/Microsoft.Compute/virtualMachines/web-1"

func testVM() *armcompute.VirtualMachine {
	return &armcompute.VirtualMachine{
		ID:       to.Ptr(armID),
		Name:     to.Ptr("web-1"),
		Location: to.Ptr("eastus"),
		Tags:     map[string]*string{"env": to.Ptr("prod")},
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypesStandardD2V2),
			},
			ProvisioningState: to.Ptr("Succeeded"),
			VMID:              to.Ptr("vm-uuid"),
		},
	}
}

func newTestConnector(t *testing.T, vms VirtualMachinesAPI) *Connector {
	t.Helper()
	c := New("conn-az", Config{
		TenantID:       "tenant",
		ClientID:       "client",
		ClientSecret:   "secret",
		SubscriptionID: "sub-1",
		Region:         "eastus",
	}, WithClient(vms))
	// Initialize would mint a real credential; tests talk straight to the
	// injected client.
	return c
}

func TestInitializeRequiresServicePrincipal(t *testing.T) {
	c := New("conn-az", Config{SubscriptionID: "sub-1"})
	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	c = New("conn-az", Config{TenantID: "t", ClientID: "c", ClientSecret: "s"})
	err = c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestHealthCheckWalksInjectedClient(t *testing.T) {
	c := newTestConnector(t, &fakeVMs{pages: [][]*armcompute.VirtualMachine{{testVM()}}})
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestHealthCheckFailureIsUnavailable(t *testing.T) {
	c := newTestConnector(t, &fakeVMs{
		pages: [][]*armcompute.VirtualMachine{{}},
		err:   errors.New("forbidden"),
	})
	err := c.HealthCheck(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestDiscoverVirtualMachines(t *testing.T) {
	c := newTestConnector(t, &fakeVMs{pages: [][]*armcompute.VirtualMachine{{testVM()}}})

	result, err := c.Discover(context.Background(), []string{"vms"})
	require.NoError(t, err)
	require.Len(t, result.Resources, 1)

	vm := result.Resources[0]
	assert.Equal(t, types.ProviderAzure, vm.Provider)
	assert.Equal(t, "compute/virtualMachine", vm.ResourceType)
	assert.Equal(t, armID, vm.ResourceID)
	assert.Equal(t, "web-1", vm.Name)
	assert.Equal(t, "eastus", vm.Region)
	assert.Equal(t, "prod", vm.Tags["env"])
	assert.Equal(t, "prod-rg", vm.Metadata["resource_group"])
	assert.Equal(t, "Standard_D2_v2", vm.Metadata["vm_size"])
}

func TestDiscoverPaginates(t *testing.T) {
	first := testVM()
	second := testVM()
	second.Name = to.Ptr("web-2")
	c := newTestConnector(t, &fakeVMs{pages: [][]*armcompute.VirtualMachine{{first}, {second}}})

	result, err := c.Discover(context.Background(), []string{"virtualmachines"})
	require.NoError(t, err)
	assert.Len(t, result.Resources, 2)
}

func TestDiscoverUnsupportedTypeWarns(t *testing.T) {
	c := newTestConnector(t, &fakeVMs{})

	result, err := c.Discover(context.Background(), []string{"storage"})
	require.NoError(t, err)
	assert.Empty(t, result.Resources)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "storage")
}

func TestEstimateCostNotImplemented(t *testing.T) {
	c := newTestConnector(t, &fakeVMs{})

	_, err := c.EstimateCost(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotImplemented(err))
	assert.NotContains(t, c.Capabilities(), "estimate")
}

func TestRecommendFlagsFailedAndUntagged(t *testing.T) {
	c := newTestConnector(t, &fakeVMs{})

	advice, err := c.Recommend(context.Background(), []types.CloudResource{
		{
			ResourceType: "compute/virtualMachine",
			Name:         "broken",
			Metadata:     map[string]any{"provisioning_state": "Failed", "vm_size": "Standard_D8s_v3"},
		},
	})
	require.NoError(t, err)

	joined := ""
	for _, a := range advice {
		joined += a + "\n"
	}
	assert.Contains(t, joined, "failed provisioning state")
	assert.Contains(t, joined, "large size")
	assert.Contains(t, joined, "no tags")
}

func TestResourceGroupFromID(t *testing.T) {
	assert.Equal(t, "prod-rg", resourceGroupFromID(armID))
	assert.Empty(t, resourceGroupFromID("/subscriptions/sub-1"))
}
