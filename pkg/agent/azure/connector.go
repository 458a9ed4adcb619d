package azure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/sirsinexus/nexus/pkg/log"
	"github.com/sirsinexus/nexus/pkg/types"
)

// Config holds the service principal credentials and scope for one Azure
// connector.
type Config struct {
	TenantID       string
	ClientID       string
	ClientSecret   string
	SubscriptionID string
	Region         string
}

// Connector implements the uniform connector contract against Azure. It
// discovers virtual machines in one subscription. Azure has no cost-estimation
// surface here; its capabilities omit "estimate".
type Connector struct {
	id  string
	cfg Config

	cred *azidentity.ClientSecretCredential
	vms  VirtualMachinesAPI

	logger zerolog.Logger
}

// Option customizes connector construction.
type Option func(*Connector)

// WithClient injects a pre-built VM client, bypassing Initialize's client
// construction. Used by tests to substitute fakes.
func WithClient(vms VirtualMachinesAPI) Option {
	return func(c *Connector) {
		c.vms = vms
	}
}

// New creates an Azure connector with the given opaque ID. Initialize must be
// called before any other operation.
func New(id string, cfg Config, opts ...Option) *Connector {
	c := &Connector{
		id:     id,
		cfg:    cfg,
		logger: log.WithConnectorID(id),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connector) ID() string               { return c.id }
func (c *Connector) Provider() types.Provider { return types.ProviderAzure }
func (c *Connector) Region() string           { return c.cfg.Region }

// SubscriptionID returns the subscription this connector is scoped to.
func (c *Connector) SubscriptionID() string { return c.cfg.SubscriptionID }

func (c *Connector) Capabilities() []string {
	return []string{"discover", "recommend", "health"}
}

// Initialize validates the service principal and builds the ARM client.
// An injected client is kept as-is.
func (c *Connector) Initialize(ctx context.Context) error {
	if c.cfg.TenantID == "" || c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return fmt.Errorf("azure connector: tenant, client id and client secret are required: %w", errdefs.ErrFailedPrecondition)
	}
	if c.cfg.SubscriptionID == "" {
		return fmt.Errorf("azure connector: subscription id is required: %w", errdefs.ErrFailedPrecondition)
	}

	cred, err := azidentity.NewClientSecretCredential(c.cfg.TenantID, c.cfg.ClientID, c.cfg.ClientSecret, nil)
	if err != nil {
		return fmt.Errorf("azure connector: building credential: %v: %w", err, errdefs.ErrFailedPrecondition)
	}
	c.cred = cred

	if c.vms != nil {
		return nil
	}
	client, err := armcompute.NewVirtualMachinesClient(c.cfg.SubscriptionID, cred, nil)
	if err != nil {
		return fmt.Errorf("azure connector: building compute client: %v: %w", err, errdefs.ErrFailedPrecondition)
	}
	c.vms = client
	return nil
}

// HealthCheck verifies the credential can mint an ARM token.
func (c *Connector) HealthCheck(ctx context.Context) error {
	if c.cred == nil {
		// A test-injected client has no credential; walking the first page
		// exercises the same path a token fetch would.
		pager := c.vms.NewListAllPager(nil)
		if pager.More() {
			if _, err := pager.NextPage(ctx); err != nil {
				return fmt.Errorf("azure connector: listing virtual machines: %v: %w", err, errdefs.ErrUnavailable)
			}
		}
		return nil
	}
	_, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{"https://management.azure.com/.default"},
	})
	if err != nil {
		return fmt.Errorf("azure connector: acquiring token: %v: %w", err, errdefs.ErrUnavailable)
	}
	return nil
}

// Discover enumerates the requested resource types. Only virtual machines
// are supported; other requested types produce warnings.
func (c *Connector) Discover(ctx context.Context, resourceTypes []string) (types.DiscoveryResult, error) {
	start := time.Now()
	result := types.DiscoveryResult{Provider: types.ProviderAzure}

	wantVMs := false
	for _, rt := range resourceTypes {
		switch strings.ToLower(strings.TrimSpace(rt)) {
		case "vm", "vms", "virtualmachine", "virtualmachines", "compute":
			wantVMs = true
		default:
			result.Warnings = append(result.Warnings, fmt.Sprintf("unsupported resource type %q", rt))
		}
	}

	if wantVMs {
		resources, err := c.discoverVMs(ctx)
		if err != nil {
			return types.DiscoveryResult{}, err
		}
		result.Resources = append(result.Resources, resources...)
	}

	result.Took = time.Since(start)
	c.logger.Debug().
		Int("resources", len(result.Resources)).
		Int("warnings", len(result.Warnings)).
		Dur("took", result.Took).
		Msg("Discovery complete")
	return result, nil
}

func (c *Connector) discoverVMs(ctx context.Context) ([]types.CloudResource, error) {
	var resources []types.CloudResource

	pager := c.vms.NewListAllPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure connector: listing virtual machines: %v: %w", err, errdefs.ErrUnavailable)
		}
		for _, vm := range page.Value {
			resource := types.CloudResource{
				Provider:     types.ProviderAzure,
				ResourceType: "compute/virtualMachine",
				Region:       deref(vm.Location),
				Tags:         map[string]string{},
				Metadata:     map[string]any{},
			}
			if vm.ID != nil {
				resource.ResourceID = *vm.ID
				resource.Metadata["resource_group"] = resourceGroupFromID(*vm.ID)
			}
			if vm.Name != nil {
				resource.Name = *vm.Name
			}
			for k, v := range vm.Tags {
				resource.Tags[k] = deref(v)
			}
			if props := vm.Properties; props != nil {
				if props.HardwareProfile != nil && props.HardwareProfile.VMSize != nil {
					resource.Metadata["vm_size"] = string(*props.HardwareProfile.VMSize)
				}
				if props.ProvisioningState != nil {
					resource.Metadata["provisioning_state"] = *props.ProvisioningState
				}
				if props.VMID != nil {
					resource.Metadata["vm_id"] = *props.VMID
				}
			}
			resources = append(resources, resource)
		}
	}
	return resources, nil
}

// EstimateCost is not part of the Azure surface.
func (c *Connector) EstimateCost(ctx context.Context, resources []types.CloudResource) (map[string]float64, error) {
	return nil, fmt.Errorf("azure connector: cost estimation not supported: %w", errdefs.ErrNotImplemented)
}

// Recommend produces freeform advice from the discovered resource set.
func (c *Connector) Recommend(ctx context.Context, resources []types.CloudResource) ([]string, error) {
	var advice []string

	for _, resource := range resources {
		if resource.ResourceType != "compute/virtualMachine" {
			continue
		}
		state, _ := resource.Metadata["provisioning_state"].(string)
		size, _ := resource.Metadata["vm_size"].(string)
		if strings.EqualFold(state, "failed") {
			advice = append(advice, fmt.Sprintf("virtual machine %s is in a failed provisioning state; redeploy or delete it", resource.Name))
		}
		if strings.Contains(strings.ToLower(size), "standard_d8") || strings.Contains(strings.ToLower(size), "standard_e") {
			advice = append(advice, fmt.Sprintf("virtual machine %s (%s) is a large size; verify utilization before the next billing cycle", resource.Name, size))
		}
		if len(resource.Tags) == 0 {
			advice = append(advice, fmt.Sprintf("virtual machine %s has no tags", resource.Name))
		}
	}
	return advice, nil
}

// resourceGroupFromID extracts the resource group segment from an ARM ID:
// /subscriptions/<sub>/resourceGroups/<rg>/providers/...
func resourceGroupFromID(id string) string {
	parts := strings.Split(id, "/")
	for i := 0; i < len(parts)-1; i++ {
		if strings.EqualFold(parts[i], "resourceGroups") {
			return parts[i+1]
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
