package gcp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"github.com/sirsinexus/nexus/pkg/log"
	"github.com/sirsinexus/nexus/pkg/types"
)

// Config holds the service account credentials and scope for one GCP
// connector.
type Config struct {
	ProjectID       string
	CredentialsJSON []byte
	Region          string
}

// Connector implements the uniform connector contract against Google Cloud.
// It discovers Compute Engine instances and persistent disks in one project.
// GCP has no cost-estimation surface here; its capabilities omit "estimate".
type Connector struct {
	id  string
	cfg Config

	compute ComputeAPI

	logger zerolog.Logger
}

// Option customizes connector construction.
type Option func(*Connector)

// WithClient injects a pre-built compute client, bypassing Initialize's
// client construction. Used by tests to substitute fakes.
func WithClient(api ComputeAPI) Option {
	return func(c *Connector) {
		c.compute = api
	}
}

// New creates a GCP connector with the given opaque ID. Initialize must be
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
func (c *Connector) Provider() types.Provider { return types.ProviderGCP }
func (c *Connector) Region() string           { return c.cfg.Region }

// ProjectID returns the project this connector is scoped to.
func (c *Connector) ProjectID() string { return c.cfg.ProjectID }

func (c *Connector) Capabilities() []string {
	return []string{"discover", "recommend", "health"}
}

// Initialize validates the credentials and builds the compute service. An
// injected client is kept as-is.
func (c *Connector) Initialize(ctx context.Context) error {
	if c.cfg.ProjectID == "" {
		return fmt.Errorf("gcp connector: project id is required: %w", errdefs.ErrFailedPrecondition)
	}
	if c.compute != nil {
		return nil
	}
	if len(c.cfg.CredentialsJSON) == 0 {
		return fmt.Errorf("gcp connector: service account credentials are required: %w", errdefs.ErrFailedPrecondition)
	}

	svc, err := compute.NewService(ctx, option.WithCredentialsJSON(c.cfg.CredentialsJSON))
	if err != nil {
		return fmt.Errorf("gcp connector: building compute service: %v: %w", err, errdefs.ErrFailedPrecondition)
	}
	c.compute = computeService{svc: svc}
	return nil
}

// HealthCheck verifies the credentials can read the project.
func (c *Connector) HealthCheck(ctx context.Context) error {
	if _, err := c.compute.GetProject(ctx, c.cfg.ProjectID); err != nil {
		return fmt.Errorf("gcp connector: get project %s: %v: %w", c.cfg.ProjectID, err, errdefs.ErrUnavailable)
	}
	return nil
}

// Discover enumerates the requested resource types. Each type that fails adds
// a warning; discovery only errors when nothing was reachable at all.
func (c *Connector) Discover(ctx context.Context, resourceTypes []string) (types.DiscoveryResult, error) {
	start := time.Now()
	result := types.DiscoveryResult{Provider: types.ProviderGCP}

	failures := 0
	for _, rt := range normalizeTypes(resourceTypes) {
		switch rt {
		case "instance":
			resources, err := c.discoverInstances(ctx)
			if err != nil {
				failures++
				result.Warnings = append(result.Warnings, fmt.Sprintf("list instances: %v", err))
				continue
			}
			result.Resources = append(result.Resources, resources...)
		case "disk":
			resources, err := c.discoverDisks(ctx)
			if err != nil {
				failures++
				result.Warnings = append(result.Warnings, fmt.Sprintf("list disks: %v", err))
				continue
			}
			result.Resources = append(result.Resources, resources...)
		default:
			result.Warnings = append(result.Warnings, fmt.Sprintf("unsupported resource type %q", rt))
		}
	}

	result.Took = time.Since(start)
	if len(result.Resources) == 0 && failures > 0 {
		return types.DiscoveryResult{}, fmt.Errorf("gcp discovery failed for project %s: %w", c.cfg.ProjectID, errdefs.ErrUnavailable)
	}

	c.logger.Debug().
		Int("resources", len(result.Resources)).
		Int("warnings", len(result.Warnings)).
		Dur("took", result.Took).
		Msg("Discovery complete")
	return result, nil
}

func (c *Connector) discoverInstances(ctx context.Context) ([]types.CloudResource, error) {
	var resources []types.CloudResource

	err := c.compute.ListInstances(ctx, c.cfg.ProjectID, func(page *compute.InstanceAggregatedList) error {
		for _, scoped := range page.Items {
			for _, inst := range scoped.Instances {
				resource := types.CloudResource{
					Provider:     types.ProviderGCP,
					ResourceType: "compute/instance",
					ResourceID:   strconv.FormatUint(inst.Id, 10),
					Name:         inst.Name,
					Region:       regionFromZone(lastSegment(inst.Zone)),
					Tags:         map[string]string{},
					Metadata: map[string]any{
						"machine_type": lastSegment(inst.MachineType),
						"status":       inst.Status,
						"zone":         lastSegment(inst.Zone),
					},
				}
				for k, v := range inst.Labels {
					resource.Tags[k] = v
				}
				if inst.CreationTimestamp != "" {
					resource.Metadata["created"] = inst.CreationTimestamp
				}
				resources = append(resources, resource)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

func (c *Connector) discoverDisks(ctx context.Context) ([]types.CloudResource, error) {
	var resources []types.CloudResource

	err := c.compute.ListDisks(ctx, c.cfg.ProjectID, func(page *compute.DiskAggregatedList) error {
		for _, scoped := range page.Items {
			for _, disk := range scoped.Disks {
				resource := types.CloudResource{
					Provider:     types.ProviderGCP,
					ResourceType: "compute/disk",
					ResourceID:   strconv.FormatUint(disk.Id, 10),
					Name:         disk.Name,
					Region:       regionFromZone(lastSegment(disk.Zone)),
					Tags:         map[string]string{},
					Metadata: map[string]any{
						"size_gb": disk.SizeGb,
						"type":    lastSegment(disk.Type),
						"status":  disk.Status,
						"users":   len(disk.Users),
					},
				}
				for k, v := range disk.Labels {
					resource.Tags[k] = v
				}
				resources = append(resources, resource)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// EstimateCost is not part of the GCP surface.
func (c *Connector) EstimateCost(ctx context.Context, resources []types.CloudResource) (map[string]float64, error) {
	return nil, fmt.Errorf("gcp connector: cost estimation not supported: %w", errdefs.ErrNotImplemented)
}

// Recommend produces freeform advice from the discovered resource set.
func (c *Connector) Recommend(ctx context.Context, resources []types.CloudResource) ([]string, error) {
	var advice []string

	for _, resource := range resources {
		switch resource.ResourceType {
		case "compute/instance":
			status, _ := resource.Metadata["status"].(string)
			machineType, _ := resource.Metadata["machine_type"].(string)
			if status == "TERMINATED" {
				advice = append(advice, fmt.Sprintf(
					"instance %s is terminated but its disks are still billed; delete it if unused", resource.Name))
			}
			if strings.Contains(machineType, "highmem") || strings.Contains(machineType, "-16") {
				advice = append(advice, fmt.Sprintf(
					"instance %s (%s) is a large machine type; verify utilization before the next billing cycle", resource.Name, machineType))
			}
		case "compute/disk":
			users, _ := resource.Metadata["users"].(int)
			if users == 0 {
				advice = append(advice, fmt.Sprintf(
					"disk %s is unattached; snapshot and delete it to stop paying for it", resource.Name))
			}
		}
	}
	return advice, nil
}

// normalizeTypes folds the accepted spellings of each resource type.
func normalizeTypes(resourceTypes []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rt := range resourceTypes {
		normalized := strings.ToLower(strings.TrimSpace(rt))
		switch normalized {
		case "compute", "instance", "instances", "vm", "compute/instance":
			normalized = "instance"
		case "disk", "disks", "compute/disk":
			normalized = "disk"
		}
		if !seen[normalized] {
			seen[normalized] = true
			out = append(out, normalized)
		}
	}
	return out
}

// lastSegment returns the final path segment of a GCP resource URL.
func lastSegment(url string) string {
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		return url[idx+1:]
	}
	return url
}

// regionFromZone strips the zone suffix: us-central1-a becomes us-central1.
func regionFromZone(zone string) string {
	if idx := strings.LastIndex(zone, "-"); idx > 0 {
		return zone[:idx]
	}
	return zone
}
