package gcp

import (
	"context"

	compute "google.golang.org/api/compute/v1"
)

// ComputeAPI is the narrow view of the Compute Engine service the connector
// uses. Tests implement it directly; production wires computeService around
// *compute.Service.
type ComputeAPI interface {
	GetProject(ctx context.Context, projectID string) (*compute.Project, error)
	ListInstances(ctx context.Context, projectID string, fn func(*compute.InstanceAggregatedList) error) error
	ListDisks(ctx context.Context, projectID string, fn func(*compute.DiskAggregatedList) error) error
}

// computeService adapts *compute.Service to ComputeAPI.
type computeService struct {
	svc *compute.Service
}

func (s computeService) GetProject(ctx context.Context, projectID string) (*compute.Project, error) {
	return s.svc.Projects.Get(projectID).Context(ctx).Do()
}

func (s computeService) ListInstances(ctx context.Context, projectID string, fn func(*compute.InstanceAggregatedList) error) error {
	return s.svc.Instances.AggregatedList(projectID).Pages(ctx, fn)
}

func (s computeService) ListDisks(ctx context.Context, projectID string, fn func(*compute.DiskAggregatedList) error) error {
	return s.svc.Disks.AggregatedList(projectID).Pages(ctx, fn)
}
