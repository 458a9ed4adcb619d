package agent

import (
	"context"

	"github.com/sirsinexus/nexus/pkg/types"
)

// Capability names declared by connectors and required by tasks.
const (
	CapabilityDiscover  = "discover"
	CapabilityEstimate  = "estimate"
	CapabilityRecommend = "recommend"
	CapabilityHealth    = "health"
)

// SirsiInterface is the uniform capability contract every cloud connector
// implements. Connectors are addressed by opaque IDs and shared read-only
// once created; the only mutable state a connector may keep is whatever its
// provider client needs internally.
//
// Initialize validates credentials and builds the provider client; it fails
// with a configuration error on bad inputs and an unavailable error when the
// provider cannot be reached. HealthCheck is a cheap identity call against
// the provider. Discover returns normalized resources plus non-fatal
// warnings; partial success is a result with warnings, never an error.
type SirsiInterface interface {
	ID() string
	Provider() types.Provider
	Region() string
	Capabilities() []string

	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Discover(ctx context.Context, resourceTypes []string) (types.DiscoveryResult, error)
	EstimateCost(ctx context.Context, resources []types.CloudResource) (map[string]float64, error)
	Recommend(ctx context.Context, resources []types.CloudResource) ([]string, error)
}
