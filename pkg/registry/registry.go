package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/sirsinexus/nexus/pkg/events"
	"github.com/sirsinexus/nexus/pkg/log"
	"github.com/sirsinexus/nexus/pkg/metrics"
	"github.com/sirsinexus/nexus/pkg/types"
)

// Config holds registry tuning knobs.
type Config struct {
	DefaultTTL      time.Duration    // lease length when the caller passes none
	CleanupInterval time.Duration    // how often the background sweep runs
	Clock           clock.WithTicker // nil means the wall clock
	Broker          *events.Broker   // nil disables event publishing
}

// hostPort keys the port index. Ports are exclusive per host, not globally.
type hostPort struct {
	host string
	port int
}

// Registry is the authoritative in-memory port directory. Services claim a
// port with Allocate, keep the lease alive with Heartbeat, and lose it to the
// cleanup sweep once the TTL lapses.
//
// A single mutex guards all tables, so heartbeat-versus-cleanup races resolve
// in lock order: whichever runs first wins, and a heartbeat that arrives after
// expiry is rejected rather than resurrecting the lease.
type Registry struct {
	mu          sync.Mutex
	allocations map[string]*types.PortAllocation // allocation ID → allocation
	names       map[string]string                // service name → allocation ID (active only)
	ports       map[hostPort]string              // host+port → allocation ID (active and draining)

	defaultTTL      time.Duration
	cleanupInterval time.Duration
	clock           clock.WithTicker
	broker          *events.Broker
	logger          zerolog.Logger
	stopCh          chan struct{}
}

// NewRegistry creates a port registry. Zero durations fall back to 60s TTL
// and 30s cleanup.
func NewRegistry(cfg Config) *Registry {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	return &Registry{
		allocations:     make(map[string]*types.PortAllocation),
		names:           make(map[string]string),
		ports:           make(map[hostPort]string),
		defaultTTL:      cfg.DefaultTTL,
		cleanupInterval: cfg.CleanupInterval,
		clock:           cfg.Clock,
		broker:          cfg.Broker,
		logger:          log.WithComponent("registry"),
		stopCh:          make(chan struct{}),
	}
}

// Start begins the background cleanup loop
func (r *Registry) Start() {
	go r.run()
}

// Stop stops the cleanup loop
func (r *Registry) Stop() {
	close(r.stopCh)
}

// run sweeps expired leases on the cleanup interval
func (r *Registry) run() {
	ticker := r.clock.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if n := r.CleanupExpired(); n > 0 {
				r.logger.Info().Int("expired", n).Msg("Cleanup removed expired allocations")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Allocate claims the lowest free port in the service type's range on the
// given host. Calling again with the same name and type returns the existing
// allocation unchanged; the same name with a different type is a conflict.
// An empty host means localhost, and a non-positive TTL takes the default.
func (r *Registry) Allocate(serviceName string, serviceType types.ServiceType, host string, ttl time.Duration) (types.PortAllocation, error) {
	if serviceName == "" {
		return types.PortAllocation{}, fmt.Errorf("service name is required: %w", errdefs.ErrInvalidArgument)
	}
	if host == "" {
		host = "localhost"
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.names[serviceName]; ok {
		existing := r.allocations[id]
		if existing.ServiceType != serviceType {
			metrics.PortAllocationFailures.WithLabelValues("conflict").Inc()
			return types.PortAllocation{}, fmt.Errorf("service %s already holds port %d as %s: %w",
				serviceName, existing.Port, existing.ServiceType, errdefs.ErrConflict)
		}
		return *existing, nil
	}

	minPort, maxPort := serviceType.PortRange()
	port := 0
	for p := minPort; p <= maxPort; p++ {
		if _, taken := r.ports[hostPort{host, p}]; !taken {
			port = p
			break
		}
	}
	if port == 0 {
		metrics.PortAllocationFailures.WithLabelValues("range_exhausted").Inc()
		return types.PortAllocation{}, fmt.Errorf("no free port in %d-%d for type %s on %s: %w",
			minPort, maxPort, serviceType, host, errdefs.ErrResourceExhausted)
	}

	now := r.clock.Now()
	alloc := &types.PortAllocation{
		ID:            uuid.New().String(),
		ServiceName:   serviceName,
		ServiceType:   serviceType,
		Port:          port,
		Host:          host,
		Status:        types.AllocationActive,
		LeaseStart:    now,
		LastHeartbeat: now,
		TTL:           ttl,
	}
	r.allocations[alloc.ID] = alloc
	r.names[serviceName] = alloc.ID
	r.ports[hostPort{host, port}] = alloc.ID

	metrics.PortAllocationsCreated.Inc()
	metrics.PortAllocationsActive.WithLabelValues(string(serviceType)).Inc()

	r.logger.Info().
		Str("service", serviceName).
		Str("type", string(serviceType)).
		Str("host", host).
		Int("port", port).
		Msg("Port allocated")

	r.publish(events.EventAllocationCreated,
		fmt.Sprintf("Port %d allocated to %s on %s", port, serviceName, host),
		map[string]string{
			"allocation_id": alloc.ID,
			"service":       serviceName,
			"host":          host,
			"port":          fmt.Sprintf("%d", port),
		})

	return *alloc, nil
}

// Release frees an allocation and its port immediately, whatever its status.
func (r *Registry) Release(allocationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alloc, ok := r.allocations[allocationID]
	if !ok {
		return fmt.Errorf("allocation %s: %w", allocationID, errdefs.ErrNotFound)
	}

	r.remove(alloc)
	metrics.PortAllocationsActive.WithLabelValues(string(alloc.ServiceType)).Dec()

	r.logger.Info().
		Str("service", alloc.ServiceName).
		Int("port", alloc.Port).
		Msg("Port released")

	r.publish(events.EventAllocationReleased,
		fmt.Sprintf("Port %d released by %s", alloc.Port, alloc.ServiceName),
		map[string]string{
			"allocation_id": alloc.ID,
			"service":       alloc.ServiceName,
			"port":          fmt.Sprintf("%d", alloc.Port),
		})

	return nil
}

// Heartbeat extends an active lease. A heartbeat that arrives after the TTL
// has lapsed marks the allocation expired and fails; the port itself is not
// freed until the next cleanup sweep. Draining allocations no longer accept
// heartbeats.
func (r *Registry) Heartbeat(allocationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alloc, ok := r.allocations[allocationID]
	if !ok {
		return fmt.Errorf("allocation %s: %w", allocationID, errdefs.ErrNotFound)
	}

	now := r.clock.Now()
	switch alloc.Status {
	case types.AllocationExpired:
		return fmt.Errorf("allocation %s expired: %w", allocationID, errdefs.ErrFailedPrecondition)
	case types.AllocationDraining:
		return fmt.Errorf("allocation %s is draining: %w", allocationID, errdefs.ErrFailedPrecondition)
	}

	if now.Sub(alloc.LastHeartbeat) > alloc.TTL {
		// Too late. The lease is dead; free the name so the service can
		// re-register, but hold the port for the cleanup sweep.
		alloc.Status = types.AllocationExpired
		delete(r.names, alloc.ServiceName)
		r.logger.Warn().
			Str("service", alloc.ServiceName).
			Int("port", alloc.Port).
			Dur("ttl", alloc.TTL).
			Msg("Heartbeat after TTL, allocation expired")
		return fmt.Errorf("allocation %s expired: %w", allocationID, errdefs.ErrFailedPrecondition)
	}

	alloc.LastHeartbeat = now
	r.logger.Debug().
		Str("service", alloc.ServiceName).
		Int("port", alloc.Port).
		Msg("Heartbeat")
	return nil
}

// Drain marks an allocation as shutting down: it leaves the directory and
// stops accepting heartbeats, but keeps its port reserved until Release or
// TTL expiry. Draining an already draining allocation is a no-op.
func (r *Registry) Drain(allocationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alloc, ok := r.allocations[allocationID]
	if !ok {
		return fmt.Errorf("allocation %s: %w", allocationID, errdefs.ErrNotFound)
	}

	switch alloc.Status {
	case types.AllocationDraining:
		return nil
	case types.AllocationExpired:
		return fmt.Errorf("allocation %s expired: %w", allocationID, errdefs.ErrFailedPrecondition)
	}

	alloc.Status = types.AllocationDraining
	delete(r.names, alloc.ServiceName)

	r.logger.Info().
		Str("service", alloc.ServiceName).
		Int("port", alloc.Port).
		Msg("Allocation draining")
	return nil
}

// Directory returns a copy of all active allocations keyed by service name.
func (r *Registry) Directory() map[string]types.PortAllocation {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := make(map[string]types.PortAllocation, len(r.names))
	for name, id := range r.names {
		dir[name] = *r.allocations[id]
	}
	return dir
}

// ServicePort looks up the active port for a service name.
func (r *Registry) ServicePort(serviceName string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.names[serviceName]
	if !ok {
		return 0, fmt.Errorf("no active allocation for service %s: %w", serviceName, errdefs.ErrNotFound)
	}
	return r.allocations[id].Port, nil
}

// CleanupExpired marks every allocation whose TTL has lapsed as expired, then
// removes all expired allocations and frees their ports. Returns the number
// removed. Called periodically by the background loop; safe to call directly.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	// Mark phase: active and draining leases past their TTL expire.
	for _, alloc := range r.allocations {
		if alloc.Status == types.AllocationExpired {
			continue
		}
		if now.Sub(alloc.LastHeartbeat) > alloc.TTL {
			alloc.Status = types.AllocationExpired
			delete(r.names, alloc.ServiceName)
		}
	}

	// Remove phase: drop everything expired, including allocations a late
	// heartbeat already marked.
	removed := 0
	for _, alloc := range r.allocations {
		if alloc.Status != types.AllocationExpired {
			continue
		}
		r.remove(alloc)
		removed++

		metrics.PortAllocationsExpired.Inc()
		metrics.PortAllocationsActive.WithLabelValues(string(alloc.ServiceType)).Dec()

		r.logger.Warn().
			Str("service", alloc.ServiceName).
			Int("port", alloc.Port).
			Time("last_heartbeat", alloc.LastHeartbeat).
			Msg("Allocation expired")

		r.publish(events.EventAllocationExpired,
			fmt.Sprintf("Allocation for %s expired, port %d freed", alloc.ServiceName, alloc.Port),
			map[string]string{
				"allocation_id": alloc.ID,
				"service":       alloc.ServiceName,
				"port":          fmt.Sprintf("%d", alloc.Port),
			})
	}
	return removed
}

// Stats summarizes current occupancy.
func (r *Registry) Stats() types.RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := types.RegistryStats{
		TotalAllocations: len(r.allocations),
		PerType:          make(map[types.ServiceType]int),
	}
	for _, alloc := range r.allocations {
		stats.PerType[alloc.ServiceType]++
		if alloc.Status == types.AllocationActive {
			stats.ActiveAllocations++
		}
	}
	return stats
}

// remove deletes an allocation from all three tables. Caller holds the lock.
func (r *Registry) remove(alloc *types.PortAllocation) {
	delete(r.allocations, alloc.ID)
	delete(r.ports, hostPort{alloc.Host, alloc.Port})
	if id, ok := r.names[alloc.ServiceName]; ok && id == alloc.ID {
		delete(r.names, alloc.ServiceName)
	}
}

func (r *Registry) publish(eventType events.EventType, message string, metadata map[string]string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}
