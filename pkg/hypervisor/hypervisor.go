package hypervisor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/sirsinexus/nexus/pkg/events"
	"github.com/sirsinexus/nexus/pkg/health"
	"github.com/sirsinexus/nexus/pkg/log"
	"github.com/sirsinexus/nexus/pkg/metrics"
	"github.com/sirsinexus/nexus/pkg/registry"
	"github.com/sirsinexus/nexus/pkg/types"
)

// Prober issues a liveness probe against a service's health target. The
// default implementation routes by target scheme; tests substitute fakes.
type Prober interface {
	Probe(ctx context.Context, target string) health.Result
}

// checkerProber picks the checker matching the target scheme: grpc://
// queries the standard gRPC health service, tcp:// is a plain connect
// check, anything else is an HTTP GET.
type checkerProber struct{}

func (checkerProber) Probe(ctx context.Context, target string) health.Result {
	switch {
	case strings.HasPrefix(target, "grpc://"):
		return health.NewGRPCChecker(strings.TrimPrefix(target, "grpc://")).Check(ctx)
	case strings.HasPrefix(target, "tcp://"):
		return health.NewTCPChecker(strings.TrimPrefix(target, "tcp://")).Check(ctx)
	default:
		return health.NewHTTPChecker(target).Check(ctx)
	}
}

// Config holds the hypervisor's collaborators and supervision policy.
type Config struct {
	Registry *registry.Registry
	Broker   *events.Broker   // nil disables event publishing
	Clock    clock.WithTicker // nil means the wall clock
	Prober   Prober           // nil means the checker-backed prober

	HealthCheckInterval  time.Duration
	StatusUpdateInterval time.Duration
	DependencyTimeout    time.Duration
	RestartBase          time.Duration // first restart delay; doubles per failure
	RestartCap           time.Duration // restart backoff ceiling
}

// serviceState is the loop-private record for one managed service.
type serviceState struct {
	inst          types.ServiceInstance
	cfg           types.ServiceConfig
	startDeadline time.Time // while Starting: when dependency waiting fails
	probePending  bool
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRestart
	cmdDeregister
	cmdHealthCheck
	cmdFailure
	cmdRecovery
	cmdEmergencyShutdown
	cmdSystemStatus
	cmdServiceStatus
	cmdList
	// internal
	cmdDelayedStart
	cmdProbeResult
)

type command struct {
	kind    cmdKind
	name    string
	cfg     types.ServiceConfig
	failure error
	healthy bool
	message string
	reply   chan result
}

type result struct {
	instance  types.ServiceInstance
	instances []types.ServiceInstance
	status    types.SystemStatus
	err       error
}

// Hypervisor supervises the control plane's internal services. A single
// control loop owns the service table: external callers enqueue commands and
// the loop processes them strictly in arrival order, which makes per-service
// FIFO ordering and read-your-writes for GetSystemStatus immediate. Ports
// come from the port registry; starting a service is a logical state
// transition, not a process spawn.
type Hypervisor struct {
	commands chan *command
	done     chan struct{}

	services map[string]*serviceState
	registry *registry.Registry
	broker   *events.Broker
	clock    clock.WithTicker
	prober   Prober

	healthInterval time.Duration
	statusInterval time.Duration
	depTimeout     time.Duration
	restartBase    time.Duration
	restartCap     time.Duration

	lastStatus   atomic.Value // types.SystemStatus
	lastIncident *time.Time

	logger zerolog.Logger
}

// New creates a hypervisor. Zero durations take the documented defaults.
func New(cfg Config) *Hypervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Prober == nil {
		cfg.Prober = checkerProber{}
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.StatusUpdateInterval <= 0 {
		cfg.StatusUpdateInterval = 10 * time.Second
	}
	if cfg.DependencyTimeout <= 0 {
		cfg.DependencyTimeout = 30 * time.Second
	}
	if cfg.RestartBase <= 0 {
		cfg.RestartBase = time.Second
	}
	if cfg.RestartCap < cfg.RestartBase {
		cfg.RestartCap = 60 * time.Second
	}

	h := &Hypervisor{
		commands:       make(chan *command, 64),
		done:           make(chan struct{}),
		services:       make(map[string]*serviceState),
		registry:       cfg.Registry,
		broker:         cfg.Broker,
		clock:          cfg.Clock,
		prober:         cfg.Prober,
		healthInterval: cfg.HealthCheckInterval,
		statusInterval: cfg.StatusUpdateInterval,
		depTimeout:     cfg.DependencyTimeout,
		restartBase:    cfg.RestartBase,
		restartCap:     cfg.RestartCap,
		logger:         log.WithComponent("hypervisor"),
	}
	h.lastStatus.Store(types.SystemStatus{})
	return h
}

// Run owns the control loop: commands, the health tick and the status tick.
// It blocks until the context is cancelled.
func (h *Hypervisor) Run(ctx context.Context) {
	defer close(h.done)

	healthTick := h.clock.NewTicker(h.healthInterval)
	defer healthTick.Stop()
	statusTick := h.clock.NewTicker(h.statusInterval)
	defer statusTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.handle(ctx, cmd)
		case <-healthTick.C():
			h.healthPass(ctx)
		case <-statusTick.C():
			h.statusPass()
		}
	}
}

// StartService registers and starts a managed service. A name already held
// by a non-terminal service is a conflict; a Stopped or CriticalFailure
// record is re-registered fresh.
func (h *Hypervisor) StartService(ctx context.Context, cfg types.ServiceConfig) (types.ServiceInstance, error) {
	res, err := h.do(ctx, &command{kind: cmdStart, name: cfg.Name, cfg: cfg})
	return res.instance, err
}

// StopService transitions a service through Stopping to Stopped and releases
// its port. The record remains queryable until deregistration.
func (h *Hypervisor) StopService(ctx context.Context, name string) error {
	_, err := h.do(ctx, &command{kind: cmdStop, name: name})
	return err
}

// RestartService stops and immediately re-runs the start protocol, counting
// as one restart.
func (h *Hypervisor) RestartService(ctx context.Context, name string) error {
	_, err := h.do(ctx, &command{kind: cmdRestart, name: name})
	return err
}

// DeregisterService removes a service record entirely. Only terminal
// services can be deregistered.
func (h *Hypervisor) DeregisterService(ctx context.Context, name string) error {
	_, err := h.do(ctx, &command{kind: cmdDeregister, name: name})
	return err
}

// CheckService triggers an immediate asynchronous health probe.
func (h *Hypervisor) CheckService(ctx context.Context, name string) error {
	_, err := h.do(ctx, &command{kind: cmdHealthCheck, name: name})
	return err
}

// ReportFailure feeds a service failure into the restart policy.
func (h *Hypervisor) ReportFailure(ctx context.Context, name string, failure error) error {
	_, err := h.do(ctx, &command{kind: cmdFailure, name: name, failure: failure})
	return err
}

// ReportRecovery returns a Failed service to Running without a restart.
func (h *Hypervisor) ReportRecovery(ctx context.Context, name string) error {
	_, err := h.do(ctx, &command{kind: cmdRecovery, name: name})
	return err
}

// EmergencyShutdown stops every service in reverse dependency order.
func (h *Hypervisor) EmergencyShutdown(ctx context.Context) error {
	_, err := h.do(ctx, &command{kind: cmdEmergencyShutdown})
	return err
}

// SystemStatus returns the aggregate view through the control loop, so it
// reflects every command accepted before this call.
func (h *Hypervisor) SystemStatus(ctx context.Context) (types.SystemStatus, error) {
	res, err := h.do(ctx, &command{kind: cmdSystemStatus})
	return res.status, err
}

// ServiceStatus returns a snapshot of one managed service.
func (h *Hypervisor) ServiceStatus(ctx context.Context, name string) (types.ServiceInstance, error) {
	res, err := h.do(ctx, &command{kind: cmdServiceStatus, name: name})
	return res.instance, err
}

// ListServices returns snapshots of all managed services.
func (h *Hypervisor) ListServices(ctx context.Context) ([]types.ServiceInstance, error) {
	res, err := h.do(ctx, &command{kind: cmdList})
	return res.instances, err
}

// LastStatus returns the status-tick snapshot without touching the loop.
// Cheap, but may lag SystemStatus by up to one tick.
func (h *Hypervisor) LastStatus() types.SystemStatus {
	return h.lastStatus.Load().(types.SystemStatus)
}

// do enqueues a command and waits for the loop's reply. A deadline that
// expires before the command is accepted leaves no state changed; once the
// loop picks it up the command applies even if the caller stopped waiting.
func (h *Hypervisor) do(ctx context.Context, cmd *command) (result, error) {
	cmd.reply = make(chan result, 1)

	select {
	case h.commands <- cmd:
	case <-ctx.Done():
		return result{}, fmt.Errorf("hypervisor command not accepted: %w", ctx.Err())
	case <-h.done:
		return result{}, fmt.Errorf("hypervisor stopped: %w", errdefs.ErrUnavailable)
	}

	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return result{}, fmt.Errorf("hypervisor command timed out: %w", ctx.Err())
	case <-h.done:
		return result{}, fmt.Errorf("hypervisor stopped: %w", errdefs.ErrUnavailable)
	}
}

// enqueueInternal feeds loop-generated commands (probe results, delayed
// restarts) back into the channel without blocking a stopped hypervisor.
func (h *Hypervisor) enqueueInternal(cmd *command) {
	select {
	case h.commands <- cmd:
	case <-h.done:
	}
}

func (h *Hypervisor) handle(ctx context.Context, cmd *command) {
	var res result
	switch cmd.kind {
	case cmdStart:
		res.instance, res.err = h.handleStart(cmd.cfg)
	case cmdStop:
		res.err = h.handleStop(cmd.name)
	case cmdRestart:
		res.err = h.handleRestart(cmd.name)
	case cmdDeregister:
		res.err = h.handleDeregister(cmd.name)
	case cmdHealthCheck:
		res.err = h.handleHealthCheck(ctx, cmd.name)
	case cmdFailure:
		res.err = h.handleFailure(cmd.name, cmd.failure)
	case cmdRecovery:
		res.err = h.handleRecovery(cmd.name)
	case cmdEmergencyShutdown:
		res.err = h.handleEmergencyShutdown()
	case cmdSystemStatus:
		res.status = h.aggregate()
	case cmdServiceStatus:
		res.instance, res.err = h.snapshot(cmd.name)
	case cmdList:
		res.instances = h.snapshotAll()
	case cmdDelayedStart:
		h.handleDelayedStart(cmd.name)
	case cmdProbeResult:
		h.handleProbeResult(cmd.name, cmd.healthy, cmd.message)
	}

	if cmd.reply != nil {
		cmd.reply <- res
	}
}

func (h *Hypervisor) handleStart(cfg types.ServiceConfig) (types.ServiceInstance, error) {
	if cfg.Name == "" {
		return types.ServiceInstance{}, fmt.Errorf("service name is required: %w", errdefs.ErrInvalidArgument)
	}
	if existing, ok := h.services[cfg.Name]; ok {
		if !existing.inst.Status.Terminal() {
			return types.ServiceInstance{}, fmt.Errorf("service %s is %s: %w", cfg.Name, existing.inst.Status, errdefs.ErrConflict)
		}
		// Terminal record: explicit re-registration wipes it.
		delete(h.services, cfg.Name)
	}
	for _, dep := range cfg.Dependencies {
		if dep == cfg.Name {
			return types.ServiceInstance{}, fmt.Errorf("service %s depends on itself: %w", cfg.Name, errdefs.ErrInvalidArgument)
		}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}

	state := &serviceState{
		cfg: cfg,
		inst: types.ServiceInstance{
			ID:               uuid.New().String(),
			Name:             cfg.Name,
			Type:             cfg.Type,
			Status:           types.ServiceInitializing,
			Dependencies:     cfg.Dependencies,
			FailureThreshold: cfg.FailureThreshold,
			AutoRestart:      cfg.AutoRestart,
		},
	}
	h.services[cfg.Name] = state

	h.publish(events.EventServiceRegistered,
		fmt.Sprintf("Service %s registered", cfg.Name),
		map[string]string{"service": cfg.Name, "type": string(cfg.Type)})

	if err := h.igniteService(state); err != nil {
		delete(h.services, cfg.Name)
		return types.ServiceInstance{}, err
	}
	return state.inst, nil
}

// igniteService runs the start protocol: acquire a port, derive the health
// URL, and advance to Running, or park in Starting while dependencies are
// pending.
func (h *Hypervisor) igniteService(state *serviceState) error {
	host := state.cfg.Host
	if host == "" {
		host = "localhost"
	}

	alloc, err := h.registry.Allocate(state.cfg.Name, state.cfg.Type, host, state.cfg.HeartbeatTTL)
	if err != nil {
		return fmt.Errorf("allocating port for %s: %w", state.cfg.Name, err)
	}
	state.inst.Port = alloc.Port
	state.inst.AllocationID = alloc.ID

	state.inst.HealthURL = healthTarget(state.cfg, host, alloc.Port)

	if h.dependenciesRunning(state) {
		h.markRunning(state)
		return nil
	}

	state.inst.Status = types.ServiceStarting
	state.startDeadline = h.clock.Now().Add(h.depTimeout)
	h.logger.Info().
		Str("service", state.cfg.Name).
		Strs("dependencies", state.cfg.Dependencies).
		Msg("Service waiting for dependencies")
	return nil
}

// healthTarget derives the probe target for a service. gRPC services are
// probed through the standard gRPC health service, services without a
// health path get a plain TCP connect check, and everything else is an
// HTTP GET against the configured path.
func healthTarget(cfg types.ServiceConfig, host string, port int) string {
	switch {
	case cfg.Type == types.ServiceTypeGRPC:
		return fmt.Sprintf("grpc://%s:%d", host, port)
	case cfg.HealthPath == "":
		return fmt.Sprintf("tcp://%s:%d", host, port)
	default:
		return fmt.Sprintf("http://%s:%d%s", host, port, cfg.HealthPath)
	}
}

func (h *Hypervisor) markRunning(state *serviceState) {
	now := h.clock.Now()
	state.inst.Status = types.ServiceRunning
	state.inst.StartTime = now
	state.inst.LastHeartbeat = now
	state.startDeadline = time.Time{}

	h.logger.Info().
		Str("service", state.cfg.Name).
		Int("port", state.inst.Port).
		Msg("Service running")

	h.publish(events.EventServiceStarted,
		fmt.Sprintf("Service %s running on port %d", state.cfg.Name, state.inst.Port),
		map[string]string{"service": state.cfg.Name})

	// A service coming up may unblock others parked in Starting.
	h.recheckStarting()
}

// recheckStarting promotes Starting services whose dependencies are now all
// Running.
func (h *Hypervisor) recheckStarting() {
	for _, state := range h.services {
		if state.inst.Status == types.ServiceStarting && h.dependenciesRunning(state) {
			h.markRunning(state)
		}
	}
}

func (h *Hypervisor) dependenciesRunning(state *serviceState) bool {
	for _, dep := range state.cfg.Dependencies {
		depState, ok := h.services[dep]
		if !ok || depState.inst.Status != types.ServiceRunning {
			return false
		}
	}
	return true
}

func (h *Hypervisor) handleStop(name string) error {
	state, ok := h.services[name]
	if !ok {
		return fmt.Errorf("service %s: %w", name, errdefs.ErrNotFound)
	}
	if state.inst.Status.Terminal() {
		return nil
	}

	state.inst.Status = types.ServiceStopping
	h.releasePort(state)
	state.inst.Status = types.ServiceStopped

	h.logger.Info().Str("service", name).Msg("Service stopped")
	h.publish(events.EventServiceStopped,
		fmt.Sprintf("Service %s stopped", name),
		map[string]string{"service": name})
	return nil
}

func (h *Hypervisor) handleRestart(name string) error {
	state, ok := h.services[name]
	if !ok {
		return fmt.Errorf("service %s: %w", name, errdefs.ErrNotFound)
	}
	if state.inst.Status == types.ServiceCriticalFailure {
		return fmt.Errorf("service %s is critically failed, re-register it: %w", name, errdefs.ErrFailedPrecondition)
	}

	state.inst.RestartCount++
	metrics.ServiceRestarts.Inc()

	// A stopped service no longer holds a port, so restart re-runs the
	// full start protocol. Running must always imply an allocation and a
	// health URL.
	if state.inst.AllocationID == "" {
		prev := state.inst.Status
		state.inst.Status = types.ServiceStarting
		if err := h.igniteService(state); err != nil {
			state.inst.Status = prev
			return err
		}
		return nil
	}

	state.inst.Status = types.ServiceStarting
	if h.dependenciesRunning(state) {
		h.markRunning(state)
	} else {
		state.startDeadline = h.clock.Now().Add(h.depTimeout)
	}
	return nil
}

func (h *Hypervisor) handleDeregister(name string) error {
	state, ok := h.services[name]
	if !ok {
		return fmt.Errorf("service %s: %w", name, errdefs.ErrNotFound)
	}
	if !state.inst.Status.Terminal() {
		return fmt.Errorf("service %s is %s, stop it first: %w", name, state.inst.Status, errdefs.ErrFailedPrecondition)
	}
	h.releasePort(state)
	delete(h.services, name)
	return nil
}

func (h *Hypervisor) handleHealthCheck(ctx context.Context, name string) error {
	state, ok := h.services[name]
	if !ok {
		return fmt.Errorf("service %s: %w", name, errdefs.ErrNotFound)
	}
	if state.inst.Status != types.ServiceRunning && state.inst.Status != types.ServiceDegraded {
		return fmt.Errorf("service %s is %s: %w", name, state.inst.Status, errdefs.ErrFailedPrecondition)
	}
	h.launchProbe(ctx, state)
	return nil
}

// handleFailure applies the restart policy: count the failure, go critical
// past the threshold or when restarts are disabled, otherwise schedule a
// delayed restart with doubling backoff.
func (h *Hypervisor) handleFailure(name string, failure error) error {
	state, ok := h.services[name]
	if !ok {
		return fmt.Errorf("service %s: %w", name, errdefs.ErrNotFound)
	}
	if state.inst.Status.Terminal() {
		return nil
	}

	state.inst.RestartCount++
	metrics.ServiceRestarts.Inc()
	if failure != nil {
		state.inst.LastError = failure.Error()
	}
	now := h.clock.Now()
	h.lastIncident = &now

	h.logger.Warn().
		Str("service", name).
		Int("restart_count", state.inst.RestartCount).
		Err(failure).
		Msg("Service failure")

	h.publish(events.EventServiceFailed,
		fmt.Sprintf("Service %s failed (%d/%d)", name, state.inst.RestartCount, state.inst.FailureThreshold),
		map[string]string{"service": name})

	if state.inst.RestartCount >= state.inst.FailureThreshold || !state.inst.AutoRestart {
		state.inst.Status = types.ServiceCriticalFailure
		h.releasePort(state)

		h.logger.Error().
			Str("service", name).
			Int("restart_count", state.inst.RestartCount).
			Msg("Service critically failed")

		h.publish(events.EventServiceCritical,
			fmt.Sprintf("Service %s critically failed after %d failures", name, state.inst.RestartCount),
			map[string]string{"service": name})
		return nil
	}

	state.inst.Status = types.ServiceFailed

	backoff := h.restartBase << (state.inst.RestartCount - 1)
	if backoff > h.restartCap || backoff <= 0 {
		backoff = h.restartCap
	}

	h.logger.Info().
		Str("service", name).
		Dur("backoff", backoff).
		Msg("Restart scheduled")

	timer := h.clock.NewTimer(backoff)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C():
			h.enqueueInternal(&command{kind: cmdDelayedStart, name: name})
		case <-h.done:
		}
	}()
	return nil
}

func (h *Hypervisor) handleDelayedStart(name string) {
	state, ok := h.services[name]
	if !ok || state.inst.Status != types.ServiceFailed {
		// Stopped, recovered or deregistered while the backoff ran.
		return
	}

	state.inst.Status = types.ServiceStarting
	if err := h.igniteService(state); err != nil {
		h.logger.Error().Err(err).Str("service", name).Msg("Restart failed")
		h.enqueueInternal(&command{kind: cmdFailure, name: name, failure: err})
		return
	}

	if state.inst.Status == types.ServiceRunning {
		h.publish(events.EventServiceRecovered,
			fmt.Sprintf("Service %s recovered after restart %d", name, state.inst.RestartCount),
			map[string]string{"service": name})
	}
}

func (h *Hypervisor) handleRecovery(name string) error {
	state, ok := h.services[name]
	if !ok {
		return fmt.Errorf("service %s: %w", name, errdefs.ErrNotFound)
	}
	if state.inst.Status != types.ServiceFailed && state.inst.Status != types.ServiceDegraded {
		return fmt.Errorf("service %s is %s, not recoverable: %w", name, state.inst.Status, errdefs.ErrFailedPrecondition)
	}

	h.markRunning(state)
	state.inst.LastError = ""

	h.publish(events.EventServiceRecovered,
		fmt.Sprintf("Service %s recovered", name),
		map[string]string{"service": name})
	return nil
}

// handleEmergencyShutdown stops everything in reverse dependency order, so
// no service outlives something that depends on it.
func (h *Hypervisor) handleEmergencyShutdown() error {
	order := h.stopOrder()

	h.logger.Warn().Strs("order", order).Msg("Emergency shutdown")
	h.publish(events.EventEmergencyShutdown,
		fmt.Sprintf("Emergency shutdown of %d services", len(order)),
		nil)

	for _, name := range order {
		if err := h.handleStop(name); err != nil {
			h.logger.Error().Err(err).Str("service", name).Msg("Emergency stop failed")
		}
	}
	return nil
}

// stopOrder returns service names so that dependents come before their
// dependencies.
func (h *Hypervisor) stopOrder() []string {
	// Kahn's algorithm over the dependency graph, then reversed: services
	// nothing depends on stop first.
	indegree := make(map[string]int, len(h.services))
	for name := range h.services {
		indegree[name] = 0
	}
	for _, state := range h.services {
		for _, dep := range state.cfg.Dependencies {
			if _, ok := h.services[dep]; ok {
				indegree[dep]++
			}
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dep := range h.services[name].cfg.Dependencies {
			if _, ok := h.services[dep]; !ok {
				continue
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	// A cycle (which registration should have prevented) leaves stragglers;
	// append them so everything still stops.
	if len(order) < len(h.services) {
		seen := make(map[string]bool, len(order))
		for _, name := range order {
			seen[name] = true
		}
		for name := range h.services {
			if !seen[name] {
				order = append(order, name)
			}
		}
	}
	return order
}

// healthPass runs on the health tick: heartbeat ports, probe stale Running
// services, and time out dependency waits.
func (h *Hypervisor) healthPass(ctx context.Context) {
	now := h.clock.Now()

	for name, state := range h.services {
		switch state.inst.Status {
		case types.ServiceRunning, types.ServiceDegraded:
			if state.inst.AllocationID != "" {
				if err := h.registry.Heartbeat(state.inst.AllocationID); err != nil {
					h.logger.Warn().Err(err).Str("service", name).Msg("Port heartbeat failed")
				}
			}
			if state.inst.HealthURL != "" && !state.probePending &&
				now.Sub(state.inst.LastHeartbeat) >= h.healthInterval {
				h.launchProbe(ctx, state)
			}

		case types.ServiceStarting:
			if h.dependenciesRunning(state) {
				h.markRunning(state)
			} else if !state.startDeadline.IsZero() && now.After(state.startDeadline) {
				state.startDeadline = time.Time{}
				h.enqueueInternal(&command{
					kind:    cmdFailure,
					name:    name,
					failure: fmt.Errorf("dependencies not running within %s: %w", h.depTimeout, errdefs.ErrUnavailable),
				})
			}
		}
	}
}

// launchProbe issues an async health probe; the result comes back into the
// loop as a command.
func (h *Hypervisor) launchProbe(ctx context.Context, state *serviceState) {
	state.probePending = true
	name := state.cfg.Name
	url := state.inst.HealthURL

	go func() {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		result := h.prober.Probe(probeCtx, url)
		h.enqueueInternal(&command{
			kind:    cmdProbeResult,
			name:    name,
			healthy: result.Healthy,
			message: result.Message,
		})
	}()
}

func (h *Hypervisor) handleProbeResult(name string, healthy bool, message string) {
	state, ok := h.services[name]
	if !ok {
		return
	}
	state.probePending = false
	if state.inst.Status != types.ServiceRunning && state.inst.Status != types.ServiceDegraded {
		return
	}

	if healthy {
		state.inst.LastHeartbeat = h.clock.Now()
		if state.inst.Status == types.ServiceDegraded {
			state.inst.Status = types.ServiceRunning
		}
		return
	}

	h.logger.Warn().Str("service", name).Str("probe", message).Msg("Health probe failed")
	if err := h.handleFailure(name, fmt.Errorf("health probe failed: %s", message)); err != nil {
		h.logger.Error().Err(err).Str("service", name).Msg("Failure handling failed")
	}
}

// statusPass recomputes the aggregate snapshot and the status gauges.
func (h *Hypervisor) statusPass() {
	status := h.aggregate()
	h.lastStatus.Store(status)

	counts := make(map[types.ServiceStatus]int)
	for _, state := range h.services {
		counts[state.inst.Status]++
	}
	for _, s := range []types.ServiceStatus{
		types.ServiceInitializing, types.ServiceStarting, types.ServiceRunning,
		types.ServiceDegraded, types.ServiceFailed, types.ServiceStopping,
		types.ServiceStopped, types.ServiceCriticalFailure,
	} {
		metrics.ServicesTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (h *Hypervisor) aggregate() types.SystemStatus {
	status := types.SystemStatus{
		Total:        len(h.services),
		LastIncident: h.lastIncident,
		UpdatedAt:    h.clock.Now(),
	}
	for _, state := range h.services {
		switch state.inst.Status {
		case types.ServiceRunning, types.ServiceDegraded:
			status.Running++
		case types.ServiceFailed, types.ServiceCriticalFailure:
			status.Failed++
		}
		status.TotalRestarts += state.inst.RestartCount
	}
	return status
}

func (h *Hypervisor) snapshot(name string) (types.ServiceInstance, error) {
	state, ok := h.services[name]
	if !ok {
		return types.ServiceInstance{}, fmt.Errorf("service %s: %w", name, errdefs.ErrNotFound)
	}
	return state.inst, nil
}

func (h *Hypervisor) snapshotAll() []types.ServiceInstance {
	out := make([]types.ServiceInstance, 0, len(h.services))
	for _, state := range h.services {
		out = append(out, state.inst)
	}
	return out
}

func (h *Hypervisor) releasePort(state *serviceState) {
	if state.inst.AllocationID == "" {
		return
	}
	// Drain first so the directory stops advertising the port, then free it.
	_ = h.registry.Drain(state.inst.AllocationID)
	_ = h.registry.Release(state.inst.AllocationID)
	state.inst.AllocationID = ""
	state.inst.Port = 0
	state.inst.HealthURL = ""
}

func (h *Hypervisor) publish(eventType events.EventType, message string, metadata map[string]string) {
	if h.broker == nil {
		return
	}
	h.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}
