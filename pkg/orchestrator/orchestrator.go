package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/sirsinexus/nexus/pkg/agent"
	"github.com/sirsinexus/nexus/pkg/events"
	"github.com/sirsinexus/nexus/pkg/log"
	"github.com/sirsinexus/nexus/pkg/metrics"
	"github.com/sirsinexus/nexus/pkg/store"
	"github.com/sirsinexus/nexus/pkg/types"
)

// AgentPool is what the engine needs from the connector manager: a snapshot
// for selection and a way to run one task on one connector.
type AgentPool interface {
	Snapshot() []agent.AgentView
	Execute(ctx context.Context, agentID string, task *types.Task) (types.AgentResponse, error)
}

// Config holds the engine's collaborators and retry policy.
type Config struct {
	Agents   AgentPool
	Selector Selector         // nil means the default capability selector
	Broker   *events.Broker   // nil disables event publishing
	Clock    clock.WithTicker // nil means the wall clock
	Archive  store.Store      // nil disables terminal-task archiving

	RetryBase time.Duration // first retry delay; doubles per attempt
	RetryCap  time.Duration // backoff ceiling
	Workers   int           // concurrent dispatch workers for Run
	Retention time.Duration // how long terminal tasks stay queryable
}

// Engine is the orchestration engine: it queues tasks by priority, assigns
// them to connectors, drives the agent calls, and accumulates per-task
// sessions. All state is in memory; terminal tasks are archived write-behind
// and pruned after the retention window.
type Engine struct {
	mu       sync.Mutex
	tasks    map[string]*types.Task
	sessions map[string][]types.AgentResponse
	queue    taskQueue
	inFlight map[string]int // connector ID → running task count
	seq      uint64

	agents   AgentPool
	selector Selector
	broker   *events.Broker
	clock    clock.WithTicker
	archive  store.Store

	retryBase time.Duration
	retryCap  time.Duration
	workers   int
	retention time.Duration

	logger zerolog.Logger
}

// idleWait is how long a worker sleeps when the queue has nothing eligible.
const idleWait = 250 * time.Millisecond

// NewEngine creates an orchestration engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Selector == nil {
		cfg.Selector = NewCapabilitySelector()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryCap < cfg.RetryBase {
		cfg.RetryCap = 60 * time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 15 * time.Minute
	}

	return &Engine{
		tasks:     make(map[string]*types.Task),
		sessions:  make(map[string][]types.AgentResponse),
		inFlight:  make(map[string]int),
		agents:    cfg.Agents,
		selector:  cfg.Selector,
		broker:    cfg.Broker,
		clock:     cfg.Clock,
		archive:   cfg.Archive,
		retryBase: cfg.RetryBase,
		retryCap:  cfg.RetryCap,
		workers:   cfg.Workers,
		retention: cfg.Retention,
		logger:    log.WithComponent("orchestrator"),
	}
}

// Submit validates and enqueues a task, returning its ID. A task without an
// ID gets one. Resubmitting a known ID is a conflict and leaves the existing
// task untouched. Tasks whose dependencies are still open enter Pending;
// the rest enter Queued.
func (e *Engine) Submit(task *types.Task) (string, error) {
	if task == nil {
		return "", fmt.Errorf("task is required: %w", errdefs.ErrInvalidArgument)
	}
	if !task.Type.Valid() {
		return "", fmt.Errorf("unknown task type %q: %w", task.Type, errdefs.ErrInvalidArgument)
	}
	if task.Priority < 0 || task.Priority > 100 {
		return "", fmt.Errorf("priority %d outside [0,100]: %w", task.Priority, errdefs.ErrInvalidArgument)
	}
	if task.MaxRetries < 0 {
		return "", fmt.Errorf("max retries must be >= 0: %w", errdefs.ErrInvalidArgument)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tasks[task.ID]; exists {
		return "", fmt.Errorf("task %s already submitted: %w", task.ID, errdefs.ErrConflict)
	}
	for _, dep := range task.Dependencies {
		if _, ok := e.tasks[dep]; !ok {
			return "", fmt.Errorf("dependency %s does not exist: %w", dep, errdefs.ErrInvalidArgument)
		}
	}

	stored := *task
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = e.clock.Now()
	}
	stored.CurrentRetry = 0
	stored.AssignedAgent = ""
	if e.dependenciesCompleted(&stored) {
		stored.Status = types.TaskQueued
	} else {
		stored.Status = types.TaskPending
	}

	e.tasks[stored.ID] = &stored
	e.sessions[stored.ID] = nil
	e.seq++
	e.queue.push(&queueItem{
		taskID:    stored.ID,
		priority:  stored.Priority,
		createdAt: stored.CreatedAt,
		seq:       e.seq,
	})

	metrics.TasksSubmitted.Inc()
	metrics.TasksTotal.WithLabelValues(string(stored.Status)).Inc()
	metrics.TaskQueueDepth.Set(float64(e.queue.Len()))

	e.logger.Info().
		Str("task_id", stored.ID).
		Str("type", string(stored.Type)).
		Int("priority", stored.Priority).
		Msg("Task submitted")

	e.publish(events.EventTaskSubmitted,
		fmt.Sprintf("Task %s (%s) submitted at priority %d", stored.ID, stored.Type, stored.Priority),
		map[string]string{"task_id": stored.ID, "type": string(stored.Type)})

	return stored.ID, nil
}

// ProcessNext atomically dequeues the highest-priority eligible task, marks
// it Processing, assigns a connector, and advances it to Running. It returns
// the empty string when nothing is eligible: dependencies open, backoff
// windows not yet due, or no healthy capable connector. Multiple workers may
// call it concurrently; a dequeued task is visible to no other worker.
func (e *Engine) ProcessNext(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	candidates := e.candidates()

	var skipped []*queueItem
	defer func() {
		for _, item := range skipped {
			e.queue.push(item)
		}
		metrics.TaskQueueDepth.Set(float64(e.queue.Len()))
	}()

	for {
		item := e.queue.pop()
		if item == nil {
			return "", nil
		}

		task, ok := e.tasks[item.taskID]
		if !ok || (task.Status != types.TaskQueued && task.Status != types.TaskPending) {
			// Cancelled, already dispatched through a duplicate entry, or
			// pruned. Drop the stale entry.
			continue
		}

		switch e.dependencyState(task) {
		case depsOpen:
			skipped = append(skipped, item)
			continue
		case depsBroken:
			e.transition(task, types.TaskFailed)
			task.LastError = "dependency reached a terminal state without completing"
			completed := now
			task.CompletedAt = &completed
			metrics.TasksFailed.Inc()
			e.publish(events.EventTaskFailed,
				fmt.Sprintf("Task %s failed: broken dependency", task.ID),
				map[string]string{"task_id": task.ID})
			continue
		}

		if task.ScheduledFor != nil && task.ScheduledFor.After(now) {
			skipped = append(skipped, item)
			continue
		}

		e.transition(task, types.TaskProcessing)
		agentID, found := e.selector.Select(task, candidates)
		if !found {
			// No runner right now; the task goes back without losing its
			// place.
			e.transition(task, types.TaskQueued)
			skipped = append(skipped, item)
			return "", nil
		}

		task.AssignedAgent = agentID
		e.transition(task, types.TaskRunning)
		e.inFlight[agentID]++

		e.logger.Debug().
			Str("task_id", task.ID).
			Str("agent", agentID).
			Msg("Task dequeued")

		e.publish(events.EventTaskStarted,
			fmt.Sprintf("Task %s running on %s", task.ID, agentID),
			map[string]string{"task_id": task.ID, "agent": agentID})

		return task.ID, nil
	}
}

// Dispatch runs the agent call for a task previously returned by ProcessNext
// and records the outcome: the response on success, retry bookkeeping or
// terminal failure on error. A response arriving after the task was
// cancelled is discarded.
func (e *Engine) Dispatch(ctx context.Context, taskID string) error {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, errdefs.ErrNotFound)
	}
	if task.Status != types.TaskRunning {
		e.mu.Unlock()
		return fmt.Errorf("task %s is %s, not running: %w", taskID, task.Status, errdefs.ErrFailedPrecondition)
	}
	agentID := task.AssignedAgent
	snapshot := *task
	e.mu.Unlock()

	started := e.clock.Now()
	response, execErr := e.agents.Execute(ctx, agentID, &snapshot)
	metrics.DispatchLatency.Observe(e.clock.Since(started).Seconds())

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inFlight[agentID] > 0 {
		e.inFlight[agentID]--
	}

	task, ok = e.tasks[taskID]
	if !ok {
		return nil
	}
	if task.Status == types.TaskCancelled {
		// Cooperative cancellation: the agent finished, its response is
		// dropped.
		e.logger.Debug().Str("task_id", taskID).Msg("Discarding response for cancelled task")
		return nil
	}

	if execErr != nil {
		return e.recordFailure(task, execErr)
	}

	e.sessions[taskID] = append(e.sessions[taskID], response)
	e.transition(task, types.TaskCompleted)
	completed := e.clock.Now()
	task.CompletedAt = &completed
	metrics.TasksCompleted.Inc()

	e.logger.Info().
		Str("task_id", taskID).
		Str("agent", agentID).
		Msg("Task completed")

	e.publish(events.EventTaskCompleted,
		fmt.Sprintf("Task %s completed by %s", taskID, agentID),
		map[string]string{"task_id": taskID, "agent": agentID})

	e.promoteDependents(taskID)
	return nil
}

// recordFailure applies the retry policy. Caller holds the lock.
func (e *Engine) recordFailure(task *types.Task, execErr error) error {
	task.LastError = execErr.Error()

	if task.CurrentRetry >= task.MaxRetries {
		e.transition(task, types.TaskFailed)
		completed := e.clock.Now()
		task.CompletedAt = &completed
		metrics.TasksFailed.Inc()

		e.logger.Warn().
			Str("task_id", task.ID).
			Int("retries", task.CurrentRetry).
			Err(execErr).
			Msg("Task failed terminally")

		e.publish(events.EventTaskFailed,
			fmt.Sprintf("Task %s failed after %d retries: %v", task.ID, task.CurrentRetry, execErr),
			map[string]string{"task_id": task.ID})
		return nil
	}

	task.CurrentRetry++
	e.transition(task, types.TaskRetrying)
	metrics.TaskRetries.Inc()

	backoff := e.retryBase << (task.CurrentRetry - 1)
	if backoff > e.retryCap || backoff <= 0 {
		backoff = e.retryCap
	}
	next := e.clock.Now().Add(backoff)
	task.ScheduledFor = &next
	task.AssignedAgent = ""
	e.transition(task, types.TaskQueued)

	e.seq++
	e.queue.push(&queueItem{
		taskID:    task.ID,
		priority:  task.Priority,
		createdAt: task.CreatedAt,
		seq:       e.seq,
	})
	metrics.TaskQueueDepth.Set(float64(e.queue.Len()))

	e.logger.Info().
		Str("task_id", task.ID).
		Int("retry", task.CurrentRetry).
		Dur("backoff", backoff).
		Err(execErr).
		Msg("Task retrying")

	e.publish(events.EventTaskRetrying,
		fmt.Sprintf("Task %s retry %d/%d in %s", task.ID, task.CurrentRetry, task.MaxRetries, backoff),
		map[string]string{"task_id": task.ID})
	return nil
}

// Cancel marks a task Cancelled. Only Queued, Processing and Retrying tasks
// are cancellable; cancelling an already cancelled task is a no-op success.
// A task whose agent call is in flight keeps running; its response is
// discarded when it lands.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, errdefs.ErrNotFound)
	}
	if task.Status == types.TaskCancelled {
		return nil
	}
	if !task.Status.Cancellable() {
		return fmt.Errorf("task %s is %s and cannot be cancelled: %w", taskID, task.Status, errdefs.ErrFailedPrecondition)
	}

	e.transition(task, types.TaskCancelled)
	completed := e.clock.Now()
	task.CompletedAt = &completed

	e.logger.Info().Str("task_id", taskID).Msg("Task cancelled")
	e.publish(events.EventTaskCancelled,
		fmt.Sprintf("Task %s cancelled", taskID),
		map[string]string{"task_id": taskID})
	return nil
}

// SessionStatus returns the task's current status.
func (e *Engine) SessionStatus(taskID string) (types.TaskStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[taskID]
	if !ok {
		return "", fmt.Errorf("task %s: %w", taskID, errdefs.ErrNotFound)
	}
	return task.Status, nil
}

// SessionResults returns a copy of the task's accumulated agent responses in
// arrival order.
func (e *Engine) SessionResults(taskID string) ([]types.AgentResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tasks[taskID]; !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, errdefs.ErrNotFound)
	}
	return append([]types.AgentResponse(nil), e.sessions[taskID]...), nil
}

// GetTask returns a copy of a tracked task.
func (e *Engine) GetTask(taskID string) (types.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok := e.tasks[taskID]
	if !ok {
		return types.Task{}, fmt.Errorf("task %s: %w", taskID, errdefs.ErrNotFound)
	}
	return *task, nil
}

// ListTasks returns copies of all tracked tasks ordered by creation time.
func (e *Engine) ListTasks() []types.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.Task, 0, len(e.tasks))
	for _, task := range e.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats summarizes the engine's queue and tables.
func (e *Engine) Stats() types.OrchestratorStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := types.OrchestratorStats{
		QueueDepth: e.queue.Len(),
		ByStatus:   make(map[types.TaskStatus]int),
		Sessions:   len(e.sessions),
	}
	for _, task := range e.tasks {
		stats.ByStatus[task.Status]++
	}
	for _, n := range e.inFlight {
		stats.InFlight += n
	}
	return stats
}

// Run starts the dispatch workers and the retention janitor, blocking until
// the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.janitor(ctx)
	}()

	wg.Wait()
}

func (e *Engine) worker(ctx context.Context) {
	for {
		taskID, err := e.ProcessNext(ctx)
		if err != nil {
			return
		}
		if taskID == "" {
			timer := e.clock.NewTimer(idleWait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C():
			}
			continue
		}
		if err := e.Dispatch(ctx, taskID); err != nil {
			e.logger.Error().Err(err).Str("task_id", taskID).Msg("Dispatch failed")
		}
	}
}

// janitor archives and prunes terminal tasks past the retention window.
func (e *Engine) janitor(ctx context.Context) {
	interval := e.retention / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := e.PruneTerminal(); n > 0 {
				e.logger.Debug().Int("pruned", n).Msg("Terminal tasks pruned")
			}
		}
	}
}

// PruneTerminal archives and removes terminal tasks whose completion is
// older than the retention window. Returns the number pruned.
func (e *Engine) PruneTerminal() int {
	now := e.clock.Now()

	e.mu.Lock()
	var expired []*types.Task
	for _, task := range e.tasks {
		if !task.Status.Terminal() || task.CompletedAt == nil {
			continue
		}
		if now.Sub(*task.CompletedAt) > e.retention {
			expired = append(expired, task)
		}
	}
	type archived struct {
		task      types.Task
		responses []types.AgentResponse
	}
	batch := make([]archived, 0, len(expired))
	for _, task := range expired {
		batch = append(batch, archived{task: *task, responses: e.sessions[task.ID]})
		metrics.TasksTotal.WithLabelValues(string(task.Status)).Dec()
		delete(e.tasks, task.ID)
		delete(e.sessions, task.ID)
	}
	e.mu.Unlock()

	if e.archive != nil {
		for _, item := range batch {
			err := e.archive.ArchiveTask(&store.ArchivedTask{
				Task:       item.task,
				Responses:  item.responses,
				ArchivedAt: now,
			})
			if err != nil {
				e.logger.Warn().Err(err).Str("task_id", item.task.ID).Msg("Archiving task failed")
			}
		}
	}
	return len(batch)
}

// candidates merges the manager snapshot with in-flight counts. Caller holds
// the lock.
func (e *Engine) candidates() []Candidate {
	views := e.agents.Snapshot()
	out := make([]Candidate, 0, len(views))
	for _, v := range views {
		out = append(out, Candidate{AgentView: v, InFlight: e.inFlight[v.ID]})
	}
	return out
}

type depState int

const (
	depsReady depState = iota
	depsOpen
	depsBroken
)

// dependencyState classifies a task's dependencies: all Completed, still in
// progress, or terminally unable to complete. Caller holds the lock.
func (e *Engine) dependencyState(task *types.Task) depState {
	for _, dep := range task.Dependencies {
		depTask, ok := e.tasks[dep]
		if !ok {
			// Pruned after completion; archiving only happens to terminal
			// tasks, and broken dependencies fail fast before pruning.
			continue
		}
		if depTask.Status == types.TaskCompleted {
			continue
		}
		if depTask.Status.Terminal() {
			return depsBroken
		}
		return depsOpen
	}
	return depsReady
}

func (e *Engine) dependenciesCompleted(task *types.Task) bool {
	return e.dependencyState(task) == depsReady
}

// promoteDependents moves Pending tasks whose dependencies just completed
// into Queued. Caller holds the lock.
func (e *Engine) promoteDependents(completedID string) {
	for _, task := range e.tasks {
		if task.Status != types.TaskPending {
			continue
		}
		for _, dep := range task.Dependencies {
			if dep == completedID {
				if e.dependenciesCompleted(task) {
					e.transition(task, types.TaskQueued)
				}
				break
			}
		}
	}
}

// transition moves a task between statuses and keeps the status gauges in
// step. Caller holds the lock.
func (e *Engine) transition(task *types.Task, to types.TaskStatus) {
	metrics.TasksTotal.WithLabelValues(string(task.Status)).Dec()
	metrics.TasksTotal.WithLabelValues(string(to)).Inc()
	task.Status = to
}

func (e *Engine) publish(eventType events.EventType, message string, metadata map[string]string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}
