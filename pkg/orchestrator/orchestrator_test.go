package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/sirsinexus/nexus/pkg/agent"
	"github.com/sirsinexus/nexus/pkg/store"
	"github.com/sirsinexus/nexus/pkg/types"
)

// fakePool is a scriptable AgentPool. Execute outcomes are keyed by task ID;
// unkeyed tasks succeed with an empty response.
type fakePool struct {
	mu       sync.Mutex
	views    []agent.AgentView
	failures map[string]error
	executed []string
}

func newFakePool(views ...agent.AgentView) *fakePool {
	return &fakePool{views: views, failures: make(map[string]error)}
}

func healthyAgent(id string) agent.AgentView {
	return agent.AgentView{
		ID:           id,
		Provider:     types.ProviderAWS,
		Capabilities: []string{"discover", "estimate", "recommend", "health"},
		Healthy:      true,
	}
}

func (p *fakePool) Snapshot() []agent.AgentView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agent.AgentView(nil), p.views...)
}

func (p *fakePool) Execute(ctx context.Context, agentID string, task *types.Task) (types.AgentResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executed = append(p.executed, task.ID)
	if err := p.failures[task.ID]; err != nil {
		return types.AgentResponse{}, err
	}
	return types.AgentResponse{AgentID: agentID, AgentType: types.ProviderAWS, Confidence: 1.0}, nil
}

type fakeArchive struct {
	store.Store
	mu       sync.Mutex
	archived []*store.ArchivedTask
}

func (f *fakeArchive) ArchiveTask(task *store.ArchivedTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, task)
	return nil
}

func newTestEngine(clk *testclock.FakeClock, pool AgentPool) *Engine {
	return NewEngine(Config{
		Agents:    pool,
		Clock:     clk,
		RetryBase: time.Second,
		RetryCap:  60 * time.Second,
		Retention: 15 * time.Minute,
	})
}

func submit(t *testing.T, e *Engine, task *types.Task) string {
	t.Helper()
	id, err := e.Submit(task)
	require.NoError(t, err)
	return id
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEngine(testclock.NewFakeClock(time.Now()), newFakePool())

	_, err := e.Submit(nil)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = e.Submit(&types.Task{Type: "mining"})
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = e.Submit(&types.Task{Type: types.TaskDiscovery, Priority: 101})
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = e.Submit(&types.Task{Type: types.TaskDiscovery, MaxRetries: -1})
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = e.Submit(&types.Task{Type: types.TaskDiscovery, Dependencies: []string{"ghost"}})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestSubmitDuplicateIDConflicts(t *testing.T) {
	e := newTestEngine(testclock.NewFakeClock(time.Now()), newFakePool())

	submit(t, e, &types.Task{ID: "task-1", Type: types.TaskDiscovery})
	_, err := e.Submit(&types.Task{ID: "task-1", Type: types.TaskDiscovery})
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	// The original task is untouched.
	task, err := e.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, task.Status)
}

func TestProcessNextOrdersByPriorityThenAge(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	e := newTestEngine(clk, newFakePool(healthyAgent("aws-1")))
	ctx := context.Background()

	low := submit(t, e, &types.Task{Type: types.TaskDiscovery, Priority: 10})
	clk.Step(time.Millisecond)
	high := submit(t, e, &types.Task{Type: types.TaskDiscovery, Priority: 90})
	clk.Step(time.Millisecond)
	mid := submit(t, e, &types.Task{Type: types.TaskDiscovery, Priority: 50})

	var order []string
	for i := 0; i < 3; i++ {
		id, err := e.ProcessNext(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, id)
		order = append(order, id)
		require.NoError(t, e.Dispatch(ctx, id))
	}
	assert.Equal(t, []string{high, mid, low}, order)
}

func TestProcessNextFIFOWithinPriority(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	e := newTestEngine(clk, newFakePool(healthyAgent("aws-1")))
	ctx := context.Background()

	first := submit(t, e, &types.Task{Type: types.TaskDiscovery, Priority: 50})
	clk.Step(time.Millisecond)
	second := submit(t, e, &types.Task{Type: types.TaskDiscovery, Priority: 50})

	id, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, id)
	require.NoError(t, e.Dispatch(ctx, id))

	id, err = e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, id)
}

func TestProcessNextWithoutCandidatesLeavesTaskQueued(t *testing.T) {
	e := newTestEngine(testclock.NewFakeClock(time.Now()), newFakePool())
	taskID := submit(t, e, &types.Task{Type: types.TaskDiscovery})

	id, err := e.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)

	task, err := e.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, task.Status)
}

func TestDependenciesGateDispatch(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	e := newTestEngine(clk, newFakePool(healthyAgent("aws-1")))
	ctx := context.Background()

	parent := submit(t, e, &types.Task{Type: types.TaskDiscovery})
	child := submit(t, e, &types.Task{Type: types.TaskCostAnalysis, Dependencies: []string{parent}})

	childTask, err := e.GetTask(child)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, childTask.Status)

	// Only the parent is eligible.
	id, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, parent, id)

	next, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Empty(t, next)

	// Completing the parent promotes the child.
	require.NoError(t, e.Dispatch(ctx, parent))
	childTask, err = e.GetTask(child)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, childTask.Status)

	id, err = e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, child, id)
}

func TestBrokenDependencyFailsDependentFast(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	pool := newFakePool(healthyAgent("aws-1"))
	e := newTestEngine(clk, pool)
	ctx := context.Background()

	parent := submit(t, e, &types.Task{Type: types.TaskDiscovery, MaxRetries: 0})
	child := submit(t, e, &types.Task{Type: types.TaskDiscovery, Dependencies: []string{parent}})

	pool.failures[parent] = errors.New("provider down")
	id, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, parent, id)
	require.NoError(t, e.Dispatch(ctx, parent))

	parentTask, err := e.GetTask(parent)
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, parentTask.Status)

	// The child can never run; the next pass fails it instead of leaving it
	// pending forever.
	next, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Empty(t, next)

	childTask, err := e.GetTask(child)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, childTask.Status)
	assert.Contains(t, childTask.LastError, "dependency")
}

func TestRetryBackoffDoublesUntilTerminal(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	pool := newFakePool(healthyAgent("aws-1"))
	e := newTestEngine(clk, pool)
	ctx := context.Background()

	taskID := submit(t, e, &types.Task{Type: types.TaskDiscovery, MaxRetries: 2})
	pool.failures[taskID] = errors.New("throttled")

	// First attempt fails; the retry is scheduled one second out.
	id, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, taskID, id)
	require.NoError(t, e.Dispatch(ctx, taskID))

	task, err := e.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, task.Status)
	assert.Equal(t, 1, task.CurrentRetry)
	require.NotNil(t, task.ScheduledFor)
	assert.Equal(t, clk.Now().Add(time.Second), *task.ScheduledFor)

	// Not yet due.
	id, err = e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	// Second attempt after the backoff; next delay doubles.
	clk.Step(time.Second)
	id, err = e.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, taskID, id)
	require.NoError(t, e.Dispatch(ctx, taskID))

	task, err = e.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, 2, task.CurrentRetry)
	assert.Equal(t, clk.Now().Add(2*time.Second), *task.ScheduledFor)

	// Third attempt exhausts the budget.
	clk.Step(2 * time.Second)
	id, err = e.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, taskID, id)
	require.NoError(t, e.Dispatch(ctx, taskID))

	task, err = e.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Contains(t, task.LastError, "throttled")
	assert.Len(t, pool.executed, 3)
}

func TestScheduledTasksWaitForTheirTime(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	e := newTestEngine(clk, newFakePool(healthyAgent("aws-1")))
	ctx := context.Background()

	runAt := clk.Now().Add(time.Minute)
	taskID := submit(t, e, &types.Task{Type: types.TaskDiscovery, ScheduledFor: &runAt})

	id, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	clk.Step(time.Minute)
	id, err = e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskID, id)
}

func TestCancelSemantics(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	e := newTestEngine(clk, newFakePool(healthyAgent("aws-1")))
	ctx := context.Background()

	taskID := submit(t, e, &types.Task{Type: types.TaskDiscovery})

	require.NoError(t, e.Cancel(taskID))
	// Cancelling again is a no-op success.
	require.NoError(t, e.Cancel(taskID))

	task, err := e.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, task.Status)

	// A cancelled task never dispatches.
	id, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	// Completed tasks cannot be cancelled.
	done := submit(t, e, &types.Task{Type: types.TaskDiscovery})
	id, err = e.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, done, id)
	require.NoError(t, e.Dispatch(ctx, done))

	err = e.Cancel(done)
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	err = e.Cancel("ghost")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSessionAccumulatesResponses(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	e := newTestEngine(clk, newFakePool(healthyAgent("aws-1")))
	ctx := context.Background()

	taskID := submit(t, e, &types.Task{Type: types.TaskDiscovery})

	results, err := e.SessionResults(taskID)
	require.NoError(t, err)
	assert.Empty(t, results)

	id, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, taskID, id)
	require.NoError(t, e.Dispatch(ctx, taskID))

	status, err := e.SessionStatus(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, status)

	results, err = e.SessionResults(taskID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "aws-1", results[0].AgentID)
}

func TestStatsCountsQueueAndStatuses(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	e := newTestEngine(clk, newFakePool(healthyAgent("aws-1")))
	ctx := context.Background()

	submit(t, e, &types.Task{Type: types.TaskDiscovery})
	done := submit(t, e, &types.Task{Type: types.TaskDiscovery})

	id, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Dispatch(ctx, id))
	_ = done

	stats := e.Stats()
	assert.Equal(t, 1, stats.ByStatus[types.TaskQueued])
	assert.Equal(t, 1, stats.ByStatus[types.TaskCompleted])
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 0, stats.InFlight)
}

func TestPruneTerminalArchivesOldTasks(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	archive := &fakeArchive{}
	e := NewEngine(Config{
		Agents:    newFakePool(healthyAgent("aws-1")),
		Clock:     clk,
		Archive:   archive,
		Retention: 15 * time.Minute,
	})
	ctx := context.Background()

	taskID := submit(t, e, &types.Task{Type: types.TaskDiscovery})
	id, err := e.ProcessNext(ctx)
	require.NoError(t, err)
	require.Equal(t, taskID, id)
	require.NoError(t, e.Dispatch(ctx, taskID))

	// Inside the retention window nothing is pruned.
	assert.Zero(t, e.PruneTerminal())

	clk.Step(16 * time.Minute)
	assert.Equal(t, 1, e.PruneTerminal())

	_, err = e.GetTask(taskID)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	require.Len(t, archive.archived, 1)
	assert.Equal(t, taskID, archive.archived[0].Task.ID)
	assert.Len(t, archive.archived[0].Responses, 1)
}
