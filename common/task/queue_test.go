package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

func newTestQueue() *Queue {
	return NewQueue(NewMemoryStore(), nopLogger{})
}

func createTask(t *testing.T, q *Queue, mutate func(*Task)) *Task {
	t.Helper()
	task := &Task{
		ActivityID:   "approve",
		ActivityName: "Approve Order",
		TokenID:      "tok-1",
		WorkflowID:   "wf-1",
		RunID:        "run-1",
		RoleID:       "approvers",
	}
	if mutate != nil {
		mutate(task)
	}
	created, err := q.Create(context.Background(), task)
	require.NoError(t, err)
	return created
}

func TestTaskLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	var resolved []*Task
	q.OnResolved(func(ctx context.Context, t *Task) { resolved = append(resolved, t) })

	created := createTask(t, q, nil)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, PriorityNormal, created.Priority)

	assigned, err := q.Assign(ctx, created.ID, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, assigned.Status)
	assert.Equal(t, "alice", assigned.AssigneeID)
	assert.Equal(t, "bob", assigned.AssignedBy)
	assert.Empty(t, resolved, "assignment must not resolve the task")

	started, err := q.Start(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, started.Status)
	require.NotNil(t, started.StartedAt)

	outputs := map[string]interface{}{"approved": true}
	completed, err := q.Complete(ctx, created.ID, outputs)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, outputs, completed.Outputs)

	require.Len(t, resolved, 1)
	assert.Equal(t, created.ID, resolved[0].ID)
	assert.Equal(t, StatusCompleted, resolved[0].Status)
}

func TestStartRequiresAssignment(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()
	created := createTask(t, q, nil)

	_, err := q.Start(ctx, created.ID)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusPending, te.From)

	// The failed transition leaves the task untouched.
	got, err := q.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestCompleteReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	var signals int
	q.OnResolved(func(context.Context, *Task) { signals++ })

	created := createTask(t, q, nil)
	_, err := q.Assign(ctx, created.ID, "alice", "")
	require.NoError(t, err)
	_, err = q.Start(ctx, created.ID)
	require.NoError(t, err)

	first, err := q.Complete(ctx, created.ID, map[string]interface{}{"n": 1.0})
	require.NoError(t, err)

	again, err := q.Complete(ctx, created.ID, map[string]interface{}{"n": 2.0})
	require.NoError(t, err)
	assert.Equal(t, first.Outputs, again.Outputs, "replay must not overwrite outputs")
	assert.Equal(t, 1, signals, "replay must not signal the engine twice")
}

func TestRejectCarriesReason(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	var resolved *Task
	q.OnResolved(func(ctx context.Context, t *Task) { resolved = t })

	created := createTask(t, q, nil)
	_, err := q.Assign(ctx, created.ID, "alice", "")
	require.NoError(t, err)
	_, err = q.Start(ctx, created.ID)
	require.NoError(t, err)

	rejected, err := q.Reject(ctx, created.ID, "missing paperwork")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "missing paperwork", rejected.RejectionReason)

	require.NotNil(t, resolved)
	assert.Equal(t, StatusRejected, resolved.Status)
}

func TestPendingByRoleOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	oldNormal := createTask(t, q, func(t *Task) { t.Priority = PriorityNormal })
	time.Sleep(2 * time.Millisecond)
	critical := createTask(t, q, func(t *Task) { t.Priority = PriorityCritical })
	time.Sleep(2 * time.Millisecond)
	newNormal := createTask(t, q, func(t *Task) { t.Priority = PriorityNormal })
	createTask(t, q, func(t *Task) { t.RoleID = "other-role" })

	queue, err := q.PendingByRole(ctx, "approvers")
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, critical.ID, queue[0].ID)
	assert.Equal(t, oldNormal.ID, queue[1].ID)
	assert.Equal(t, newNormal.ID, queue[2].ID)
}

func TestExpireOverdueSignalsEngine(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	var resolved []*Task
	q.OnResolved(func(ctx context.Context, t *Task) { resolved = append(resolved, t) })

	past := time.Now().UTC().Add(-time.Minute)
	overdue := createTask(t, q, func(t *Task) { t.DueAt = &past })
	createTask(t, q, nil) // no deadline, never expires

	expired, err := q.ExpireOverdue(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.ID, expired[0].ID)
	assert.Equal(t, StatusExpired, expired[0].Status)

	require.Len(t, resolved, 1)
	assert.Equal(t, overdue.ID, resolved[0].ID)
}

func TestExpireForTokenClosesOpenTasksSilently(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	var signals int
	q.OnResolved(func(context.Context, *Task) { signals++ })

	owned := createTask(t, q, nil)
	other := createTask(t, q, func(t *Task) { t.TokenID = "tok-2" })

	require.NoError(t, q.ExpireForToken(ctx, "tok-1"))

	got, err := q.Get(ctx, owned.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	untouched, err := q.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, untouched.Status)
	assert.Zero(t, signals, "cancellation expiry must not signal the engine")
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	createTask(t, q, nil)
	mine := createTask(t, q, func(t *Task) { t.RunID = "run-2" })

	byRun, err := q.List(ctx, Filter{RunID: "run-2"})
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, mine.ID, byRun[0].ID)

	pending, err := q.List(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestStatsCountsByStatus(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	createTask(t, q, nil)
	second := createTask(t, q, nil)
	_, err := q.Assign(ctx, second.ID, "alice", "")
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["pending"])
	assert.Equal(t, 1, stats["assigned"])
}
