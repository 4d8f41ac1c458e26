package task

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisWrapper "github.com/loomworks/loom/common/redis"
)

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisWrapper.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nopLogger{})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, nopLogger{})
}

func redisTask(id string, priority Priority, created time.Time) *Task {
	return &Task{
		ID:         id,
		ActivityID: "approve",
		TokenID:    "tok-" + id,
		WorkflowID: "wf-1",
		RunID:      "run-1",
		RoleID:     "approvers",
		Status:     StatusPending,
		Priority:   priority,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestRedisStoreCreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	in := redisTask("t1", PriorityHigh, now)
	in.Inputs = map[string]interface{}{"order_id": "o-9"}
	require.NoError(t, s.Create(ctx, in))

	out, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Status)
	assert.Equal(t, PriorityHigh, out.Priority)
	assert.Equal(t, "o-9", out.Inputs["order_id"])

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorePendingByRoleUsesQueueOrder(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)

	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Create(ctx, redisTask("old-normal", PriorityNormal, base)))
	require.NoError(t, s.Create(ctx, redisTask("late-critical", PriorityCritical, base.Add(time.Second))))
	require.NoError(t, s.Create(ctx, redisTask("new-normal", PriorityNormal, base.Add(2*time.Second))))

	queue, err := s.PendingByRole(ctx, "approvers")
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, "late-critical", queue[0].ID)
	assert.Equal(t, "old-normal", queue[1].ID)
	assert.Equal(t, "new-normal", queue[2].ID)
}

func TestRedisStoreTransitionMaintainsPendingIndex(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.Create(ctx, redisTask("t1", PriorityNormal, now)))

	_, err := s.Transition(ctx, "t1", []Status{StatusPending}, func(t *Task) {
		t.Status = StatusAssigned
		t.AssigneeID = "alice"
	})
	require.NoError(t, err)

	// The assigned task leaves the role queue.
	queue, err := s.PendingByRole(ctx, "approvers")
	require.NoError(t, err)
	assert.Empty(t, queue)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "alice", got.AssigneeID)
}

func TestRedisStoreTransitionRejectsWrongStatus(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)
	require.NoError(t, s.Create(ctx, redisTask("t1", PriorityNormal, time.Now().UTC())))

	_, err := s.Transition(ctx, "t1", []Status{StatusAssigned}, func(t *Task) {
		t.Status = StatusInProgress
	})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusPending, te.From)
	assert.Equal(t, StatusInProgress, te.To)

	_, err = s.Transition(ctx, "missing", []Status{StatusPending}, func(t *Task) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreListFilters(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t)

	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Create(ctx, redisTask("a", PriorityNormal, base)))
	other := redisTask("b", PriorityNormal, base.Add(time.Second))
	other.RunID = "run-2"
	require.NoError(t, s.Create(ctx, other))

	byRun, err := s.List(ctx, Filter{RunID: "run-2"})
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, "b", byRun[0].ID)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID, "list is newest first")
}

func TestQueueOverRedisStore(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(newRedisTestStore(t), nopLogger{})

	var resolved []*Task
	q.OnResolved(func(ctx context.Context, t *Task) { resolved = append(resolved, t) })

	created := createTask(t, q, nil)
	_, err := q.Assign(ctx, created.ID, "alice", "")
	require.NoError(t, err)
	_, err = q.Start(ctx, created.ID)
	require.NoError(t, err)
	done, err := q.Complete(ctx, created.ID, map[string]interface{}{"ok": true})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	require.Len(t, resolved, 1)
	assert.Equal(t, created.ID, resolved[0].ID)
}
