package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/common/events"
	"github.com/loomworks/loom/common/telemetry"
)

// Logger is the minimal logging surface the queue needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ResolvedFunc receives tasks that reached completed, rejected or
// expired, so the engine can wake the owning token.
type ResolvedFunc func(ctx context.Context, t *Task)

// Queue is the human task service over a pluggable Store. It enforces
// the status machine, orders role queues, expires overdue tasks and
// signals the engine when a task resolves.
type Queue struct {
	store   Store
	logger  Logger
	bus     *events.Bus
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	resolved []ResolvedFunc
}

// NewQueue creates a task queue over the given store.
func NewQueue(store Store, logger Logger) *Queue {
	return &Queue{store: store, logger: logger}
}

// WithBus publishes task lifecycle events to the bus.
func (q *Queue) WithBus(bus *events.Bus) *Queue {
	q.bus = bus
	return q
}

// WithMetrics records task status gauges.
func (q *Queue) WithMetrics(m *telemetry.Metrics) *Queue {
	q.metrics = m
	return q
}

// OnResolved registers an engine callback for resolved tasks.
func (q *Queue) OnResolved(fn ResolvedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resolved = append(q.resolved, fn)
}

// Create persists a new pending task, filling id, defaults and
// timestamps.
func (q *Queue) Create(ctx context.Context, t *Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	now := time.Now().UTC()
	t.Status = StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := q.store.Create(ctx, t); err != nil {
		return nil, err
	}

	q.logger.Info("human task created",
		"task_id", t.ID,
		"activity_id", t.ActivityID,
		"role_id", t.RoleID,
		"priority", t.Priority)
	q.metrics.TaskTransition("", string(StatusPending))
	q.bus.Publish(events.Event{
		Type:       events.TaskCreated,
		RunID:      t.RunID,
		WorkflowID: t.WorkflowID,
		NodeID:     t.ActivityID,
		TokenID:    t.TokenID,
		TaskID:     t.ID,
		Payload:    map[string]interface{}{"role_id": t.RoleID, "priority": string(t.Priority)},
	})
	return t, nil
}

// Get returns a task by id.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	return q.store.Get(ctx, id)
}

// List returns tasks matching the filter.
func (q *Queue) List(ctx context.Context, f Filter) ([]*Task, error) {
	return q.store.List(ctx, f)
}

// PendingByRole lists a role's pending tasks, priority first, oldest
// first within a priority.
func (q *Queue) PendingByRole(ctx context.Context, roleID string) ([]*Task, error) {
	return q.store.PendingByRole(ctx, roleID)
}

// Assign moves a pending task to assigned.
func (q *Queue) Assign(ctx context.Context, id, userID, assigner string) (*Task, error) {
	t, err := q.store.Transition(ctx, id, []Status{StatusPending}, func(t *Task) {
		now := time.Now().UTC()
		t.Status = StatusAssigned
		t.AssigneeID = userID
		t.AssignedBy = assigner
		t.AssignedAt = &now
		t.UpdatedAt = now
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info("task assigned", "task_id", id, "assignee_id", userID)
	q.metrics.TaskTransition(string(StatusPending), string(StatusAssigned))
	return t, nil
}

// Start moves an assigned task to in_progress. Assignment and start are
// distinct transitions; starting a pending task fails.
func (q *Queue) Start(ctx context.Context, id string) (*Task, error) {
	t, err := q.store.Transition(ctx, id, []Status{StatusAssigned}, func(t *Task) {
		now := time.Now().UTC()
		t.Status = StatusInProgress
		t.StartedAt = &now
		t.UpdatedAt = now
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info("task started", "task_id", id, "assignee_id", t.AssigneeID)
	q.metrics.TaskTransition(string(StatusAssigned), string(StatusInProgress))
	return t, nil
}

// Complete finishes an in_progress task with the human's outputs and
// signals the engine. Completing an already-completed task is an
// idempotent no-op: queue state is unchanged and the engine is not
// signalled again.
func (q *Queue) Complete(ctx context.Context, id string, outputs map[string]interface{}) (*Task, error) {
	current, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusCompleted {
		q.logger.Debug("task already completed, ignoring replay", "task_id", id)
		return current, nil
	}

	t, err := q.store.Transition(ctx, id, []Status{StatusInProgress}, func(t *Task) {
		now := time.Now().UTC()
		t.Status = StatusCompleted
		t.Outputs = outputs
		t.CompletedAt = &now
		t.UpdatedAt = now
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("task completed", "task_id", id)
	q.metrics.TaskTransition(string(StatusInProgress), string(StatusCompleted))
	q.signalResolved(ctx, t)
	return t, nil
}

// Reject finishes an in_progress task with a rejection reason and
// signals the engine.
func (q *Queue) Reject(ctx context.Context, id, reason string) (*Task, error) {
	t, err := q.store.Transition(ctx, id, []Status{StatusInProgress}, func(t *Task) {
		now := time.Now().UTC()
		t.Status = StatusRejected
		t.RejectionReason = reason
		t.CompletedAt = &now
		t.UpdatedAt = now
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("task rejected", "task_id", id, "reason", reason)
	q.metrics.TaskTransition(string(StatusInProgress), string(StatusRejected))
	q.signalResolved(ctx, t)
	return t, nil
}

// ExpireOverdue moves pending tasks whose due_at has passed to expired
// and signals the engine for each.
func (q *Queue) ExpireOverdue(ctx context.Context, now time.Time) ([]*Task, error) {
	pending, err := q.store.List(ctx, Filter{Status: StatusPending})
	if err != nil {
		return nil, err
	}

	var expired []*Task
	for _, candidate := range pending {
		if candidate.DueAt == nil || candidate.DueAt.After(now) {
			continue
		}
		t, err := q.store.Transition(ctx, candidate.ID, []Status{StatusPending}, func(t *Task) {
			t.Status = StatusExpired
			t.UpdatedAt = time.Now().UTC()
		})
		if err != nil {
			// Lost a race with an assign; the task is no longer overdue
			// pending work.
			var te *TransitionError
			if errors.As(err, &te) {
				continue
			}
			return expired, err
		}

		q.logger.Warn("task expired", "task_id", t.ID, "due_at", t.DueAt)
		q.metrics.TaskTransition(string(StatusPending), string(StatusExpired))
		q.bus.Publish(events.Event{
			Type:       events.TaskExpired,
			RunID:      t.RunID,
			WorkflowID: t.WorkflowID,
			TokenID:    t.TokenID,
			TaskID:     t.ID,
		})
		q.signalResolved(ctx, t)
		expired = append(expired, t)
	}
	return expired, nil
}

// StartSweeper runs ExpireOverdue on a ticker until the context ends.
func (q *Queue) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				q.logger.Info("task sweeper stopping")
				return
			case <-ticker.C:
				if _, err := q.ExpireOverdue(ctx, time.Now().UTC()); err != nil {
					q.logger.Error("task sweep failed", "error", err)
				}
			}
		}
	}()
}

// ExpireForToken expires every unresolved task owned by a token. The
// engine calls this when the token is cancelled; the engine is not
// signalled back.
func (q *Queue) ExpireForToken(ctx context.Context, tokenID string) error {
	owned, err := q.store.List(ctx, Filter{TokenID: tokenID})
	if err != nil {
		return err
	}
	open := []Status{StatusPending, StatusAssigned, StatusInProgress}
	for _, candidate := range owned {
		if candidate.Status.Terminal() {
			continue
		}
		t, err := q.store.Transition(ctx, candidate.ID, open, func(t *Task) {
			t.Status = StatusExpired
			t.UpdatedAt = time.Now().UTC()
		})
		if err != nil {
			var te *TransitionError
			if errors.As(err, &te) {
				continue
			}
			return err
		}
		q.logger.Info("task expired with cancelled token", "task_id", t.ID, "token_id", tokenID)
		q.metrics.TaskTransition(string(candidate.Status), string(StatusExpired))
	}
	return nil
}

// Stats aggregates queue counts by status.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	all, err := q.store.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int)
	for _, t := range all {
		stats[string(t.Status)]++
	}
	return stats, nil
}

func (q *Queue) signalResolved(ctx context.Context, t *Task) {
	q.bus.Publish(events.Event{
		Type:       events.TaskResolved,
		RunID:      t.RunID,
		WorkflowID: t.WorkflowID,
		NodeID:     t.ActivityID,
		TokenID:    t.TokenID,
		TaskID:     t.ID,
		Payload:    map[string]interface{}{"status": string(t.Status)},
	})

	q.mu.RLock()
	callbacks := append([]ResolvedFunc(nil), q.resolved...)
	q.mu.RUnlock()
	for _, fn := range callbacks {
		fn(ctx, t)
	}
}
