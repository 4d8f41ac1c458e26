// Package task implements the durable human task queue: persistent
// records of suspended human activities, their status machine, and the
// priority-ordered role queues humans pull work from. Storage is a
// pluggable Store; memory, Redis and Postgres implementations ship in
// this package.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a human task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusExpired
}

// Priority orders tasks within a role queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to its sort weight; higher ranks sort first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Task is the persistent record of a suspended human activity.
type Task struct {
	ID           string `json:"id"`
	ActivityID   string `json:"activity_id"`
	ActivityName string `json:"activity_name"`
	TokenID      string `json:"token_id"`
	WorkflowID   string `json:"workflow_id"`
	RunID        string `json:"run_id"`

	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`
	RoleID   string   `json:"role_id"`

	AssigneeID string `json:"assignee_id,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	AssignedBy string `json:"assigned_by,omitempty"`

	Inputs          map[string]interface{} `json:"inputs,omitempty"`
	Outputs         map[string]interface{} `json:"outputs,omitempty"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`

	FormSchema map[string]interface{} `json:"form_schema,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
}

// Clone returns a shallow copy so stores can hand out tasks without
// exposing their internal records.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// TransitionError reports an illegal status transition. The queue
// rejects the operation; the owning token is unaffected.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// ErrNotFound reports an unknown task id.
var ErrNotFound = errors.New("task not found")

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status     Status
	RoleID     string
	AssigneeID string
	WorkflowID string
	RunID      string
	TokenID    string
	Limit      int
}

// Matches reports whether a task passes the filter.
func (f Filter) Matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.RoleID != "" && t.RoleID != f.RoleID {
		return false
	}
	if f.AssigneeID != "" && t.AssigneeID != f.AssigneeID {
		return false
	}
	if f.WorkflowID != "" && t.WorkflowID != f.WorkflowID {
		return false
	}
	if f.RunID != "" && t.RunID != f.RunID {
		return false
	}
	if f.TokenID != "" && t.TokenID != f.TokenID {
		return false
	}
	return true
}

// Store is the pluggable persistence adapter for human tasks. Tasks
// outlive engine instances; implementations supply the storage.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, f Filter) ([]*Task, error)

	// Transition atomically moves a task out of one of the expected
	// statuses, applying mutate to the stored record before the write.
	// A task in any other status yields a TransitionError.
	Transition(ctx context.Context, id string, expect []Status, mutate func(*Task)) (*Task, error)

	// PendingByRole lists pending tasks for a role ordered by priority
	// descending, then creation time ascending.
	PendingByRole(ctx context.Context, roleID string) ([]*Task, error)
}

// byQueueOrder sorts pending tasks: priority first, then creation time.
func byQueueOrder(a, b *Task) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
