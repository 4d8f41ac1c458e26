package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/common/task"
	"github.com/loomworks/loom/common/workflow"
)

// TaskCreator is the slice of the task queue the human strategy needs.
type TaskCreator interface {
	Create(ctx context.Context, t *task.Task) (*task.Task, error)
}

// HumanStrategy enqueues a human task and suspends the token until a
// person completes or rejects it.
type HumanStrategy struct {
	queue  TaskCreator
	logger Logger
}

// NewHumanStrategy creates the human executor over the task queue.
func NewHumanStrategy(queue TaskCreator, logger Logger) *HumanStrategy {
	return &HumanStrategy{queue: queue, logger: logger}
}

// ActorType implements Strategy.
func (s *HumanStrategy) ActorType() workflow.ActorType {
	return workflow.ActorHuman
}

// Execute creates the task with a snapshot of the resolved inputs and
// returns suspend with the task id as the suspension handle.
func (s *HumanStrategy) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	if s.queue == nil {
		return nil, fmt.Errorf("human activity %s dispatched without a task queue", req.Activity.ID)
	}

	t := &task.Task{
		ActivityID:   req.Activity.ID,
		ActivityName: req.Activity.Name,
		TokenID:      req.Token.ID,
		WorkflowID:   req.Token.WorkflowID,
		RunID:        req.Token.RunID,
		Priority:     task.Priority(req.Activity.Priority),
		RoleID:       req.Activity.RoleID,
		CreatedBy:    "engine",
		Inputs:       req.Inputs,
		FormSchema:   req.Activity.FormSchema,
		Tags:         req.Activity.Tags,
	}
	if req.Activity.SLA != nil && req.Activity.SLA.DeadlineMS > 0 {
		due := time.Now().UTC().Add(time.Duration(req.Activity.SLA.DeadlineMS) * time.Millisecond)
		t.DueAt = &due
	}

	created, err := s.queue.Create(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("enqueue human task for activity %s: %w", req.Activity.ID, err)
	}

	s.logger.Info("human task enqueued",
		"task_id", created.ID,
		"activity_id", req.Activity.ID,
		"role_id", req.Activity.RoleID)

	return &Outcome{
		Status:           StatusSuspend,
		SuspensionHandle: created.ID,
	}, nil
}
