// Package token implements the execution cursor of a workflow run. A
// token carries local data and an append-only history while it moves
// through the graph; forked siblings share a snapshot of the parent's
// data and coalesce again at a join node.
package token

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a token.
type Status string

const (
	StatusActive    Status = "active"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// HistoryEntry records one action of a token at a node. Entries are
// append-only and strictly increasing in timestamp.
type HistoryEntry struct {
	NodeID    string                 `json:"node_id"`
	Action    string                 `json:"action"`
	Timestamp time.Time              `json:"timestamp"`
	Analytics map[string]interface{} `json:"analytics,omitempty"`
}

// Token is the runtime cursor of one execution path through a workflow.
type Token struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflow_id"`
	RunID         string                 `json:"run_id"`
	CurrentNodeID string                 `json:"current_node_id"`
	Status        Status                 `json:"status"`
	Data          map[string]interface{} `json:"data"`
	History       []HistoryEntry         `json:"history"`

	// ParentTokenID links a forked sibling or sub-workflow token back to
	// the token that spawned it.
	ParentTokenID string `json:"parent_token_id,omitempty"`

	// ForkGroupID names the sibling group this token joins at a join
	// node. Empty for tokens that were never forked.
	ForkGroupID string `json:"fork_group_id,omitempty"`

	// TaskID and SubRunID are the outstanding suspension of a waiting
	// token. A waiting token holds exactly one of them.
	TaskID   string `json:"task_id,omitempty"`
	SubRunID string `json:"sub_run_id,omitempty"`

	// Attempt counts strategy dispatches at the current node.
	Attempt int `json:"attempt,omitempty"`

	lastEntry time.Time
}

// New creates an active token at a node and records its creation.
func New(workflowID, runID, nodeID string, inputs map[string]interface{}) *Token {
	t := &Token{
		ID:            uuid.New().String(),
		WorkflowID:    workflowID,
		RunID:         runID,
		CurrentNodeID: nodeID,
		Status:        StatusActive,
		Data:          copyMap(inputs),
	}
	t.Record(nodeID, "created", nil)
	return t
}

// Record appends a history entry at the given node. Entries whose clock
// reading would tie the previous one are nudged forward a nanosecond so
// history stays strictly increasing.
func (t *Token) Record(nodeID, action string, analytics map[string]interface{}) {
	now := time.Now()
	if !now.After(t.lastEntry) {
		now = t.lastEntry.Add(time.Nanosecond)
	}
	t.lastEntry = now
	t.History = append(t.History, HistoryEntry{
		NodeID:    nodeID,
		Action:    action,
		Timestamp: now,
		Analytics: analytics,
	})
}

// Move advances the token to the next node, recording the exit from the
// current one and the entry into the next. The token becomes active.
func (t *Token) Move(nextNodeID string) {
	t.Record(t.CurrentNodeID, "exited", nil)
	t.CurrentNodeID = nextNodeID
	t.Status = StatusActive
	t.Attempt = 0
	t.Record(nextNodeID, "entered", nil)
}

// UpdateStatus transitions the token and records the change.
func (t *Token) UpdateStatus(next Status) {
	prev := t.Status
	t.Status = next
	t.Record(t.CurrentNodeID, "status_changed", map[string]interface{}{
		"from": string(prev),
		"to":   string(next),
	})
}

// MergeData shallow-merges partial into the token's data.
func (t *Token) MergeData(partial map[string]interface{}) {
	if len(partial) == 0 {
		return
	}
	if t.Data == nil {
		t.Data = make(map[string]interface{}, len(partial))
	}
	for k, v := range partial {
		t.Data[k] = v
	}
}

// Fork produces one child per target node. Children share a snapshot of
// the parent's data, carry the parent's id and a fresh fork group, and
// start active at their target. The parent transitions to waiting until
// the group joins or every child terminates.
func (t *Token) Fork(targetNodeIDs []string) []*Token {
	group := uuid.New().String()
	children := make([]*Token, 0, len(targetNodeIDs))
	for _, nodeID := range targetNodeIDs {
		child := &Token{
			ID:            uuid.New().String(),
			WorkflowID:    t.WorkflowID,
			RunID:         t.RunID,
			CurrentNodeID: nodeID,
			Status:        StatusActive,
			Data:          copyMap(t.Data),
			ParentTokenID: t.ID,
			ForkGroupID:   group,
		}
		child.Record(nodeID, "created", map[string]interface{}{
			"forked_from": t.ID,
		})
		children = append(children, child)
	}
	t.Record(t.CurrentNodeID, "forked", map[string]interface{}{
		"fork_group": group,
		"children":   len(children),
	})
	t.Status = StatusWaiting
	return children
}

// Suspend marks the token waiting on a human task.
func (t *Token) Suspend(taskID string) {
	t.TaskID = taskID
	t.Status = StatusWaiting
	t.Record(t.CurrentNodeID, "suspended", map[string]interface{}{
		"task_id": taskID,
	})
}

// SuspendOnRun marks the token waiting on a nested sub-workflow run.
func (t *Token) SuspendOnRun(runID string) {
	t.SubRunID = runID
	t.Status = StatusWaiting
	t.Record(t.CurrentNodeID, "suspended", map[string]interface{}{
		"sub_run_id": runID,
	})
}

// Resume wakes a waiting token, clears its suspension and merges the
// resolution outputs into its data.
func (t *Token) Resume(outputs map[string]interface{}) {
	t.TaskID = ""
	t.SubRunID = ""
	t.Status = StatusActive
	t.MergeData(outputs)
	t.Record(t.CurrentNodeID, "resumed", nil)
}

func copyMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
