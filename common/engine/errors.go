package engine

import (
	"errors"
	"fmt"
)

// ErrRunNotFound reports an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// NoValidEdgeError reports that routing found no selectable outbound
// edge. The enclosing token fails.
type NoValidEdgeError struct {
	NodeID  string
	TokenID string
}

func (e *NoValidEdgeError) Error() string {
	return fmt.Sprintf("no valid outbound edge from node %s for token %s", e.NodeID, e.TokenID)
}

// StrategyFailureError reports an actor strategy that kept failing
// after every allowed attempt. The enclosing token fails unless a
// compensation edge reroutes it.
type StrategyFailureError struct {
	NodeID   string
	Actor    string
	Attempts int
	Err      error
}

func (e *StrategyFailureError) Error() string {
	return fmt.Sprintf("strategy %s at node %s failed after %d attempts: %v",
		e.Actor, e.NodeID, e.Attempts, e.Err)
}

func (e *StrategyFailureError) Unwrap() error { return e.Err }
