package engine

import (
	"sort"
	"sync"

	"github.com/loomworks/loom/common/contextstore"
	"github.com/loomworks/loom/common/token"
	"github.com/loomworks/loom/common/workflow"
)

// RunStatus is the aggregate lifecycle state of one run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further steps.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// forkDone records one sibling of a fork group reaching its resolution,
// either arriving at a join node or terminating elsewhere.
type forkDone struct {
	tokenID  string
	data     map[string]interface{}
	joined   bool
	joinNode string
}

// forkState tracks one fork group until every sibling resolves and the
// parent token wakes.
type forkState struct {
	parentID string
	members  map[string]bool
	done     []forkDone
}

func (fs *forkState) resolved(tokenID string) bool {
	for _, d := range fs.done {
		if d.tokenID == tokenID {
			return true
		}
	}
	return false
}

// run is the mutable state of one workflow execution: its tokens, its
// context store and its fork bookkeeping. All fields behind mu are
// only touched by the owning engine.
type run struct {
	id            string
	graph         *workflow.Graph
	store         *contextstore.Store
	parentRunID   string
	parentTokenID string

	mu              sync.Mutex
	tokens          map[string]*token.Token
	order           []string
	forks           map[string]*forkState
	completedOrder  []string
	cancelRequested bool
	cancelled       bool
	failed          bool
	finished        bool
	lastStatus      RunStatus
}

// addTokenLocked registers a token in creation order.
func (r *run) addTokenLocked(t *token.Token) {
	r.tokens[t.ID] = t
	r.order = append(r.order, t.ID)
}

// cancelPending reports whether cancellation was requested, for dispatch
// goroutines that want to stop early.
func (r *run) cancelPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// statusLocked derives the run status from its tokens and flags.
func (r *run) statusLocked() RunStatus {
	if r.cancelled {
		return RunCancelled
	}
	if r.failed {
		return RunFailed
	}
	var active, waiting, completed int
	for _, t := range r.tokens {
		switch t.Status {
		case token.StatusActive:
			active++
		case token.StatusWaiting:
			waiting++
		case token.StatusCompleted:
			completed++
		}
	}
	switch {
	case active > 0:
		return RunRunning
	case waiting > 0:
		return RunWaiting
	case completed > 0:
		return RunCompleted
	default:
		return RunFailed
	}
}

// resultDataLocked merges the data of completed tokens in completion
// order. Later completions win conflicting keys.
func (r *run) resultDataLocked() map[string]interface{} {
	merged := make(map[string]interface{})
	for _, id := range r.completedOrder {
		t, ok := r.tokens[id]
		if !ok {
			continue
		}
		for k, v := range t.Data {
			merged[k] = v
		}
	}
	return merged
}

// writeSet returns the context ids a token's current node may write.
func (r *run) writeSet(t *token.Token) map[string]bool {
	node, ok := r.graph.Node(t.CurrentNodeID)
	if !ok || node.Kind != workflow.KindActivity {
		return nil
	}
	writes := make(map[string]bool)
	for _, b := range node.Activity.ContextBindings {
		if b.AccessMode.CanWrite() {
			writes[b.ContextID] = true
		}
	}
	return writes
}

// selectBatchLocked picks the active tokens that can dispatch together:
// creation order, skipping any token whose write set overlaps an
// earlier pick. Skipped tokens run on a later step.
func (r *run) selectBatchLocked() []*token.Token {
	used := make(map[string]bool)
	var batch []*token.Token
	for _, id := range r.order {
		t := r.tokens[id]
		if t.Status != token.StatusActive {
			continue
		}
		writes := r.writeSet(t)
		conflict := false
		for ctxID := range writes {
			if used[ctxID] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for ctxID := range writes {
			used[ctxID] = true
		}
		batch = append(batch, t)
	}
	return batch
}

// subWaitersLocked returns the tokens waiting on nested runs.
func (r *run) subWaitersLocked() []*token.Token {
	var waiters []*token.Token
	for _, id := range r.order {
		t := r.tokens[id]
		if t.Status == token.StatusWaiting && t.SubRunID != "" {
			waiters = append(waiters, t)
		}
	}
	return waiters
}

// runScope resolves expression paths against token data first, then
// declared contexts by name or id. A snapshot taken at scope creation
// keeps one evaluation from seeing two context versions.
type runScope struct {
	data     map[string]interface{}
	snapshot map[string]interface{}
	names    map[string]string
}

func (e *Engine) scopeFor(r *run, t *token.Token) *runScope {
	return e.scopeSnapshot(r, t, nil)
}

// scopeSnapshot scopes resolution to the given context ids; nil means
// every declared context.
func (e *Engine) scopeSnapshot(r *run, t *token.Token, ids []string) *runScope {
	names := make(map[string]string)
	for _, c := range r.graph.Contexts() {
		if c.Name != "" {
			names[c.Name] = c.ID
		}
	}
	return &runScope{
		data:     t.Data,
		snapshot: r.store.Snapshot(ids),
		names:    names,
	}
}

// Resolve implements exprlang.Scope.
func (s *runScope) Resolve(path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	if v, ok := descend(s.data, path); ok {
		return v, ok
	}
	if id, ok := s.names[path[0]]; ok {
		if len(path) == 1 {
			return s.snapshot[id], true
		}
		if v, ok := descend(s.snapshot[id], path[1:]); ok {
			return v, ok
		}
	}
	if v, ok := s.snapshot[path[0]]; ok {
		if len(path) == 1 {
			return v, true
		}
		if v, ok := descend(v, path[1:]); ok {
			return v, ok
		}
	}
	// Unqualified keys fall through to context values, scanned in
	// lexicographic id order so the lookup is deterministic.
	ids := make([]string, 0, len(s.snapshot))
	for id := range s.snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if v, ok := descend(s.snapshot[id], path); ok {
			return v, ok
		}
	}
	return nil, false
}

// descend walks a dotted path through nested maps.
func descend(value interface{}, path []string) (interface{}, bool) {
	current := value
	for _, key := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
