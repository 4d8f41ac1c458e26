package contextstore

import (
	"sync"

	"github.com/loomworks/loom/common/workflow"
)

// snapshot is the saved state of one persistent context.
type snapshot struct {
	pattern workflow.SyncPattern
	value   interface{}
	queue   []interface{}
	board   []interface{}
	events  []interface{}
	version int64
}

func snapshotOf(e *entry) snapshot {
	return snapshot{
		pattern: e.def.SyncPattern,
		value:   e.value,
		queue:   append([]interface{}(nil), e.queue...),
		board:   append([]interface{}(nil), e.board...),
		events:  append([]interface{}(nil), e.events...),
		version: e.version,
	}
}

func (s snapshot) apply(e *entry) {
	e.value = s.value
	e.queue = append([]interface{}(nil), s.queue...)
	e.board = append([]interface{}(nil), s.board...)
	e.events = append([]interface{}(nil), s.events...)
	e.version = s.version
}

// Registry keeps persistent context state across runs, keyed by the
// owning workflow id. It is an injected collaborator of the engine, not
// process-global state.
type Registry struct {
	mu    sync.Mutex
	saved map[string]map[string]snapshot // workflow id -> context id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{saved: make(map[string]map[string]snapshot)}
}

func (r *Registry) save(workflowID, contextID string, snap snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byCtx, ok := r.saved[workflowID]
	if !ok {
		byCtx = make(map[string]snapshot)
		r.saved[workflowID] = byCtx
	}
	byCtx[contextID] = snap
}

func (r *Registry) restore(workflowID, contextID string) (snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.saved[workflowID][contextID]
	return snap, ok
}
