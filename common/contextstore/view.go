package contextstore

import (
	"fmt"
	"sort"

	"github.com/loomworks/loom/common/workflow"
)

// opKind is the staged mutation variant.
type opKind int

const (
	opSet opKind = iota
	opMerge
	opPublish
)

type stagedOp struct {
	kind  opKind
	value interface{}
}

// View is the access-checked window one strategy call gets onto the
// store. Reads go straight through; writes are staged and only reach
// the store on Commit. A failing strategy call never commits, which
// keeps its context writes invisible.
type View struct {
	store    *Store
	readable map[string]bool
	writable map[string]bool
	drains   map[string]bool // read_write on message_passing drains
	staged   map[string][]stagedOp
}

// NewView builds a view scoped to the activity's context bindings. A
// required binding whose context is undeclared fails immediately.
func (s *Store) NewView(bindings []workflow.ContextBinding) (*View, error) {
	v := &View{
		store:    s,
		readable: make(map[string]bool),
		writable: make(map[string]bool),
		drains:   make(map[string]bool),
		staged:   make(map[string][]stagedOp),
	}
	for _, b := range bindings {
		if _, ok := s.entries[b.ContextID]; !ok {
			if b.Required {
				return nil, &NotFoundError{ContextID: b.ContextID}
			}
			continue
		}
		if b.AccessMode.CanRead() {
			v.readable[b.ContextID] = true
		}
		if b.AccessMode.CanWrite() {
			v.writable[b.ContextID] = true
		}
		if b.AccessMode == workflow.AccessReadWrite {
			v.drains[b.ContextID] = true
		}
	}
	return v, nil
}

// Get reads a bound context. read and subscribe modes peek
// message_passing queues; read_write drains them.
func (v *View) Get(id string) (interface{}, error) {
	if !v.readable[id] {
		return nil, fmt.Errorf("context %s is not readable by this activity", id)
	}
	if v.drains[id] {
		return v.store.Drain(id)
	}
	return v.store.Get(id)
}

// ReadableIDs returns the readable context ids in lexicographic order.
func (v *View) ReadableIDs() []string {
	ids := make([]string, 0, len(v.readable))
	for id := range v.readable {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WritableIDs returns the writable context ids in lexicographic order.
func (v *View) WritableIDs() []string {
	ids := make([]string, 0, len(v.writable))
	for id := range v.writable {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Set stages a full replacement of a writable context.
func (v *View) Set(id string, value interface{}) error {
	return v.stage(id, stagedOp{kind: opSet, value: value})
}

// Merge stages a shallow merge into a writable context.
func (v *View) Merge(id string, partial interface{}) error {
	return v.stage(id, stagedOp{kind: opMerge, value: partial})
}

// Publish stages an event publication to a writable context.
func (v *View) Publish(id string, event interface{}) error {
	return v.stage(id, stagedOp{kind: opPublish, value: event})
}

func (v *View) stage(id string, op stagedOp) error {
	if !v.writable[id] {
		return fmt.Errorf("context %s is not writable by this activity", id)
	}
	v.staged[id] = append(v.staged[id], op)
	return nil
}

// Commit applies the staged writes context by context, in lexicographic
// id order. Within one context the application is atomic: a schema
// violation leaves that context untouched and stops the commit. There
// is no atomicity across contexts.
func (v *View) Commit() error {
	ids := make([]string, 0, len(v.staged))
	for id := range v.staged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		e := v.store.entries[id]

		// Validate the whole batch for this context before applying any
		// of it, so a mid-batch schema failure cannot leave a partial
		// write behind.
		e.mu.Lock()
		if err := dryRun(e, id, v.staged[id]); err != nil {
			e.mu.Unlock()
			v.staged = make(map[string][]stagedOp)
			return err
		}
		var publishes []interface{}
		for _, op := range v.staged[id] {
			if err := e.write(id, op.value, op.kind == opMerge); err != nil {
				e.mu.Unlock()
				v.staged = make(map[string][]stagedOp)
				return err
			}
			if op.kind == opPublish {
				publishes = append(publishes, op.value)
			}
		}
		e.mu.Unlock()

		for _, ev := range publishes {
			e.obsMu.Lock()
			observers := make([]Observer, 0, len(e.observers))
			for _, obs := range e.observers {
				observers = append(observers, obs)
			}
			e.obsMu.Unlock()
			for _, obs := range observers {
				obs(ev)
			}
		}
	}

	v.staged = make(map[string][]stagedOp)
	return nil
}

// Discard drops every staged write.
func (v *View) Discard() {
	v.staged = make(map[string][]stagedOp)
}

// dryRun validates a batch against the context schema without mutating
// state. Caller holds the write lock.
func dryRun(e *entry, id string, ops []stagedOp) error {
	if e.schema == nil {
		return nil
	}

	switch e.def.SyncPattern {
	case workflow.SyncSharedState, "":
		current := e.value
		for _, op := range ops {
			next := op.value
			if op.kind == opMerge {
				next = shallowMerge(current, op.value)
			}
			if err := e.conforms(id, next); err != nil {
				return err
			}
			current = next
		}
	default:
		// Append patterns validate each element independently.
		for _, op := range ops {
			if err := e.conforms(id, op.value); err != nil {
				return err
			}
		}
	}
	return nil
}
