// Package contextstore holds the current value of every declared
// context of a run. Each context has a single-writer, many-reader lock;
// its sync pattern decides how writes and reads compose. Schema
// conformance is checked on every mutation when the context declares a
// schema; violations fail the operation without mutating state.
package contextstore

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/common/schema"
	"github.com/loomworks/loom/common/workflow"
)

// Logger is the minimal logging surface the store needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// SchemaError reports a write that violates the context's declared
// schema. The write does not happen.
type SchemaError struct {
	ContextID string
	Err       error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("context %s: value violates schema: %v", e.ContextID, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// NotFoundError reports an operation against an undeclared context.
type NotFoundError struct {
	ContextID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("context %s is not declared", e.ContextID)
}

// Observer receives events published to a subscribed context.
type Observer func(event interface{})

// entry is the runtime state of one context.
type entry struct {
	def    *workflow.Context
	schema *jsonschema.Schema

	mu        sync.RWMutex
	value     interface{}   // shared_state current value
	queue     []interface{} // message_passing pending messages
	board     []interface{} // blackboard accumulated entries
	events    []interface{} // event_sourcing log
	version   int64
	lastWrite time.Time

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// Store mediates all context access for one run.
type Store struct {
	ownerWorkflowID string
	entries         map[string]*entry
	registry        *Registry
	logger          Logger
}

// New builds a store for the declared contexts, compiling schemas and
// applying initial values. When a registry is given, persistent contexts
// resume from the values the registry holds for the owner workflow.
func New(ownerWorkflowID string, contexts []*workflow.Context, registry *Registry, logger Logger) (*Store, error) {
	s := &Store{
		ownerWorkflowID: ownerWorkflowID,
		entries:         make(map[string]*entry, len(contexts)),
		registry:        registry,
		logger:          logger,
	}

	for _, def := range contexts {
		e := &entry{
			def:       def,
			value:     def.InitialValue,
			observers: make(map[int]Observer),
			lastWrite: time.Now(),
		}
		if def.Schema != nil {
			compiled, err := schema.Compile("context/"+def.ID, def.Schema)
			if err != nil {
				return nil, err
			}
			e.schema = compiled
		}
		if registry != nil && def.Lifecycle == workflow.LifecyclePersistent {
			if saved, ok := registry.restore(ownerWorkflowID, def.ID); ok {
				saved.apply(e)
			}
		}
		s.entries[def.ID] = e
	}

	return s, nil
}

// Definition returns the declaration of a context.
func (s *Store) Definition(id string) (*workflow.Context, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.def, true
}

// IDs returns every declared context id in lexicographic order. This is
// also the lock acquisition order for multi-context operations.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get reads the context's current value under a shared lock. The sync
// pattern decides what "current value" means: the stored value for
// shared_state, the pending messages for message_passing, the
// accumulated union for blackboard, and the folded event log for
// event_sourcing.
func (s *Store) Get(id string) (interface{}, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, &NotFoundError{ContextID: id}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.read(), nil
}

// Drain returns the pending messages of a message_passing context and
// clears the queue. For every other pattern it behaves like Get.
func (s *Store) Drain(id string) (interface{}, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, &NotFoundError{ContextID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeExpire()
	if e.def.SyncPattern != workflow.SyncMessagePassing {
		return e.read(), nil
	}
	drained := e.queue
	e.queue = nil
	e.version++
	return drained, nil
}

// Set replaces the context's value. For append patterns a Set behaves
// like a write of one element.
func (s *Store) Set(id string, value interface{}) error {
	e, ok := s.entries[id]
	if !ok {
		return &NotFoundError{ContextID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.write(id, value, false)
}

// Merge shallow-merges partial into the current value when both are
// maps; otherwise it replaces the value. Merge is atomic with respect
// to concurrent Get.
func (s *Store) Merge(id string, partial interface{}) error {
	e, ok := s.entries[id]
	if !ok {
		return &NotFoundError{ContextID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.write(id, partial, true)
}

// Publish appends an event to the context and notifies subscribers.
func (s *Store) Publish(id string, event interface{}) error {
	e, ok := s.entries[id]
	if !ok {
		return &NotFoundError{ContextID: id}
	}

	e.mu.Lock()
	err := e.write(id, event, false)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.obsMu.Lock()
	observers := make([]Observer, 0, len(e.observers))
	for _, obs := range e.observers {
		observers = append(observers, obs)
	}
	e.obsMu.Unlock()

	for _, obs := range observers {
		obs(event)
	}
	return nil
}

// Subscribe registers an observer for events published to the context.
// The returned function removes the subscription.
func (s *Store) Subscribe(id string, obs Observer) (func(), error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, &NotFoundError{ContextID: id}
	}
	e.obsMu.Lock()
	key := e.nextObs
	e.nextObs++
	e.observers[key] = obs
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		delete(e.observers, key)
		e.obsMu.Unlock()
	}, nil
}

// Version returns the monotonic write counter of a context. Readers that
// observe version N have seen every write up to N.
func (s *Store) Version(id string) (int64, error) {
	e, ok := s.entries[id]
	if !ok {
		return 0, &NotFoundError{ContextID: id}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version, nil
}

// Snapshot reads the given contexts under shared locks acquired in
// lexicographic id order and returns a consistent map of id to value.
// A nil id list snapshots every declared context.
func (s *Store) Snapshot(ids []string) map[string]interface{} {
	if ids == nil {
		ids = s.IDs()
	} else {
		ids = append([]string(nil), ids...)
		sort.Strings(ids)
	}

	snap := make(map[string]interface{}, len(ids))
	locked := make([]*entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			e.mu.RLock()
			locked = append(locked, e)
		}
	}
	for _, e := range locked {
		snap[e.def.ID] = e.read()
	}
	for i := len(locked) - 1; i >= 0; i-- {
		locked[i].mu.RUnlock()
	}
	return snap
}

// Close ends the run: ephemeral contexts are discarded and persistent
// contexts are saved to the registry keyed by the owner workflow id.
func (s *Store) Close() {
	for id, e := range s.entries {
		if e.def.Lifecycle == workflow.LifecyclePersistent && s.registry != nil {
			e.mu.RLock()
			s.registry.save(s.ownerWorkflowID, id, snapshotOf(e))
			e.mu.RUnlock()
			continue
		}
		if s.logger != nil {
			s.logger.Debug("discarding ephemeral context", "context_id", id)
		}
	}
}

// read returns the pattern-dependent current value. Caller holds at
// least a read lock; an overdue TTL context reads as its initial view
// without mutating state.
func (e *entry) read() interface{} {
	if e.expired() {
		switch e.def.SyncPattern {
		case workflow.SyncMessagePassing, workflow.SyncBlackboard:
			return []interface{}(nil)
		default:
			return e.def.InitialValue
		}
	}
	switch e.def.SyncPattern {
	case workflow.SyncMessagePassing:
		return append([]interface{}(nil), e.queue...)
	case workflow.SyncBlackboard:
		return append([]interface{}(nil), e.board...)
	case workflow.SyncEventSourcing:
		return foldEvents(e.def.InitialValue, e.events)
	default:
		return e.value
	}
}

// write validates and applies one mutation. Caller holds the write lock.
func (e *entry) write(id string, value interface{}, merge bool) error {
	e.maybeExpire()

	switch e.def.SyncPattern {
	case workflow.SyncMessagePassing:
		if err := e.conforms(id, value); err != nil {
			return err
		}
		e.queue = append(e.queue, value)

	case workflow.SyncBlackboard:
		if err := e.conforms(id, value); err != nil {
			return err
		}
		for _, existing := range e.board {
			if reflect.DeepEqual(existing, value) {
				return nil // set semantics: duplicates collapse
			}
		}
		e.board = append(e.board, value)

	case workflow.SyncEventSourcing:
		if err := e.conforms(id, value); err != nil {
			return err
		}
		e.events = append(e.events, value)

	default: // shared_state
		next := value
		if merge {
			next = shallowMerge(e.value, value)
		}
		if err := e.conforms(id, next); err != nil {
			return err
		}
		e.value = next
	}

	e.version++
	e.lastWrite = time.Now()
	return nil
}

func (e *entry) conforms(id string, value interface{}) error {
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(value); err != nil {
		return &SchemaError{ContextID: id, Err: err}
	}
	return nil
}

// expired reports whether the TTL has lapsed since the last write.
// Caller holds at least a read lock.
func (e *entry) expired() bool {
	if e.def.TTLSeconds <= 0 {
		return false
	}
	return time.Since(e.lastWrite) >= time.Duration(e.def.TTLSeconds)*time.Second
}

// maybeExpire resets an overdue TTL context to its initial value.
// Caller holds the write lock; read paths go through expired instead.
func (e *entry) maybeExpire() {
	if !e.expired() {
		return
	}
	e.value = e.def.InitialValue
	e.queue = nil
	e.board = nil
	e.events = nil
	e.lastWrite = time.Now()
	e.version++
}

// shallowMerge merges partial over base when both are maps, otherwise
// partial replaces base.
func shallowMerge(base, partial interface{}) interface{} {
	baseMap, okBase := base.(map[string]interface{})
	partMap, okPart := partial.(map[string]interface{})
	if !okBase || !okPart {
		return partial
	}
	merged := make(map[string]interface{}, len(baseMap)+len(partMap))
	for k, v := range baseMap {
		merged[k] = v
	}
	for k, v := range partMap {
		merged[k] = v
	}
	return merged
}

// foldEvents reconstructs the current value of an event-sourced context
// by folding the log over the initial value. Map events shallow-merge;
// anything else replaces the accumulator.
func foldEvents(initial interface{}, events []interface{}) interface{} {
	current := initial
	for _, ev := range events {
		current = shallowMerge(current, ev)
	}
	return current
}
