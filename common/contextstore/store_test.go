package contextstore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/common/workflow"
)

func newStore(t *testing.T, contexts ...*workflow.Context) *Store {
	t.Helper()
	s, err := New("wf", contexts, nil, nil)
	require.NoError(t, err)
	return s
}

func sharedCtx(id string) *workflow.Context {
	return &workflow.Context{ID: id, Name: id, SyncPattern: workflow.SyncSharedState}
}

func TestSharedStateMergeAndReplace(t *testing.T) {
	s := newStore(t, &workflow.Context{
		ID: "order", SyncPattern: workflow.SyncSharedState,
		InitialValue: map[string]interface{}{"status": "new"},
	})

	require.NoError(t, s.Merge("order", map[string]interface{}{"total": 42.0}))
	v, err := s.Get("order")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"status": "new", "total": 42.0}, v)

	require.NoError(t, s.Set("order", map[string]interface{}{"status": "done"}))
	v, _ = s.Get("order")
	assert.Equal(t, map[string]interface{}{"status": "done"}, v)
}

func TestMessagePassingDrainClearsQueue(t *testing.T) {
	s := newStore(t, &workflow.Context{ID: "inbox", SyncPattern: workflow.SyncMessagePassing})

	require.NoError(t, s.Publish("inbox", "m1"))
	require.NoError(t, s.Publish("inbox", "m2"))

	// Get peeks without consuming.
	v, err := s.Get("inbox")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"m1", "m2"}, v)

	drained, err := s.Drain("inbox")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"m1", "m2"}, drained)

	v, _ = s.Get("inbox")
	assert.Empty(t, v)
}

func TestBlackboardCollapsesDuplicates(t *testing.T) {
	s := newStore(t, &workflow.Context{ID: "board", SyncPattern: workflow.SyncBlackboard})

	fact := map[string]interface{}{"claim": "valid"}
	require.NoError(t, s.Set("board", fact))
	require.NoError(t, s.Set("board", map[string]interface{}{"claim": "valid"}))
	require.NoError(t, s.Set("board", "other"))

	v, err := s.Get("board")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{fact, "other"}, v)
}

func TestEventSourcingFoldsLogOverInitial(t *testing.T) {
	s := newStore(t, &workflow.Context{
		ID: "ledger", SyncPattern: workflow.SyncEventSourcing,
		InitialValue: map[string]interface{}{"balance": 0.0},
	})

	require.NoError(t, s.Publish("ledger", map[string]interface{}{"balance": 10.0}))
	require.NoError(t, s.Publish("ledger", map[string]interface{}{"last_op": "credit"}))

	v, err := s.Get("ledger")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"balance": 10.0, "last_op": "credit"}, v)
}

func TestSchemaViolationLeavesValueUntouched(t *testing.T) {
	s := newStore(t, &workflow.Context{
		ID: "typed", SyncPattern: workflow.SyncSharedState,
		InitialValue: map[string]interface{}{"count": 1.0},
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"count": map[string]interface{}{"type": "number"}},
		},
	})

	err := s.Set("typed", map[string]interface{}{"count": "nope"})
	var serr *SchemaError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "typed", serr.ContextID)

	v, _ := s.Get("typed")
	assert.Equal(t, map[string]interface{}{"count": 1.0}, v)
}

func TestUndeclaredContext(t *testing.T) {
	s := newStore(t, sharedCtx("a"))

	_, err := s.Get("missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ContextID)

	assert.Error(t, s.Set("missing", 1))
}

func TestVersionCountsWrites(t *testing.T) {
	s := newStore(t, sharedCtx("a"))

	v0, err := s.Version("a")
	require.NoError(t, err)
	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("a", 2))

	v2, _ := s.Version("a")
	assert.Equal(t, v0+2, v2)
}

func TestSubscribeObservesPublishes(t *testing.T) {
	s := newStore(t, &workflow.Context{ID: "feed", SyncPattern: workflow.SyncMessagePassing})

	var seen []interface{}
	cancel, err := s.Subscribe("feed", func(event interface{}) {
		seen = append(seen, event)
	})
	require.NoError(t, err)

	require.NoError(t, s.Publish("feed", "e1"))
	cancel()
	require.NoError(t, s.Publish("feed", "e2"))

	assert.Equal(t, []interface{}{"e1"}, seen)
}

func TestSnapshotReadsConsistentSubset(t *testing.T) {
	s := newStore(t, sharedCtx("a"), sharedCtx("b"), sharedCtx("c"))
	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))

	snap := s.Snapshot([]string{"b", "a"})
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, snap)

	all := s.Snapshot(nil)
	assert.Len(t, all, 3)
}

func TestPersistentContextSurvivesClose(t *testing.T) {
	reg := NewRegistry()
	def := &workflow.Context{
		ID: "memory", SyncPattern: workflow.SyncSharedState,
		Lifecycle: workflow.LifecyclePersistent,
	}

	first, err := New("wf", []*workflow.Context{def}, reg, nil)
	require.NoError(t, err)
	require.NoError(t, first.Set("memory", map[string]interface{}{"runs": 1.0}))
	first.Close()

	second, err := New("wf", []*workflow.Context{def}, reg, nil)
	require.NoError(t, err)
	v, err := second.Get("memory")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"runs": 1.0}, v)

	// A different owning workflow starts fresh.
	other, err := New("other-wf", []*workflow.Context{def}, reg, nil)
	require.NoError(t, err)
	v, _ = other.Get("memory")
	assert.Nil(t, v)
}

func ttlCtx() *workflow.Context {
	return &workflow.Context{
		ID: "session", SyncPattern: workflow.SyncSharedState,
		TTLSeconds:   1,
		InitialValue: map[string]interface{}{"state": "idle"},
	}
}

func TestTTLLapseReadsAsInitial(t *testing.T) {
	s := newStore(t, ttlCtx())
	require.NoError(t, s.Set("session", map[string]interface{}{"state": "busy"}))

	// Backdate the last write so the TTL has lapsed.
	s.entries["session"].lastWrite = time.Now().Add(-2 * time.Second)

	v, err := s.Get("session")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"state": "idle"}, v)

	// The next write starts from the reset state.
	require.NoError(t, s.Merge("session", map[string]interface{}{"user": "u1"}))
	v, _ = s.Get("session")
	assert.Equal(t, map[string]interface{}{"state": "idle", "user": "u1"}, v)
}

func TestTTLLapseSurvivesConcurrentReads(t *testing.T) {
	s := newStore(t, ttlCtx())
	require.NoError(t, s.Set("session", map[string]interface{}{"state": "busy"}))
	s.entries["session"].lastWrite = time.Now().Add(-2 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v, err := s.Get("session")
				assert.NoError(t, err)
				assert.Equal(t, map[string]interface{}{"state": "idle"}, v)
			}
		}()
	}
	wg.Wait()
}

func TestEphemeralContextDiscardedOnClose(t *testing.T) {
	reg := NewRegistry()
	def := &workflow.Context{ID: "scratch", SyncPattern: workflow.SyncSharedState}

	first, err := New("wf", []*workflow.Context{def}, reg, nil)
	require.NoError(t, err)
	require.NoError(t, first.Set("scratch", "gone"))
	first.Close()

	second, err := New("wf", []*workflow.Context{def}, reg, nil)
	require.NoError(t, err)
	v, _ := second.Get("scratch")
	assert.Nil(t, v)
}
