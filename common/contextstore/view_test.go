package contextstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/common/workflow"
)

func bindings(bs ...workflow.ContextBinding) []workflow.ContextBinding { return bs }

func TestViewEnforcesAccessModes(t *testing.T) {
	s := newStore(t, sharedCtx("in"), sharedCtx("out"))
	require.NoError(t, s.Set("in", "value"))

	v, err := s.NewView(bindings(
		workflow.ContextBinding{ContextID: "in", AccessMode: workflow.AccessRead},
		workflow.ContextBinding{ContextID: "out", AccessMode: workflow.AccessWrite},
	))
	require.NoError(t, err)

	got, err := v.Get("in")
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	_, err = v.Get("out")
	assert.Error(t, err, "write-only context must not be readable")
	assert.Error(t, v.Set("in", "x"), "read-only context must not be writable")

	assert.Equal(t, []string{"in"}, v.ReadableIDs())
	assert.Equal(t, []string{"out"}, v.WritableIDs())
}

func TestViewStagesWritesUntilCommit(t *testing.T) {
	s := newStore(t, sharedCtx("doc"))

	v, err := s.NewView(bindings(workflow.ContextBinding{ContextID: "doc", AccessMode: workflow.AccessReadWrite}))
	require.NoError(t, err)

	require.NoError(t, v.Set("doc", map[string]interface{}{"a": 1.0}))
	require.NoError(t, v.Merge("doc", map[string]interface{}{"b": 2.0}))

	// Nothing visible before commit.
	cur, _ := s.Get("doc")
	assert.Nil(t, cur)

	require.NoError(t, v.Commit())
	cur, _ = s.Get("doc")
	assert.Equal(t, map[string]interface{}{"a": 1.0, "b": 2.0}, cur)
}

func TestViewDiscardDropsStagedWrites(t *testing.T) {
	s := newStore(t, sharedCtx("doc"))
	v, err := s.NewView(bindings(workflow.ContextBinding{ContextID: "doc", AccessMode: workflow.AccessWrite}))
	require.NoError(t, err)

	require.NoError(t, v.Set("doc", "staged"))
	v.Discard()
	require.NoError(t, v.Commit())

	cur, _ := s.Get("doc")
	assert.Nil(t, cur)
}

func TestViewCommitValidatesBatchBeforeApplying(t *testing.T) {
	s := newStore(t, &workflow.Context{
		ID: "typed", SyncPattern: workflow.SyncSharedState,
		InitialValue: map[string]interface{}{"n": 0.0},
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"n": map[string]interface{}{"type": "number"}},
		},
	})

	v, err := s.NewView(bindings(workflow.ContextBinding{ContextID: "typed", AccessMode: workflow.AccessReadWrite}))
	require.NoError(t, err)

	require.NoError(t, v.Merge("typed", map[string]interface{}{"n": 1.0}))
	require.NoError(t, v.Merge("typed", map[string]interface{}{"n": "bad"}))

	var serr *SchemaError
	require.ErrorAs(t, v.Commit(), &serr)

	// The valid first write must not have leaked.
	cur, _ := s.Get("typed")
	assert.Equal(t, map[string]interface{}{"n": 0.0}, cur)
}

func TestViewReadWriteDrainsMessageQueue(t *testing.T) {
	s := newStore(t, &workflow.Context{ID: "inbox", SyncPattern: workflow.SyncMessagePassing})
	require.NoError(t, s.Publish("inbox", "m1"))

	peek, err := s.NewView(bindings(workflow.ContextBinding{ContextID: "inbox", AccessMode: workflow.AccessSubscribe}))
	require.NoError(t, err)
	got, err := peek.Get("inbox")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"m1"}, got)

	consumer, err := s.NewView(bindings(workflow.ContextBinding{ContextID: "inbox", AccessMode: workflow.AccessReadWrite}))
	require.NoError(t, err)
	got, err = consumer.Get("inbox")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"m1"}, got)

	left, _ := s.Get("inbox")
	assert.Empty(t, left)
}

func TestViewRequiredBindingMustExist(t *testing.T) {
	s := newStore(t, sharedCtx("a"))

	_, err := s.NewView(bindings(workflow.ContextBinding{
		ContextID: "missing", AccessMode: workflow.AccessRead, Required: true,
	}))
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	v, err := s.NewView(bindings(workflow.ContextBinding{
		ContextID: "missing", AccessMode: workflow.AccessRead,
	}))
	require.NoError(t, err)
	_, err = v.Get("missing")
	assert.Error(t, err)
}

func TestViewPublishNotifiesOnCommit(t *testing.T) {
	s := newStore(t, &workflow.Context{ID: "feed", SyncPattern: workflow.SyncEventSourcing})

	var seen []interface{}
	_, err := s.Subscribe("feed", func(event interface{}) { seen = append(seen, event) })
	require.NoError(t, err)

	v, err := s.NewView(bindings(workflow.ContextBinding{ContextID: "feed", AccessMode: workflow.AccessPublish}))
	require.NoError(t, err)
	require.NoError(t, v.Publish("feed", "ev"))
	assert.Empty(t, seen, "staged publish must not notify")

	require.NoError(t, v.Commit())
	assert.Equal(t, []interface{}{"ev"}, seen)
}
