package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	startID    = "11111111-1111-1111-1111-111111111101"
	endID      = "11111111-1111-1111-1111-111111111102"
	actID      = "11111111-1111-1111-1111-111111111103"
	edgeOneID  = "11111111-1111-1111-1111-111111111104"
	edgeTwoID  = "11111111-1111-1111-1111-111111111105"
	ctxID      = "11111111-1111-1111-1111-111111111106"
	wfID       = "11111111-1111-1111-1111-111111111107"
	decisionID = "11111111-1111-1111-1111-111111111108"
	danglingID = "11111111-1111-1111-1111-111111111109"
)

func minimalDoc() string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": "Order Intake",
		"version": "1.0.0",
		"events": [
			{"id": %q, "name": "received", "event_type": "start"},
			{"id": %q, "name": "done", "event_type": "end"}
		],
		"activities": [
			{"id": %q, "name": "Price Order", "actor_type": "application",
			 "programs": [{"language": "constant", "body": "{\"priced\": true}"}],
			 "context_bindings": [{"context_id": %q, "access_mode": "read_write"}]}
		],
		"edges": [
			{"id": %q, "source_id": %q, "target_id": %q},
			{"id": %q, "source_id": %q, "target_id": %q}
		],
		"contexts": [
			{"id": %q, "name": "order_state", "type": "data", "sync_pattern": "shared_state"}
		]
	}`, wfID, startID, endID, actID, ctxID,
		edgeOneID, startID, actID,
		edgeTwoID, actID, endID,
		ctxID)
}

func TestLoadMinimalDocument(t *testing.T) {
	wf, err := Load([]byte(minimalDoc()))
	require.NoError(t, err)

	assert.Equal(t, wfID, wf.ID)
	assert.Len(t, wf.Activities, 1)
	assert.Len(t, wf.Edges, 2)
	assert.Equal(t, ActorApplication, wf.Activities[0].ActorType)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	doc := `{"id": "` + wfID + `", "name": "x", "version": "1", "bogus_key": true}`
	_, err := Load([]byte(doc))
	require.Error(t, err)

	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "bogus_key")
}

func TestLoadRejectsUnknownActorType(t *testing.T) {
	doc := fmt.Sprintf(`{
		"id": %q, "name": "x", "version": "1",
		"activities": [{"id": %q, "name": "a", "actor_type": "alien"}]
	}`, wfID, actID)
	_, err := Load([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actor_type")
}

func TestLoadRequiresRoleForHumanActivities(t *testing.T) {
	doc := fmt.Sprintf(`{
		"id": %q, "name": "x", "version": "1",
		"activities": [{"id": %q, "name": "approve", "actor_type": "human"}]
	}`, wfID, actID)
	_, err := Load([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role_id")
}

func TestLoadFileYAML(t *testing.T) {
	yamlDoc := fmt.Sprintf(`
id: %s
name: Order Intake
version: "1.0.0"
events:
  - id: %s
    event_type: start
  - id: %s
    event_type: end
activities:
  - id: %s
    name: Price Order
    actor_type: application
edges:
  - id: %s
    source_id: %s
    target_id: %s
  - id: %s
    source_id: %s
    target_id: %s
`, wfID, startID, endID, actID,
		edgeOneID, startID, actID,
		edgeTwoID, actID, endID)

	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	wf, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Order Intake", wf.Name)
	assert.Len(t, wf.Edges, 2)
}

func TestMarshalRoundTrip(t *testing.T) {
	wf, err := Load([]byte(minimalDoc()))
	require.NoError(t, err)

	data, err := wf.Marshal()
	require.NoError(t, err)

	again, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, again.ID)
	assert.Equal(t, len(wf.Activities), len(again.Activities))
	assert.Equal(t, wf.Contexts[0].SyncPattern, again.Contexts[0].SyncPattern)
}

func TestApplyPatchBeforeLoad(t *testing.T) {
	patch := `[{"op": "replace", "path": "/name", "value": "Renamed Flow"}]`
	patched, err := ApplyPatch([]byte(minimalDoc()), []byte(patch))
	require.NoError(t, err)

	wf, err := Load(patched)
	require.NoError(t, err)
	assert.Equal(t, "Renamed Flow", wf.Name)
}

func TestApplyPatchRejectsMalformedPatch(t *testing.T) {
	_, err := ApplyPatch([]byte(minimalDoc()), []byte(`{"not": "a patch"}`))
	assert.Error(t, err)
}
