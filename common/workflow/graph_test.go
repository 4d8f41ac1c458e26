package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Graph tests build workflows directly; id format checks live in the
// loader.
func simpleWorkflow() *Workflow {
	return &Workflow{
		ID: "wf", Name: "wf", Version: "1",
		Events: []*Event{
			{ID: "start", EventType: EventStart},
			{ID: "end", EventType: EventEnd},
		},
		Activities: []*Activity{
			{ID: "work", Name: "Work", ActorType: ActorApplication},
		},
		Edges: []*Edge{
			{ID: "e1", SourceID: "start", TargetID: "work"},
			{ID: "e2", SourceID: "work", TargetID: "end"},
		},
	}
}

func TestNewGraphIndexesNodesAndEdges(t *testing.T) {
	g, err := NewGraph(simpleWorkflow())
	require.NoError(t, err)

	node, ok := g.Node("work")
	require.True(t, ok)
	assert.Equal(t, KindActivity, node.Kind)
	assert.Equal(t, "Work", node.Name())

	out := g.Outbound("work")
	require.Len(t, out, 1)
	assert.Equal(t, "end", out[0].TargetID)

	in := g.Inbound("work")
	require.Len(t, in, 1)
	assert.Equal(t, "start", in[0].SourceID)

	starts := g.StartNodes()
	require.Len(t, starts, 1)
	assert.Equal(t, "start", starts[0].ID())
}

func TestNewGraphRejectsDanglingEdge(t *testing.T) {
	wf := simpleWorkflow()
	wf.Edges = append(wf.Edges, &Edge{ID: "e3", SourceID: "work", TargetID: "nowhere"})

	_, err := NewGraph(wf)
	require.Error(t, err)

	var re *ReferenceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "nowhere", re.RefID)
}

func TestNewGraphRejectsDanglingContextBinding(t *testing.T) {
	wf := simpleWorkflow()
	wf.Activities[0].ContextBindings = []ContextBinding{
		{ContextID: "missing-ctx", AccessMode: AccessRead},
	}

	_, err := NewGraph(wf)
	var re *ReferenceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "context", re.Kind)
}

func TestDecisionNodeRequiresExactlyOneDefaultEdge(t *testing.T) {
	table := &DecisionTable{
		Inputs:    []InputColumn{{Name: "x"}},
		Outputs:   []OutputColumn{{Name: "y"}},
		HitPolicy: HitFirst,
	}

	wf := simpleWorkflow()
	wf.DecisionNodes = []*DecisionNode{{ID: "route", Table: table}}
	wf.Edges = append(wf.Edges,
		&Edge{ID: "d0", SourceID: "work", TargetID: "route"},
		&Edge{ID: "d1", SourceID: "route", TargetID: "end", Condition: "x > 1"},
	)

	_, err := NewGraph(wf)
	require.Error(t, err, "decision node without a default edge must be rejected")

	wf.Edges = append(wf.Edges, &Edge{ID: "d2", SourceID: "route", TargetID: "end", IsDefault: true})
	g, err := NewGraph(wf)
	require.NoError(t, err)
	require.NotNil(t, g.DefaultEdge("route"))
	assert.Equal(t, "d2", g.DefaultEdge("route").ID)
}

func TestNewGraphRejectsRuleWithForeignEdge(t *testing.T) {
	table := &DecisionTable{
		Inputs:    []InputColumn{{Name: "x"}},
		Outputs:   []OutputColumn{{Name: "y"}},
		HitPolicy: HitFirst,
		Rules: []Rule{
			{InputEntries: []string{"-"}, OutputEntries: []interface{}{"v"}, OutputEdgeID: "e1"},
		},
	}

	wf := simpleWorkflow()
	wf.DecisionNodes = []*DecisionNode{{ID: "route", Table: table}}
	wf.Edges = append(wf.Edges,
		&Edge{ID: "d0", SourceID: "work", TargetID: "route"},
		&Edge{ID: "d2", SourceID: "route", TargetID: "end", IsDefault: true},
	)

	// e1 exists but leaves the start node, not the decision.
	_, err := NewGraph(wf)
	var re *ReferenceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "edge", re.Kind)
}

func TestCompensationEdgeLookup(t *testing.T) {
	wf := simpleWorkflow()
	wf.Activities = append(wf.Activities, &Activity{ID: "undo", Name: "Undo", ActorType: ActorApplication})
	wf.Edges = append(wf.Edges, &Edge{ID: "comp", SourceID: "work", TargetID: "undo", IsCompensation: true})

	g, err := NewGraph(wf)
	require.NoError(t, err)

	comp := g.CompensationEdge("work")
	require.NotNil(t, comp)
	assert.Equal(t, "undo", comp.TargetID)
	assert.Nil(t, g.CompensationEdge("start"))
}

func TestStartNodesFallBackToNoInbound(t *testing.T) {
	wf := &Workflow{
		ID: "wf", Name: "wf", Version: "1",
		Activities: []*Activity{
			{ID: "a", Name: "A", ActorType: ActorApplication},
			{ID: "b", Name: "B", ActorType: ActorApplication},
		},
		Edges: []*Edge{{ID: "e", SourceID: "a", TargetID: "b"}},
	}
	g, err := NewGraph(wf)
	require.NoError(t, err)

	starts := g.StartNodes()
	require.Len(t, starts, 1)
	assert.Equal(t, "a", starts[0].ID())
}
