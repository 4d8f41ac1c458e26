package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/common/task"
	"github.com/loomworks/loom/common/token"
	"github.com/loomworks/loom/common/workflow"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

func appRequest(act *workflow.Activity, inputs map[string]interface{}) *Request {
	return &Request{
		Activity: act,
		Token:    token.New("wf", "run", act.ID, nil),
		Inputs:   inputs,
	}
}

func TestApplicationConstantProgram(t *testing.T) {
	s := NewApplicationStrategy(nopLogger{})
	act := &workflow.Activity{
		ID: "price", Name: "Price", ActorType: workflow.ActorApplication,
		Programs: []workflow.Program{
			{Language: "constant", Body: `{"priced": true, "total": 42}`},
		},
	}

	out, err := s.Execute(context.Background(), appRequest(act, nil))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, true, out.Outputs["priced"])
	assert.Equal(t, 42.0, out.Outputs["total"])
}

func TestApplicationCELReadsInputsAndPriorOutputs(t *testing.T) {
	s := NewApplicationStrategy(nopLogger{})
	act := &workflow.Activity{
		ID: "calc", Name: "Calc", ActorType: workflow.ActorApplication,
		Programs: []workflow.Program{
			{Language: "cel", Body: `inputs.amount * 2.0`, OutputKey: "doubled"},
			{Language: "cel", Body: `outputs.doubled + 1.0`, OutputKey: "final"},
		},
	}

	out, err := s.Execute(context.Background(), appRequest(act, map[string]interface{}{"amount": 10.0}))
	require.NoError(t, err)
	assert.Equal(t, 20.0, out.Outputs["doubled"])
	assert.Equal(t, 21.0, out.Outputs["final"])
}

func TestApplicationMapResultMergesWithoutOutputKey(t *testing.T) {
	s := NewApplicationStrategy(nopLogger{})
	act := &workflow.Activity{
		ID: "shape", Name: "Shape", ActorType: workflow.ActorApplication,
		Programs: []workflow.Program{
			{Language: "cel", Body: `{"a": 1, "b": inputs.x}`},
		},
	}

	out, err := s.Execute(context.Background(), appRequest(act, map[string]interface{}{"x": "y"}))
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.Outputs["a"])
	assert.Equal(t, "y", out.Outputs["b"])
}

func TestApplicationScalarResultBindsUnderResult(t *testing.T) {
	s := NewApplicationStrategy(nopLogger{})
	act := &workflow.Activity{
		ID: "sum", Name: "Sum", ActorType: workflow.ActorApplication,
		Programs: []workflow.Program{{Language: "cel", Body: `1.0 + 2.0`}},
	}

	out, err := s.Execute(context.Background(), appRequest(act, nil))
	require.NoError(t, err)
	assert.Equal(t, 3.0, out.Outputs["result"])
}

func TestApplicationRejectsUnsupportedLanguage(t *testing.T) {
	s := NewApplicationStrategy(nopLogger{})
	act := &workflow.Activity{
		ID: "bad", Name: "Bad", ActorType: workflow.ActorApplication,
		Programs: []workflow.Program{{Language: "cobol", Body: "MOVE A TO B"}},
	}

	_, err := s.Execute(context.Background(), appRequest(act, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")
}

func TestApplicationSkipsBodylessToolReference(t *testing.T) {
	s := NewApplicationStrategy(nopLogger{})
	act := &workflow.Activity{
		ID: "tools", Name: "Tools", ActorType: workflow.ActorApplication,
		Programs: []workflow.Program{
			{Tool: "crm.lookup"},
			{Language: "constant", Body: `{"done": true}`},
		},
	}

	out, err := s.Execute(context.Background(), appRequest(act, nil))
	require.NoError(t, err)
	assert.Equal(t, true, out.Outputs["done"])
}

func TestAIAgentSimulationSynthesizesFromSchema(t *testing.T) {
	s := NewAIAgentStrategy(Config{}, nopLogger{})
	act := &workflow.Activity{
		ID: "classify", Name: "Classify", ActorType: workflow.ActorAIAgent,
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"category":   map[string]interface{}{"type": "string", "enum": []interface{}{"urgent", "routine"}},
				"confidence": map[string]interface{}{"type": "number"},
				"escalate":   map[string]interface{}{"type": "boolean"},
			},
		},
	}

	out, err := s.Execute(context.Background(), appRequest(act, nil))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, "urgent", out.Outputs["category"], "enum synthesis takes the first member")
	assert.Equal(t, 0.0, out.Outputs["confidence"])
	assert.Equal(t, true, out.Outputs["escalate"])
	assert.Equal(t, true, out.Metrics["simulated"])
}

func TestAIAgentSimulationWithoutSchema(t *testing.T) {
	s := NewAIAgentStrategy(Config{}, nopLogger{})
	act := &workflow.Activity{ID: "free", Name: "Free Form", ActorType: workflow.ActorAIAgent}

	out, err := s.Execute(context.Background(), appRequest(act, nil))
	require.NoError(t, err)
	assert.Equal(t, true, out.Outputs["simulated"])
	assert.Contains(t, out.Outputs["result"], "Free Form")
}

func TestRobotSimulationReportsMachine(t *testing.T) {
	s := NewRobotStrategy(Config{}, nopLogger{})
	act := &workflow.Activity{
		ID: "weld", Name: "Weld", ActorType: workflow.ActorRobot, MachineID: "arm-7",
	}

	out, err := s.Execute(context.Background(), appRequest(act, nil))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, "arm-7", out.Outputs["machine_id"])
	assert.Equal(t, true, out.Outputs["simulated"])
	assert.NotNil(t, out.Metrics["estimated_duration_ms"])
}

func TestHumanStrategyEnqueuesAndSuspends(t *testing.T) {
	q := task.NewQueue(task.NewMemoryStore(), nopLogger{})
	s := NewHumanStrategy(q, nopLogger{})

	act := &workflow.Activity{
		ID: "approve", Name: "Approve Order", ActorType: workflow.ActorHuman,
		RoleID: "approvers", Priority: "high",
		SLA: &workflow.ActivitySLA{DeadlineMS: 60_000},
	}
	req := appRequest(act, map[string]interface{}{"order_id": "o-1"})

	out, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspend, out.Status)
	require.NotEmpty(t, out.SuspensionHandle)

	created, err := q.Get(context.Background(), out.SuspensionHandle)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, task.PriorityHigh, created.Priority)
	assert.Equal(t, req.Token.ID, created.TokenID)
	assert.Equal(t, "o-1", created.Inputs["order_id"])
	require.NotNil(t, created.DueAt)
}

func TestRegistryCoversEveryActorType(t *testing.T) {
	q := task.NewQueue(task.NewMemoryStore(), nopLogger{})
	r := NewRegistry(Config{}, q, nopLogger{})

	for _, actor := range []workflow.ActorType{
		workflow.ActorApplication,
		workflow.ActorAIAgent,
		workflow.ActorRobot,
		workflow.ActorHuman,
	} {
		s, err := r.For(actor)
		require.NoError(t, err)
		assert.Equal(t, actor, s.ActorType())
	}

	_, err := r.For("alien")
	assert.Error(t, err)
}
