package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/common/exprlang"
	"github.com/loomworks/loom/common/workflow"
)

func newTestEvaluator() *Evaluator {
	return NewEvaluator(exprlang.NewEvaluator())
}

func discountTable(policy workflow.HitPolicy) *workflow.DecisionTable {
	return &workflow.DecisionTable{
		Inputs:    []workflow.InputColumn{{Name: "amount"}, {Name: "tier"}},
		Outputs:   []workflow.OutputColumn{{Name: "discount"}},
		HitPolicy: policy,
		Rules: []workflow.Rule{
			{InputEntries: []string{">= 1000", `"gold"`}, OutputEntries: []interface{}{0.2}},
			{InputEntries: []string{">= 1000", "-"}, OutputEntries: []interface{}{0.1}},
			{InputEntries: []string{"< 1000", "-"}, OutputEntries: []interface{}{0.0}},
		},
	}
}

func TestUniqueHitPolicy(t *testing.T) {
	e := newTestEvaluator()
	table := &workflow.DecisionTable{
		Inputs:    []workflow.InputColumn{{Name: "amount"}},
		Outputs:   []workflow.OutputColumn{{Name: "lane"}},
		HitPolicy: workflow.HitUnique,
		Rules: []workflow.Rule{
			{InputEntries: []string{"< 100"}, OutputEntries: []interface{}{"fast"}},
			{InputEntries: []string{">= 100"}, OutputEntries: []interface{}{"review"}},
		},
	}

	res, err := e.Evaluate("route", table, exprlang.MapScope{"amount": 50.0})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Matched)
	assert.Equal(t, "fast", res.Outputs["lane"])
}

func TestUniqueNoMatchFails(t *testing.T) {
	e := newTestEvaluator()
	table := &workflow.DecisionTable{
		Inputs:    []workflow.InputColumn{{Name: "amount"}},
		Outputs:   []workflow.OutputColumn{{Name: "lane"}},
		HitPolicy: workflow.HitUnique,
		Rules: []workflow.Rule{
			{InputEntries: []string{"< 100"}, OutputEntries: []interface{}{"fast"}},
		},
	}

	_, err := e.Evaluate("route", table, exprlang.MapScope{"amount": 500.0})
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindNoMatch, derr.Kind)
	assert.Equal(t, "route", derr.Node)
}

func TestUniqueAmbiguousFails(t *testing.T) {
	e := newTestEvaluator()
	res, err := e.Evaluate("route", discountTable(workflow.HitUnique),
		exprlang.MapScope{"amount": 2000.0, "tier": "gold"})
	require.Nil(t, res)

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindAmbiguous, derr.Kind)
}

func TestFirstHitPolicyTakesTableOrder(t *testing.T) {
	e := newTestEvaluator()
	res, err := e.Evaluate("route", discountTable(workflow.HitFirst),
		exprlang.MapScope{"amount": 2000.0, "tier": "gold"})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Matched)
	assert.Equal(t, 0.2, res.Outputs["discount"])
}

func TestFirstHitPolicyToleratesNoMatch(t *testing.T) {
	e := newTestEvaluator()
	table := &workflow.DecisionTable{
		Inputs:    []workflow.InputColumn{{Name: "amount"}},
		Outputs:   []workflow.OutputColumn{{Name: "lane"}},
		HitPolicy: workflow.HitFirst,
		Rules: []workflow.Rule{
			{InputEntries: []string{"> 10000"}, OutputEntries: []interface{}{"audit"}},
		},
	}

	res, err := e.Evaluate("route", table, exprlang.MapScope{"amount": 5.0})
	require.NoError(t, err)
	assert.Empty(t, res.Matched)
	assert.Empty(t, res.Outputs)
}

func TestAnyHitPolicyAgreementAndConflict(t *testing.T) {
	e := newTestEvaluator()
	table := &workflow.DecisionTable{
		Inputs:    []workflow.InputColumn{{Name: "region"}},
		Outputs:   []workflow.OutputColumn{{Name: "currency"}},
		HitPolicy: workflow.HitAny,
		Rules: []workflow.Rule{
			{InputEntries: []string{`"eu"`}, OutputEntries: []interface{}{"EUR"}},
			{InputEntries: []string{"-"}, OutputEntries: []interface{}{"EUR"}},
		},
	}

	res, err := e.Evaluate("cur", table, exprlang.MapScope{"region": "eu"})
	require.NoError(t, err)
	assert.Equal(t, "EUR", res.Outputs["currency"])

	table.Rules[1].OutputEntries = []interface{}{"USD"}
	_, err = e.Evaluate("cur", table, exprlang.MapScope{"region": "eu"})
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindInconsistent, derr.Kind)
}

func TestPriorityHitPolicy(t *testing.T) {
	e := newTestEvaluator()
	table := &workflow.DecisionTable{
		Inputs:  []workflow.InputColumn{{Name: "score"}},
		Outputs: []workflow.OutputColumn{{Name: "risk", Priority: []interface{}{"high", "medium", "low"}}},
		HitPolicy: workflow.HitPriority,
		Rules: []workflow.Rule{
			{InputEntries: []string{"> 0"}, OutputEntries: []interface{}{"low"}},
			{InputEntries: []string{"> 50"}, OutputEntries: []interface{}{"medium"}},
			{InputEntries: []string{"> 90"}, OutputEntries: []interface{}{"high"}},
		},
	}

	res, err := e.Evaluate("risk", table, exprlang.MapScope{"score": 95.0})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, res.Matched)
	assert.Equal(t, "high", res.Outputs["risk"])
}

func TestCollectWithSumAggregation(t *testing.T) {
	e := newTestEvaluator()
	table := &workflow.DecisionTable{
		Inputs:      []workflow.InputColumn{{Name: "amount"}},
		Outputs:     []workflow.OutputColumn{{Name: "fee"}},
		HitPolicy:   workflow.HitCollect,
		Aggregation: workflow.AggregateSum,
		Rules: []workflow.Rule{
			{InputEntries: []string{"> 0"}, OutputEntries: []interface{}{5.0}},
			{InputEntries: []string{"> 100"}, OutputEntries: []interface{}{2.5}},
			{InputEntries: []string{"> 100000"}, OutputEntries: []interface{}{100.0}},
		},
	}

	res, err := e.Evaluate("fees", table, exprlang.MapScope{"amount": 500.0})
	require.NoError(t, err)
	assert.Equal(t, 7.5, res.Outputs["fee"])
	assert.Equal(t, []int{0, 1}, res.Matched)
}

func TestRuleOrderCollectsInTableOrder(t *testing.T) {
	e := newTestEvaluator()
	table := &workflow.DecisionTable{
		Inputs:    []workflow.InputColumn{{Name: "amount"}},
		Outputs:   []workflow.OutputColumn{{Name: "step"}},
		HitPolicy: workflow.HitRuleOrder,
		Rules: []workflow.Rule{
			{InputEntries: []string{"> 0"}, OutputEntries: []interface{}{"notify"}},
			{InputEntries: []string{"> 100"}, OutputEntries: []interface{}{"review"}},
		},
	}

	res, err := e.Evaluate("steps", table, exprlang.MapScope{"amount": 500.0})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"notify", "review"}, res.Outputs["step"])
}

func TestTableRoutesByEdgeIDs(t *testing.T) {
	e := newTestEvaluator()
	table := &workflow.DecisionTable{
		Inputs:    []workflow.InputColumn{{Name: "approved"}},
		Outputs:   []workflow.OutputColumn{{Name: "route"}},
		HitPolicy: workflow.HitFirst,
		Rules: []workflow.Rule{
			{InputEntries: []string{"true"}, OutputEntries: []interface{}{"ship"}, OutputEdgeID: "to-ship"},
			{InputEntries: []string{"-"}, OutputEntries: []interface{}{"hold"}, OutputEdgeID: "to-hold"},
		},
	}

	res, err := e.Evaluate("gate", table, exprlang.MapScope{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"to-ship"}, res.EdgeIDs)
	assert.Nil(t, res.Outputs)
}

func TestOutputEntryResolvesScopePath(t *testing.T) {
	e := newTestEvaluator()
	table := &workflow.DecisionTable{
		Inputs:    []workflow.InputColumn{{Name: "order.total"}},
		Outputs:   []workflow.OutputColumn{{Name: "billed"}},
		HitPolicy: workflow.HitFirst,
		Rules: []workflow.Rule{
			{InputEntries: []string{"> 0"}, OutputEntries: []interface{}{"=order.total"}},
		},
	}

	scope := exprlang.MapScope{"order": map[string]interface{}{"total": 123.0}}
	res, err := e.Evaluate("bill", table, scope)
	require.NoError(t, err)
	assert.Equal(t, 123.0, res.Outputs["billed"])
}

func TestMalformedEntryReportsMalformed(t *testing.T) {
	e := newTestEvaluator()
	table := &workflow.DecisionTable{
		Inputs:    []workflow.InputColumn{{Name: "amount"}},
		Outputs:   []workflow.OutputColumn{{Name: "x"}},
		HitPolicy: workflow.HitFirst,
		Rules: []workflow.Rule{
			{InputEntries: []string{"[10.."}, OutputEntries: []interface{}{1}},
		},
	}

	_, err := e.Evaluate("bad", table, exprlang.MapScope{"amount": 1.0})
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindMalformed, derr.Kind)
}
