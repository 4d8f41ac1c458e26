// Package decision evaluates DMN-style decision tables over the
// exprlang expression language. A table maps input expressions to
// outputs or directly to outbound edges under one of six hit policies.
package decision

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/loomworks/loom/common/exprlang"
	"github.com/loomworks/loom/common/workflow"
)

// ErrorKind classifies hit-policy violations and malformed expressions.
type ErrorKind string

const (
	KindNoMatch      ErrorKind = "no_match"
	KindAmbiguous    ErrorKind = "ambiguous"
	KindInconsistent ErrorKind = "inconsistent"
	KindMalformed    ErrorKind = "malformed"
)

// Error is the failure of one decision-table evaluation. It fails the
// enclosing token.
type Error struct {
	Kind ErrorKind
	Node string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("decision %s: %s", e.Node, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the outcome of one table evaluation.
type Result struct {
	// Outputs merges into token data when the table does not route by
	// edge id. Single-rule policies map each output column to its value;
	// collect and rule_order map each column to the list of collected
	// values (or the aggregate).
	Outputs map[string]interface{}

	// Rows holds each selected rule's outputs in selection order.
	Rows []map[string]interface{}

	// EdgeIDs drives routing directly when every rule of the table
	// declares an output_edge_id.
	EdgeIDs []string

	// Matched are the selected rule indexes, in table order.
	Matched []int
}

// Evaluator evaluates decision tables. It shares the exprlang parse
// cache with edge-condition evaluation.
type Evaluator struct {
	exprs *exprlang.Evaluator
}

// NewEvaluator creates a table evaluator over the given expression
// evaluator.
func NewEvaluator(exprs *exprlang.Evaluator) *Evaluator {
	return &Evaluator{exprs: exprs}
}

// Evaluate resolves the table's inputs from scope, matches every rule,
// and applies the hit policy. node names the owning decision node in
// errors.
func (e *Evaluator) Evaluate(node string, table *workflow.DecisionTable, scope exprlang.Scope) (*Result, error) {
	inputs := make([]interface{}, len(table.Inputs))
	for i, col := range table.Inputs {
		v, ok := scope.Resolve(strings.Split(col.Name, "."))
		if ok {
			inputs[i] = v
		}
	}

	var matched []int
	for ri, rule := range table.Rules {
		ok, err := e.ruleMatches(rule, inputs, scope)
		if err != nil {
			return nil, &Error{Kind: KindMalformed, Node: node, Err: err}
		}
		if ok {
			matched = append(matched, ri)
		}
	}

	selected, err := e.applyHitPolicy(node, table, matched, scope)
	if err != nil {
		return nil, err
	}

	res := &Result{Matched: selected}
	for _, ri := range selected {
		res.Rows = append(res.Rows, e.ruleOutputs(table, table.Rules[ri], scope))
	}

	if tableRoutesByEdge(table) {
		for _, ri := range selected {
			res.EdgeIDs = appendUnique(res.EdgeIDs, table.Rules[ri].OutputEdgeID)
		}
		return res, nil
	}

	res.Outputs, err = e.mergeOutputs(node, table, res.Rows)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Evaluator) ruleMatches(rule workflow.Rule, inputs []interface{}, scope exprlang.Scope) (bool, error) {
	for i, entry := range rule.InputEntries {
		ok, err := e.exprs.MatchTest(entry, inputs[i], scope)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// applyHitPolicy reduces the matched rule set per the table's policy.
// first, priority, collect and rule_order tolerate an empty match; the
// caller then routes by edge conditions alone.
func (e *Evaluator) applyHitPolicy(node string, table *workflow.DecisionTable, matched []int, scope exprlang.Scope) ([]int, error) {
	switch table.HitPolicy {
	case workflow.HitUnique:
		if len(matched) == 0 {
			return nil, &Error{Kind: KindNoMatch, Node: node}
		}
		if len(matched) > 1 {
			return nil, &Error{Kind: KindAmbiguous, Node: node,
				Err: fmt.Errorf("%d rules matched", len(matched))}
		}
		return matched, nil

	case workflow.HitFirst:
		if len(matched) == 0 {
			return nil, nil
		}
		return matched[:1], nil

	case workflow.HitPriority:
		if len(matched) == 0 {
			return nil, nil
		}
		return e.selectByPriority(node, table, matched, scope)

	case workflow.HitAny:
		if len(matched) == 0 {
			return nil, &Error{Kind: KindNoMatch, Node: node}
		}
		first := e.ruleOutputs(table, table.Rules[matched[0]], scope)
		for _, ri := range matched[1:] {
			if !outputsEqual(first, e.ruleOutputs(table, table.Rules[ri], scope)) {
				return nil, &Error{Kind: KindInconsistent, Node: node,
					Err: fmt.Errorf("rules %d and %d disagree", matched[0], ri)}
			}
		}
		return matched[:1], nil

	case workflow.HitCollect, workflow.HitRuleOrder:
		return matched, nil
	}

	return nil, &Error{Kind: KindMalformed, Node: node,
		Err: fmt.Errorf("unknown hit policy %q", table.HitPolicy)}
}

// selectByPriority ranks matched rules by the first output column that
// declares a priority enumeration; earlier enumeration entries win.
func (e *Evaluator) selectByPriority(node string, table *workflow.DecisionTable, matched []int, scope exprlang.Scope) ([]int, error) {
	col := -1
	for i, out := range table.Outputs {
		if len(out.Priority) > 0 {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, &Error{Kind: KindMalformed, Node: node,
			Err: fmt.Errorf("priority hit policy requires a priority enumeration on an output column")}
	}

	best := -1
	bestRank := len(table.Outputs[col].Priority) + 1
	for _, ri := range matched {
		value := e.resolveEntry(table.Rules[ri].OutputEntries[col], scope)
		rank := len(table.Outputs[col].Priority)
		for pi, pv := range table.Outputs[col].Priority {
			if entriesEqual(value, pv) {
				rank = pi
				break
			}
		}
		if rank < bestRank {
			bestRank = rank
			best = ri
		}
	}
	return []int{best}, nil
}

func (e *Evaluator) ruleOutputs(table *workflow.DecisionTable, rule workflow.Rule, scope exprlang.Scope) map[string]interface{} {
	out := make(map[string]interface{}, len(table.Outputs))
	for i, col := range table.Outputs {
		out[col.Name] = e.resolveEntry(rule.OutputEntries[i], scope)
	}
	return out
}

// resolveEntry returns an output entry's value. Strings prefixed "="
// resolve as identifier paths against the scope; everything else is a
// constant.
func (e *Evaluator) resolveEntry(entry interface{}, scope exprlang.Scope) interface{} {
	s, ok := entry.(string)
	if !ok || !strings.HasPrefix(s, "=") {
		return entry
	}
	path := strings.Split(strings.TrimSpace(strings.TrimPrefix(s, "=")), ".")
	v, ok := scope.Resolve(path)
	if !ok {
		return nil
	}
	return v
}

// mergeOutputs flattens selected rows into the map merged into token
// data: one value per column for single-rule policies, a list (or the
// aggregate) per column for collect and rule_order.
func (e *Evaluator) mergeOutputs(node string, table *workflow.DecisionTable, rows []map[string]interface{}) (map[string]interface{}, error) {
	outputs := make(map[string]interface{})

	switch table.HitPolicy {
	case workflow.HitCollect, workflow.HitRuleOrder:
		for _, col := range table.Outputs {
			values := make([]interface{}, 0, len(rows))
			for _, row := range rows {
				values = append(values, row[col.Name])
			}
			outputs[col.Name] = values
		}
		if table.HitPolicy == workflow.HitCollect && table.Aggregation != "" {
			col := table.Outputs[0].Name
			agg, err := aggregate(table.Aggregation, outputs[col].([]interface{}))
			if err != nil {
				return nil, &Error{Kind: KindMalformed, Node: node, Err: err}
			}
			outputs[col] = agg
		}

	default:
		if len(rows) == 1 {
			for k, v := range rows[0] {
				outputs[k] = v
			}
		}
	}

	return outputs, nil
}

func aggregate(kind workflow.Aggregation, values []interface{}) (interface{}, error) {
	if kind == workflow.AggregateCount {
		return float64(len(values)), nil
	}

	nums := make([]float64, 0, len(values))
	for _, v := range values {
		n, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("aggregation %s over non-numeric output %v", kind, v)
		}
		nums = append(nums, n)
	}

	switch kind {
	case workflow.AggregateSum:
		var sum float64
		for _, n := range nums {
			sum += n
		}
		return sum, nil
	case workflow.AggregateMin:
		if len(nums) == 0 {
			return nil, nil
		}
		min := nums[0]
		for _, n := range nums[1:] {
			if n < min {
				min = n
			}
		}
		return min, nil
	case workflow.AggregateMax:
		if len(nums) == 0 {
			return nil, nil
		}
		max := nums[0]
		for _, n := range nums[1:] {
			if n > max {
				max = n
			}
		}
		return max, nil
	}
	return nil, fmt.Errorf("unknown aggregation %q", kind)
}

func tableRoutesByEdge(table *workflow.DecisionTable) bool {
	if len(table.Rules) == 0 {
		return false
	}
	for _, r := range table.Rules {
		if r.OutputEdgeID == "" {
			return false
		}
	}
	return true
}

func outputsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !entriesEqual(av, bv) {
			return false
		}
	}
	return true
}

func entriesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok2 := toFloat(b)
		return ok2 && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
