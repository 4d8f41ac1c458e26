// Package exprlang implements the small, total expression language used
// by decision-table cells and edge conditions. Expressions are parsed
// into an explicit AST and evaluated without any host-language eval.
//
// Grammar:
//
//	test        = "-" | conjunction
//	conjunction = term { "and" term }
//	term        = comparison | range | membership | literal
//	comparison  = [ ident ] op operand            op: = != < <= > >=
//	range       = [ ident ] ("[" | "(") operand ".." operand ("]" | ")")
//	membership  = [ ident ] "in" "(" operand { "," operand } ")"
//	operand     = number | string | bool | ident
//	ident       = name { "." name }
//
// A test evaluates in one of two modes. In unary mode (decision-table
// input entries) a term without a leading identifier applies to the
// column's input value: "< 30" is true when the input is below thirty,
// and a bare literal is an implicit equality. In condition mode (edge
// conditions) every comparison names its subject explicitly:
// "risk_score < 30". The wildcard "-" is always true.
//
// Evaluation is total: an unresolved identifier or a comparison between
// unordered values makes the enclosing term false rather than failing.
// Only structural misuse (an input-relative term evaluated as an edge
// condition) returns an error.
package exprlang

import "sync"

// Scope resolves dotted identifier paths during evaluation. Token data
// takes precedence over contexts; the caller decides the exact order.
type Scope interface {
	Resolve(path []string) (interface{}, bool)
}

// MapScope adapts a plain map to Scope, descending nested maps along
// dotted paths.
type MapScope map[string]interface{}

// Resolve walks the map along path.
func (m MapScope) Resolve(path []string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(m)
	for _, seg := range path {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Evaluator parses expressions and caches the compiled form keyed by
// source text, so repeated rule evaluations skip the parser.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*Test
}

// NewEvaluator creates an evaluator with an empty parse cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*Test)}
}

// Parse returns the compiled form of src, from cache when possible.
func (e *Evaluator) Parse(src string) (*Test, error) {
	e.mu.RLock()
	t, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := Parse(src)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[src] = t
	e.mu.Unlock()
	return t, nil
}

// MatchTest evaluates src as a unary test against a column input value.
func (e *Evaluator) MatchTest(src string, input interface{}, scope Scope) (bool, error) {
	t, err := e.Parse(src)
	if err != nil {
		return false, err
	}
	return t.Match(input, scope)
}

// EvalCondition evaluates src as a boolean edge condition.
func (e *Evaluator) EvalCondition(src string, scope Scope) (bool, error) {
	t, err := e.Parse(src)
	if err != nil {
		return false, err
	}
	return t.Eval(scope)
}
