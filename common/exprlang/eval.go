package exprlang

import "fmt"

// Match evaluates the test in unary mode against a column input value.
// Terms without a leading identifier apply to input; terms with one
// resolve it from scope.
func (t *Test) Match(input interface{}, scope Scope) (bool, error) {
	if t.wildcard {
		return true, nil
	}
	for _, tm := range t.terms {
		ok, err := tm.match(input, scope)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Eval evaluates the test in condition mode, where every term must name
// its subject (or be a boolean literal).
func (t *Test) Eval(scope Scope) (bool, error) {
	if t.wildcard {
		return true, nil
	}
	for _, tm := range t.terms {
		ok, err := tm.eval(scope)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (tm *term) match(input interface{}, scope Scope) (bool, error) {
	subject := input
	if len(tm.ident) > 0 {
		v, ok := scope.Resolve(tm.ident)
		if !ok {
			return false, nil
		}
		subject = v
	}
	return tm.apply(subject, scope), nil
}

func (tm *term) eval(scope Scope) (bool, error) {
	if len(tm.ident) == 0 {
		// Only boolean literals and identifier lookups stand alone in
		// condition mode.
		if tm.kind == termLiteral {
			switch tm.operand.kind {
			case opBool:
				return tm.operand.b, nil
			case opIdent:
				v, ok := scope.Resolve(tm.operand.path)
				if !ok {
					return false, nil
				}
				b, isBool := v.(bool)
				return isBool && b, nil
			}
		}
		return false, fmt.Errorf("condition term has no identifier to test")
	}

	v, ok := scope.Resolve(tm.ident)
	if !ok {
		return false, nil
	}
	return tm.apply(v, scope), nil
}

// apply tests subject against the term. Type mismatches make the term
// false; they never error.
func (tm *term) apply(subject interface{}, scope Scope) bool {
	switch tm.kind {
	case termCompare:
		rhs, ok := tm.operand.value(scope)
		if !ok {
			return false
		}
		return compareValues(subject, rhs, tm.op)
	case termRange:
		lo, okLo := tm.lo.value(scope)
		hi, okHi := tm.hi.value(scope)
		if !okLo || !okHi {
			return false
		}
		lower := "<"
		if tm.loIncl {
			lower = "<="
		}
		upper := "<"
		if tm.hiIncl {
			upper = "<="
		}
		return compareValues(lo, subject, lower) && compareValues(subject, hi, upper)
	case termIn:
		for _, member := range tm.set {
			v, ok := member.value(scope)
			if ok && valuesEqual(subject, v) {
				return true
			}
		}
		return false
	case termLiteral:
		v, ok := tm.operand.value(scope)
		return ok && valuesEqual(subject, v)
	}
	return false
}

func (o *operand) value(scope Scope) (interface{}, bool) {
	switch o.kind {
	case opNumber:
		return o.num, true
	case opString:
		return o.str, true
	case opBool:
		return o.b, true
	case opIdent:
		if scope == nil {
			return nil, false
		}
		return scope.Resolve(o.path)
	}
	return nil, false
}

// compareValues applies op ("=", "!=", "<", "<=", ">", ">=") across the
// comparable pairs: numbers numerically, strings lexicographically. The
// first argument is the left operand.
func compareValues(a, b interface{}, op string) bool {
	switch op {
	case "=":
		return valuesEqual(a, b)
	case "!=":
		return !valuesEqual(a, b)
	}

	if na, aok := toFloat(a); aok {
		nb, bok := toFloat(b)
		if !bok {
			return false
		}
		switch op {
		case "<":
			return na < nb
		case "<=":
			return na <= nb
		case ">":
			return na > nb
		case ">=":
			return na >= nb
		}
		return false
	}

	sa, aok := a.(string)
	sb, bok := b.(string)
	if !aok || !bok {
		return false
	}
	switch op {
	case "<":
		return sa < sb
	case "<=":
		return sa <= sb
	case ">":
		return sa > sb
	case ">=":
		return sa >= sb
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if na, aok := toFloat(a); aok {
		nb, bok := toFloat(b)
		return bok && na == nb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

// toFloat widens any numeric value to float64. JSON decoding yields
// float64, but programs and tests hand us native ints too.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
