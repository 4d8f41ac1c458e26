package exprlang

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchUnaryTests(t *testing.T) {
	scope := MapScope{
		"threshold": 40.0,
		"customer":  map[string]interface{}{"tier": "gold"},
	}

	tests := []struct {
		name  string
		src   string
		input interface{}
		want  bool
	}{
		{"wildcard", "-", nil, true},
		{"wildcard ignores input", "-", 99, true},
		{"less than true", "< 30", 15.0, true},
		{"less than false", "< 30", 80.0, false},
		{"less or equal boundary", "<= 30", 30, true},
		{"greater", "> 10", 11, true},
		{"greater or equal", ">= 10", 9, false},
		{"equality number", "= 5", 5.0, true},
		{"inequality", "!= 5", 4, true},
		{"implicit equality literal", "42", 42, true},
		{"implicit equality string", `"high"`, "high", true},
		{"implicit equality string false", `"high"`, "low", false},
		{"implicit equality bool", "true", true, true},
		{"closed range inside", "[10..20]", 15, true},
		{"closed range low edge", "[10..20]", 10, true},
		{"closed range high edge", "[10..20]", 20, true},
		{"half open excludes low", "(10..20]", 10, false},
		{"half open includes high", "(10..20]", 20, true},
		{"open range excludes high", "[10..20)", 20, false},
		{"negative bounds", "[-5..5]", -5, true},
		{"membership hit", `in ("red", "green")`, "green", true},
		{"membership miss", `in ("red", "green")`, "blue", false},
		{"membership numbers", "in (1, 2, 3)", 2, true},
		{"conjunction", ">= 10 and < 20", 15, true},
		{"conjunction fails half", ">= 10 and < 20", 25, false},
		{"operand from scope", "< threshold", 39.0, true},
		{"operand from scope false", "< threshold", 41.0, false},
		{"dotted operand", `= customer.tier`, "gold", true},
		{"unresolved operand is false", "< missing", 1, false},
		{"string ordering", `< "m"`, "apple", true},
		{"type mismatch is false", "< 30", "not a number", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			test, err := Parse(tc.src)
			require.NoError(t, err)

			got, err := test.Match(tc.input, scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalConditions(t *testing.T) {
	scope := MapScope{
		"risk_score": 15.0,
		"approved":   true,
		"status":     "review",
		"order":      map[string]interface{}{"total": 120.0},
	}

	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"comparison true", "risk_score < 30", true},
		{"comparison false", "risk_score > 30", false},
		{"bool literal", "true", true},
		{"bool literal false", "false", false},
		{"bare bool identifier", "approved", true},
		{"string equality", `status = "review"`, true},
		{"dotted path", "order.total >= 100", true},
		{"range on identifier", "risk_score [10..20]", true},
		{"membership on identifier", `status in ("review", "done")`, true},
		{"conjunction", `risk_score < 30 and status = "review"`, true},
		{"conjunction false", `risk_score < 30 and status = "done"`, false},
		{"unresolved identifier is false", "missing = 1", false},
		{"wildcard", "-", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewEvaluator().EvalCondition(tc.src, scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalConditionRejectsInputRelativeTerm(t *testing.T) {
	test, err := Parse("< 30")
	require.NoError(t, err)

	_, err = test.Eval(MapScope{})
	require.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"spaces only", "   "},
		{"dangling operator", "<"},
		{"bad range", "[10..]"},
		{"unclosed range", "[10..20"},
		{"unterminated string", `"abc`},
		{"wildcard in conjunction", "- and true"},
		{"trailing garbage", "5 5"},
		{"membership without paren", "in 1, 2"},
		{"lone bang", "!"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.src)
			require.Error(t, err)

			var perr *ParseError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestEvaluatorCachesParsedTests(t *testing.T) {
	ev := NewEvaluator()

	first, err := ev.Parse("< 30")
	require.NoError(t, err)

	second, err := ev.Parse("< 30")
	require.NoError(t, err)

	assert.Same(t, first, second)
}
