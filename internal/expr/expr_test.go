package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() Context {
	return Context{
		"github": map[string]any{
			"event_name": "push",
			"ref":        "refs/heads/main",
			"event": map[string]any{
				"head_commit": map[string]any{"message": "Fix [skip ci] typo"},
			},
		},
		"matrix": map[string]any{
			"os":             "ubuntu-latest",
			"python-version": "3.9",
			"pytorch":        []any{"1.12", "1.13"},
		},
		"steps": map[string]any{
			"datew": map[string]any{
				"outputs": map[string]any{"datew": "2026-42"},
			},
			"build": map[string]any{
				"outputs": map[string]any{"artifact": "dist"},
			},
		},
		"env": map[string]string{"QUICKTEST": "true"},
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want any
	}{
		{name: "dotted path", expr: "matrix.os", want: "ubuntu-latest"},
		{name: "hyphenated property", expr: "matrix.python-version", want: "3.9"},
		{name: "index access", expr: "matrix['python-version']", want: "3.9"},
		{name: "array index", expr: "matrix.pytorch[1]", want: "1.13"},
		{name: "string map scope", expr: "env.QUICKTEST", want: "true"},
		{name: "case-insensitive scope", expr: "GITHUB.event_name", want: "push"},
		{name: "equality case-insensitive", expr: "github.event_name == 'PUSH'", want: true},
		{name: "inequality", expr: "matrix.os != 'windows-latest'", want: true},
		{name: "number comparison", expr: "matrix.python-version >= 3.8", want: true},
		{name: "and", expr: "true && matrix.os", want: "ubuntu-latest"},
		{name: "or fallback", expr: "matrix.missing || 'default'", want: "default"},
		{name: "or short-circuit", expr: "matrix.os || 'default'", want: "ubuntu-latest"},
		{name: "not", expr: "!contains(github.event.head_commit.message, '[skip ci]')", want: false},
		{name: "precedence", expr: "false || true && false", want: false},
		{name: "grouping", expr: "(false || true) && true", want: true},
		{name: "null literal", expr: "null", want: nil},
		{name: "number literal", expr: "-1.5", want: -1.5},
		{name: "hex literal", expr: "0xff", want: float64(255)},
		{name: "escaped quote", expr: "'it''s'", want: "it's"},
		{name: "format", expr: "format('{0}-pip-{1}', matrix.os, steps.datew.outputs.datew)", want: "ubuntu-latest-pip-2026-42"},
		{name: "format braces", expr: "format('{{0}} {0}', 'x')", want: "{0} x"},
		{name: "join", expr: "join(matrix.pytorch, ' ')", want: "1.12 1.13"},
		{name: "contains array", expr: "contains(matrix.pytorch, '1.13')", want: true},
		{name: "startsWith", expr: "startsWith(github.ref, 'refs/heads/')", want: true},
		{name: "endsWith", expr: "endsWith(github.ref, '/MAIN')", want: true},
		{name: "count string", expr: "count('a-b-c', '-')", want: float64(2)},
		{name: "count array", expr: "count(matrix.pytorch, '1.12')", want: float64(1)},
		{name: "fromJSON", expr: "fromJSON('{\"a\": [1, 2]}').a[1]", want: float64(2)},
		{name: "wildcard projection", expr: "steps.*.outputs.artifact", want: []any{"dist"}},
		{name: "null equals empty string", expr: "null == ''", want: true},
		{name: "bool vs number", expr: "true == 1", want: true},
		{name: "string vs number", expr: "'3' == 3", want: true},
		{name: "NaN never equal", expr: "'abc' == 0", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(testContext())
			got, err := e.Evaluate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_ParseErrors(t *testing.T) {
	tests := []string{
		"",
		"matrix.",
		"a = b",
		"a & b",
		"'unterminated",
		"contains(a, b",
		"(a",
		"a b",
		"matrix[1",
	}

	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			_, err := NewEvaluator(testContext()).Evaluate(input)
			assert.Error(t, err)
		})
	}
}

func TestEvaluate_UnknownFunction(t *testing.T) {
	_, err := NewEvaluator(testContext()).Evaluate("nope(1)")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownFunction))
}

func TestEvaluate_UnresolvedLenient(t *testing.T) {
	var reported []string
	e := NewEvaluator(testContext())
	e.OnUnresolved = func(path string) { reported = append(reported, path) }

	got, err := e.Evaluate("steps.missing.outputs.value")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, []string{"steps.missing"}, reported, "only the first missing segment is reported")

	s, err := e.Interpolate("key-${{ steps.missing.outputs.value }}-end")
	require.NoError(t, err)
	assert.Equal(t, "key--end", s)
}

func TestEvaluate_UnresolvedStrict(t *testing.T) {
	e := NewEvaluator(testContext())
	e.Strict = true

	_, err := e.Evaluate("matrix.nothing")
	require.Error(t, err)

	var unresolved *UnresolvedReferenceError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, "matrix.nothing", unresolved.Path)

	_, err = e.Evaluate("vars.anything")
	require.Error(t, err)
}

func TestInterpolate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{name: "no markers", template: "python -m pytest tests/", want: "python -m pytest tests/"},
		{name: "no markers with braces", template: "echo ${HOME} {{x}}", want: "echo ${HOME} {{x}}"},
		{name: "single", template: "${{ matrix.os }}", want: "ubuntu-latest"},
		{name: "embedded", template: "${{ runner.os }}-pip-${{ steps.datew.outputs.datew }}", want: "-pip-2026-42"},
		{name: "boolean", template: "flag=${{ github.event_name == 'push' }}", want: "flag=true"},
		{name: "braces in string literal", template: "${{ format('{0}}}', 'a') }}", want: "a}"},
		{name: "object renders as json", template: "${{ steps.build.outputs }}", want: `{"artifact":"dist"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewEvaluator(testContext()).Interpolate(tt.template)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolate_Unterminated(t *testing.T) {
	_, err := NewEvaluator(testContext()).Interpolate("echo ${{ matrix.os ")
	assert.Error(t, err)
}

func TestInterpolate_MarkerFreeIsIdentity(t *testing.T) {
	inputs := []string{"", "plain", "multi\nline\nscript", "$VAR ${VAR} {{ }}", "}} ${ {"}
	for _, ctx := range []Context{{}, testContext()} {
		e := NewEvaluator(ctx)
		for _, in := range inputs {
			got, err := e.Interpolate(in)
			require.NoError(t, err)
			assert.Equal(t, in, got)
		}
	}
}

func TestValue_KeepsType(t *testing.T) {
	e := NewEvaluator(testContext())

	v, err := e.Value("${{ github.event_name == 'push' }}")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = e.Value("  ${{ matrix.pytorch }}  ")
	require.NoError(t, err)
	assert.Equal(t, []any{"1.12", "1.13"}, v)

	v, err = e.Value("ci-${{ github.event_name }}")
	require.NoError(t, err)
	assert.Equal(t, "ci-push", v)
}

func TestCondition(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		failed    bool
		want      bool
	}{
		{name: "empty defaults to success", condition: "", want: true},
		{name: "empty after failure", condition: "", failed: true, want: false},
		{name: "literal false", condition: "false", want: false},
		{name: "with markers", condition: "${{ github.event_name == 'push' }}", want: true},
		{name: "implicit success after failure", condition: "github.event_name == 'push'", failed: true, want: false},
		{name: "always runs after failure", condition: "always()", failed: true, want: true},
		{name: "failure only after failure", condition: "failure()", failed: true, want: true},
		{name: "failure not on success", condition: "failure()", want: false},
		{name: "always and condition", condition: "always() && matrix.os == 'ubuntu-latest'", failed: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(testContext())
			failed := tt.failed
			e.SetFunc("success", func(args ...any) (any, error) { return !failed, nil })
			e.SetFunc("failure", func(args ...any) (any, error) { return failed, nil })

			got, err := e.Condition(tt.condition)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCondition_ParseError(t *testing.T) {
	_, err := NewEvaluator(testContext()).Condition("${{ == }}")
	assert.Error(t, err)
}

func TestUsesStatusFunction(t *testing.T) {
	node, err := Parse("!cancelled() && matrix.os")
	require.NoError(t, err)
	assert.True(t, UsesStatusFunction(node))

	node, err = Parse("contains(matrix.os, 'ubuntu')")
	require.NoError(t, err)
	assert.False(t, UsesStatusFunction(node))
}

func TestToString(t *testing.T) {
	assert.Equal(t, "", ToString(nil))
	assert.Equal(t, "3", ToString(3))
	assert.Equal(t, "3.5", ToString(3.5))
	assert.Equal(t, "false", ToString(false))
	assert.Equal(t, `["a",1]`, ToString([]any{"a", 1}))
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(false))
	assert.True(t, Truthy("false"), "non-empty strings are truthy")
	assert.True(t, Truthy(map[string]any{}))
	assert.True(t, Truthy([]any{}))
}
