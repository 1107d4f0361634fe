package glob

import (
	"go/doc/comment"
	"go/parser"
	"go/token"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"main", "main", true},
		{"main", "main2", false},
		{"releases/*", "releases/v1", true},
		{"releases/*", "releases/v1/hotfix", false},
		{"releases/**", "releases/v1/hotfix", true},
		{"**/README.md", "README.md", true},
		{"**/README.md", "docs/api/README.md", true},
		{"*.py", "setup.py", true},
		{"*.py", "monai/setup.py", false},
		{"v[12].*", "v1.0", true},
		{"v[12].*", "v3.0", false},
		{"ab+c", "abbbc", true},
		{"ab+c", "ac", false},
		{"colou?r", "color", true},
		{"colou?r", "colour", true},
		{"feature\\*", "feature*", true},
		{"feature\\*", "feature-x", false},
		{"*", "dev", true},
		{"*", "a/b", false},
		{"**", "a/b/c", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.input))
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile("")
	assert.Error(t, err)

	_, err = Compile("!")
	assert.Error(t, err)

	_, err = Compile("abc[")
	assert.Error(t, err)

	_, err = Compile("abc\\")
	assert.Error(t, err)
}

func TestMatchAny_Negation(t *testing.T) {
	patterns, err := CompileList([]string{"releases/**", "!releases/**-alpha", "releases/v9-alpha"})
	require.NoError(t, err)

	assert.True(t, MatchAny(patterns, "releases/v1"))
	assert.False(t, MatchAny(patterns, "releases/v2-alpha"))
	assert.True(t, MatchAny(patterns, "releases/v9-alpha"), "later positive pattern re-includes")
	assert.False(t, MatchAny(patterns, "main"))
}

func TestMatchAny_Empty(t *testing.T) {
	assert.False(t, MatchAny(nil, "main"))
}

func TestPattern_Negated(t *testing.T) {
	p := MustCompile("!docs/**")
	assert.True(t, p.Negated())
	assert.Equal(t, "!docs/**", p.String())
	assert.True(t, p.Match("docs/index.md"))
}

func TestPackageDoc_SyntaxTable(t *testing.T) {
	f, err := parser.ParseFile(token.NewFileSet(), "glob.go", nil, parser.ParseComments|parser.PackageClauseOnly)
	require.NoError(t, err)
	require.NotNil(t, f.Doc)

	var p comment.Parser
	var table string
	for _, block := range p.Parse(f.Doc.Text()).Content {
		if code, ok := block.(*comment.Code); ok {
			table = code.Text
		}
	}

	for _, row := range []string{"*     any run", "**    any run", "?     zero or one", "+     one or more", `\x    literal x`} {
		assert.Contains(t, table, row)
	}
}
