// Package glob implements the filter pattern dialect used by workflow
// trigger filters and by hashFiles().
//
// Pattern syntax:
//
//	token matches
//	*     any run of characters except '/'
//	**    any run of characters, including '/'; "**/" also matches nothing
//	?     zero or one of the preceding character
//	+     one or more of the preceding character
//	[..]  character class, ranges allowed
//	\x    literal x
//
// In pattern lists a leading '!' negates a pattern. Lists are evaluated in
// order and the last matching pattern decides, so later entries can re-include
// or re-exclude what earlier ones matched.
package glob

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a compiled filter pattern.
type Pattern struct {
	raw    string
	negate bool
	re     *regexp.Regexp
}

// Compile parses a single pattern. A leading '!' marks the pattern as a
// negation; the rest is compiled as usual.
func Compile(pattern string) (*Pattern, error) {
	p := &Pattern{raw: pattern}
	body := pattern
	if strings.HasPrefix(body, "!") {
		p.negate = true
		body = body[1:]
	}
	if body == "" {
		return nil, fmt.Errorf("empty pattern %q", pattern)
	}

	expr, err := translate(body)
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	p.re = re
	return p, nil
}

// MustCompile is like [Compile] but panics on error.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the pattern as written.
func (p *Pattern) String() string { return p.raw }

// Negated reports whether the pattern started with '!'.
func (p *Pattern) Negated() bool { return p.negate }

// Match reports whether s matches the pattern body. Negation is ignored here;
// it only has meaning inside a list, see [MatchAny].
func (p *Pattern) Match(s string) bool {
	return p.re.MatchString(s)
}

// Match compiles pattern and matches it against s. Invalid patterns never match.
func Match(pattern, s string) bool {
	p, err := Compile(pattern)
	if err != nil {
		return false
	}
	return p.Match(s)
}

// CompileList compiles every pattern in order.
func CompileList(patterns []string) ([]*Pattern, error) {
	compiled := make([]*Pattern, 0, len(patterns))
	for _, raw := range patterns {
		p, err := Compile(raw)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, p)
	}
	return compiled, nil
}

// MatchAny evaluates a pattern list against s. The result starts false; each
// matching positive pattern sets it true and each matching negated pattern
// sets it false.
func MatchAny(patterns []*Pattern, s string) bool {
	included := false
	for _, p := range patterns {
		if p.Match(s) {
			included = !p.negate
		}
	}
	return included
}

// translate turns a pattern body into an anchored regular expression.
func translate(pattern string) (string, error) {
	var b strings.Builder
	b.WriteString("^")

	runes := []rune(pattern)
	prevQuantifiable := false
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				i++
				if i+1 < len(runes) && runes[i+1] == '/' {
					i++
					b.WriteString("(?:.*/)?")
				} else {
					b.WriteString(".*")
				}
			} else {
				b.WriteString("[^/]*")
			}
			prevQuantifiable = false
		case '?', '+':
			if !prevQuantifiable {
				b.WriteString(regexp.QuoteMeta(string(c)))
				prevQuantifiable = true
				continue
			}
			b.WriteRune(c)
			prevQuantifiable = false
		case '[':
			end := i + 1
			if end < len(runes) && runes[end] == '!' {
				end++
			}
			if end < len(runes) && runes[end] == ']' {
				end++
			}
			for end < len(runes) && runes[end] != ']' {
				end++
			}
			if end >= len(runes) {
				return "", fmt.Errorf("unterminated character class")
			}
			class := string(runes[i+1 : end])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i = end
			prevQuantifiable = true
		case '\\':
			if i+1 >= len(runes) {
				return "", fmt.Errorf("trailing escape")
			}
			i++
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
			prevQuantifiable = true
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			prevQuantifiable = true
		}
	}

	b.WriteString("$")
	return b.String(), nil
}
