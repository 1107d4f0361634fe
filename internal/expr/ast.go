package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is a parsed expression.
type Node interface {
	// String renders the node back to expression syntax. Property paths
	// render as dotted paths, which is what error messages report.
	String() string
}

// LiteralNode is a string, number, boolean or null literal.
type LiteralNode struct {
	Value any
}

func (n *LiteralNode) String() string {
	switch v := n.Value.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// IdentifierNode names a context scope, such as matrix or github.
type IdentifierNode struct {
	Name string
}

func (n *IdentifierNode) String() string { return n.Name }

// PropertyNode is dotted access: Object.Name.
type PropertyNode struct {
	Object Node
	Name   string
}

func (n *PropertyNode) String() string { return n.Object.String() + "." + n.Name }

// IndexNode is bracket access: Object[Index].
type IndexNode struct {
	Object Node
	Index  Node
}

func (n *IndexNode) String() string {
	return n.Object.String() + "[" + n.Index.String() + "]"
}

// WildcardNode is Object.* which yields the list of Object's values.
type WildcardNode struct {
	Object Node
}

func (n *WildcardNode) String() string { return n.Object.String() + ".*" }

// CallNode is a function call.
type CallNode struct {
	Name string
	Args []Node
}

func (n *CallNode) String() string {
	args := make([]string, len(n.Args))
	for i, a := range n.Args {
		args[i] = a.String()
	}
	return n.Name + "(" + strings.Join(args, ", ") + ")"
}

// NotNode is logical negation.
type NotNode struct {
	Operand Node
}

func (n *NotNode) String() string { return "!" + n.Operand.String() }

// BinaryNode is a logical (&&, ||) or comparison operation.
type BinaryNode struct {
	Operator TokenType
	Left     Node
	Right    Node
}

func (n *BinaryNode) String() string {
	op := strings.Trim(n.Operator.String(), "'")
	return "(" + n.Left.String() + " " + op + " " + n.Right.String() + ")"
}

// statusFunctions are the functions that decide whether a step or job runs
// at all. Conditions that use none of them are implicitly success() && cond.
var statusFunctions = map[string]bool{
	"success":   true,
	"failure":   true,
	"always":    true,
	"cancelled": true,
}

// UsesStatusFunction reports whether node calls success(), failure(),
// always() or cancelled() anywhere.
func UsesStatusFunction(node Node) bool {
	switch n := node.(type) {
	case *CallNode:
		if statusFunctions[strings.ToLower(n.Name)] {
			return true
		}
		for _, a := range n.Args {
			if UsesStatusFunction(a) {
				return true
			}
		}
	case *NotNode:
		return UsesStatusFunction(n.Operand)
	case *BinaryNode:
		return UsesStatusFunction(n.Left) || UsesStatusFunction(n.Right)
	case *PropertyNode:
		return UsesStatusFunction(n.Object)
	case *IndexNode:
		return UsesStatusFunction(n.Object) || UsesStatusFunction(n.Index)
	case *WildcardNode:
		return UsesStatusFunction(n.Object)
	}
	return false
}
