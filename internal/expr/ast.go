// Package expr models target commands as expression trees.
//
// The registry parses every command once at load time; dependency discovery
// walks the resulting tree rather than pattern-matching raw text, so the graph
// builder sees exactly the references the evaluator will resolve.
//
// The language is intentionally small: numeric/string/bool literals, bare
// identifiers (upstream target references), unary minus, the usual arithmetic
// and comparison operators, and function calls. Functions come from the
// builtin table plus whatever the declared capabilities register.
package expr

import "fmt"

// Node is an expression tree node.
type Node interface {
	// Canonical returns the canonical text form of the node. Command digests
	// hash this form, so formatting-only edits to a spec file do not
	// invalidate targets.
	Canonical() string
}

// NumberLit is a numeric literal. All numbers evaluate to float64.
type NumberLit struct {
	Value float64
	Text  string
}

// StringLit is a double-quoted string literal.
type StringLit struct {
	Value string
}

// BoolLit is true or false.
type BoolLit struct {
	Value bool
}

// Ident is a bare identifier referencing an upstream target's result.
type Ident struct {
	Name string
}

// Unary is a prefix operator application (only "-" and "!").
type Unary struct {
	Op string
	X  Node
}

// Binary is an infix operator application.
type Binary struct {
	Op   string
	L, R Node
}

// Call is a function invocation.
type Call struct {
	Func string
	Args []Node
}

func (n *NumberLit) Canonical() string { return n.Text }
func (n *StringLit) Canonical() string { return fmt.Sprintf("%q", n.Value) }
func (n *BoolLit) Canonical() string {
	if n.Value {
		return "true"
	}
	return "false"
}
func (n *Ident) Canonical() string { return n.Name }
func (n *Unary) Canonical() string { return n.Op + n.X.Canonical() }
func (n *Binary) Canonical() string {
	return "(" + n.L.Canonical() + " " + n.Op + " " + n.R.Canonical() + ")"
}
func (n *Call) Canonical() string {
	s := n.Func + "("
	for i, a := range n.Args {
		if i > 0 {
			s += ", "
		}
		s += a.Canonical()
	}
	return s + ")"
}
