package expr

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// Reference primitives: calls that read another target's stored result by
// name. For dependency discovery they are equivalent to a bare identifier.
const (
	ReadResultFunc = "read_result"
	LoadResultFunc = "load_result"
)

func isReferenceFunc(name string) bool {
	return name == ReadResultFunc || name == LoadResultFunc
}

// References walks the tree and returns every target name the expression
// depends on: bare identifiers plus the string-literal arguments of
// read_result/load_result calls. The result is sorted and de-duplicated.
//
// A reference primitive with a non-literal argument is rejected: dependency
// discovery is static, so the referenced name must be knowable at load time.
func References(n Node) ([]string, error) {
	set := make(map[string]struct{})
	if err := collectRefs(n, set); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func collectRefs(n Node, set map[string]struct{}) error {
	switch t := n.(type) {
	case *NumberLit, *StringLit, *BoolLit:
		return nil
	case *Ident:
		set[t.Name] = struct{}{}
		return nil
	case *Unary:
		return collectRefs(t.X, set)
	case *Binary:
		if err := collectRefs(t.L, set); err != nil {
			return err
		}
		return collectRefs(t.R, set)
	case *Call:
		if isReferenceFunc(t.Func) {
			if len(t.Args) != 1 {
				return errors.Newf("%s takes exactly one argument", t.Func)
			}
			lit, ok := t.Args[0].(*StringLit)
			if !ok {
				return errors.Newf("%s requires a string literal target name", t.Func)
			}
			set[lit.Value] = struct{}{}
			return nil
		}
		for _, a := range t.Args {
			if err := collectRefs(a, set); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.AssertionFailedf("unknown expr node %T", n)
	}
}

// FuncNames returns the sorted set of function names the expression calls,
// excluding the reference primitives. The registry uses this to check that
// every called function is a builtin or is provided by a declared capability.
func FuncNames(n Node) []string {
	set := make(map[string]struct{})
	collectFuncs(n, set)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func collectFuncs(n Node, set map[string]struct{}) {
	switch t := n.(type) {
	case *Unary:
		collectFuncs(t.X, set)
	case *Binary:
		collectFuncs(t.L, set)
		collectFuncs(t.R, set)
	case *Call:
		if !isReferenceFunc(t.Func) {
			set[t.Func] = struct{}{}
		}
		for _, a := range t.Args {
			collectFuncs(a, set)
		}
	}
}
