package expr

import (
	"math"

	"github.com/cockroachdb/errors"
)

// Func is a callable exposed to commands: a builtin or a capability-provided
// function. Implementations must be deterministic for a fixed argument list
// (seeded randomness is injected through a closure over the target's PRNG).
type Func func(args []any) (any, error)

// Env is the evaluation environment for a single command.
//
// Vars binds upstream target names to their freshly computed or loaded values.
// Funcs is the merged table of builtins and capability functions. Resolve
// backs the read_result/load_result primitives; when nil, they fall back to
// Vars, which is correct during a scheduled run since every statically
// discovered reference is a dependency edge and therefore bound.
type Env struct {
	Vars    map[string]any
	Funcs   map[string]Func
	Resolve func(name string) (any, error)
}

func (e *Env) lookup(name string) (any, error) {
	if v, ok := e.Vars[name]; ok {
		return v, nil
	}
	if e.Resolve != nil {
		return e.Resolve(name)
	}
	return nil, errors.Newf("unbound reference %q", name)
}

// Eval evaluates the expression tree against env.
//
// Numbers are float64 throughout; + on two strings concatenates; comparison
// operators work on two numbers or two strings.
func Eval(n Node, env *Env) (any, error) {
	switch t := n.(type) {
	case *NumberLit:
		return t.Value, nil
	case *StringLit:
		return t.Value, nil
	case *BoolLit:
		return t.Value, nil
	case *Ident:
		return env.lookup(t.Name)
	case *Unary:
		return evalUnary(t, env)
	case *Binary:
		return evalBinary(t, env)
	case *Call:
		return evalCall(t, env)
	default:
		return nil, errors.AssertionFailedf("unknown expr node %T", n)
	}
}

func evalUnary(t *Unary, env *Env) (any, error) {
	x, err := Eval(t.X, env)
	if err != nil {
		return nil, err
	}
	switch t.Op {
	case "-":
		f, ok := x.(float64)
		if !ok {
			return nil, errors.Newf("unary - on non-number %T", x)
		}
		return -f, nil
	case "!":
		b, ok := x.(bool)
		if !ok {
			return nil, errors.Newf("unary ! on non-bool %T", x)
		}
		return !b, nil
	default:
		return nil, errors.AssertionFailedf("unknown unary op %q", t.Op)
	}
}

func evalBinary(t *Binary, env *Env) (any, error) {
	l, err := Eval(t.L, env)
	if err != nil {
		return nil, err
	}
	r, err := Eval(t.R, env)
	if err != nil {
		return nil, err
	}

	if ls, ok := l.(string); ok {
		rs, sok := r.(string)
		if !sok {
			return nil, errors.Newf("operator %s on string and %T", t.Op, r)
		}
		switch t.Op {
		case "+":
			return ls + rs, nil
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		default:
			return nil, errors.Newf("operator %s not defined on strings", t.Op)
		}
	}

	lf, lok := l.(float64)
	rf, rok := r.(float64)
	if !lok || !rok {
		return nil, errors.Newf("operator %s on %T and %T", t.Op, l, r)
	}
	switch t.Op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, errors.New("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, errors.New("division by zero")
		}
		return math.Mod(lf, rf), nil
	case "==":
		return lf == rf, nil
	case "!=":
		return lf != rf, nil
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	default:
		return nil, errors.AssertionFailedf("unknown binary op %q", t.Op)
	}
}

func evalCall(t *Call, env *Env) (any, error) {
	if isReferenceFunc(t.Func) {
		lit, ok := t.Args[0].(*StringLit)
		if !ok {
			return nil, errors.Newf("%s requires a string literal target name", t.Func)
		}
		return env.lookup(lit.Value)
	}

	fn, ok := env.Funcs[t.Func]
	if !ok {
		return nil, errors.Newf("unknown function %q", t.Func)
	}
	args := make([]any, len(t.Args))
	for i, a := range t.Args {
		v, err := Eval(a, env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	out, err := fn(args)
	if err != nil {
		return nil, errors.Wrapf(err, "calling %s", t.Func)
	}
	return out, nil
}
