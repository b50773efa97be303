package expr

import (
	"strings"
	"testing"
)

func evalSrc(t *testing.T, src string, env *Env) any {
	t.Helper()
	v, err := Eval(MustParse(src), env)
	if err != nil {
		t.Fatalf("Eval(%q) failed: %v", src, err)
	}
	return v
}

func TestEval_Arithmetic(t *testing.T) {
	env := &Env{Vars: map[string]any{"a": float64(10), "b": float64(3)}}
	cases := []struct {
		src  string
		want any
	}{
		{"1 + 2 * 3", float64(7)},
		{"a - b", float64(7)},
		{"a / 4", float64(2.5)},
		{"a % b", float64(1)},
		{"5 % 0.5", float64(0)},
		{"7.5 % 2", float64(1.5)},
		{"a % 0.25", float64(0)},
		{"-a", float64(-10)},
		{"a > b", true},
		{"a == 10", true},
		{`"foo" + "bar"`, "foobar"},
		{`"abc" < "abd"`, true},
		{"!false", true},
	}
	for _, tc := range cases {
		if got := evalSrc(t, tc.src, env); got != tc.want {
			t.Errorf("Eval(%q) = %v, want %v", tc.src, got, tc.want)
		}
	}
}

func TestEval_DivisionByZero(t *testing.T) {
	for _, src := range []string{"1 / 0", "1 % 0"} {
		_, err := Eval(MustParse(src), &Env{})
		if err == nil || !strings.Contains(err.Error(), "division by zero") {
			t.Errorf("Eval(%q) err = %v, want division by zero", src, err)
		}
	}
}

func TestEval_UnboundReference(t *testing.T) {
	if _, err := Eval(MustParse("missing + 1"), &Env{}); err == nil {
		t.Error("unbound identifier did not error")
	}
}

func TestEval_ReferencePrimitivesUseVars(t *testing.T) {
	env := &Env{Vars: map[string]any{"raw": float64(5)}}
	if got := evalSrc(t, `read_result("raw") * 2`, env); got != float64(10) {
		t.Errorf("read_result = %v, want 10", got)
	}
	if got := evalSrc(t, `load_result("raw")`, env); got != float64(5) {
		t.Errorf("load_result = %v, want 5", got)
	}
}

func TestEval_ResolveFallback(t *testing.T) {
	env := &Env{
		Resolve: func(name string) (any, error) { return "from:" + name, nil },
	}
	if got := evalSrc(t, `read_result("stored")`, env); got != "from:stored" {
		t.Errorf("Resolve fallback = %v", got)
	}
}

func TestEval_FunctionCall(t *testing.T) {
	env := &Env{
		Funcs: map[string]Func{
			"double": func(args []any) (any, error) {
				return args[0].(float64) * 2, nil
			},
		},
	}
	if got := evalSrc(t, "double(21)", env); got != float64(42) {
		t.Errorf("double(21) = %v", got)
	}
	if _, err := Eval(MustParse("nope()"), env); err == nil {
		t.Error("unknown function did not error")
	}
}

func TestEval_TypeMismatch(t *testing.T) {
	env := &Env{Vars: map[string]any{"s": "x", "n": float64(1)}}
	for _, src := range []string{"s + n", "s * s", "-s", "!n"} {
		if _, err := Eval(MustParse(src), env); err == nil {
			t.Errorf("Eval(%q) succeeded, want type error", src)
		}
	}
}
