// Package builtin defines the function table every command may call without
// declaring a capability.
package builtin

import (
	"math/rand"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"pipeweaver/internal/expr"
)

// Names returns the builtin function names. The registry uses this at load
// time to reject commands calling functions that neither the builtins nor a
// declared capability provide.
func Names() []string {
	return []string{"file", "random", "write_text"}
}

// Table binds the builtins to a working directory and a per-target PRNG.
//
// The rng is seeded deterministically by the scheduler (and the seed is
// captured in workspace snapshots), so random() is reproducible.
func Table(workDir string, rng *rand.Rand) map[string]expr.Func {
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(workDir, p)
	}

	return map[string]expr.Func{
		// random() returns a float in [0,1) from the target-seeded PRNG.
		"random": func(args []any) (any, error) {
			if len(args) != 0 {
				return nil, errors.New("random takes no arguments")
			}
			return rng.Float64(), nil
		},

		// write_text(path, value) writes the formatted value to path and
		// returns path. The canonical way for a file target to produce its
		// artifact.
		"write_text": func(args []any) (any, error) {
			if len(args) != 2 {
				return nil, errors.New("write_text takes (path, value)")
			}
			rel, ok := args[0].(string)
			if !ok {
				return nil, errors.Newf("write_text path must be a string, got %T", args[0])
			}
			full := resolve(rel)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return nil, errors.Wrapf(err, "creating directory for %s", rel)
			}
			if err := os.WriteFile(full, []byte(expr.Format(args[1])+"\n"), 0o644); err != nil {
				return nil, errors.Wrapf(err, "writing %s", rel)
			}
			return rel, nil
		},

		// file(path, ...) asserts each path exists and returns the path list.
		// For targets whose artifacts are produced as a side effect of an
		// upstream value rather than by write_text.
		"file": func(args []any) (any, error) {
			if len(args) == 0 {
				return nil, errors.New("file takes at least one path")
			}
			out := make([]any, len(args))
			for i, a := range args {
				rel, ok := a.(string)
				if !ok {
					return nil, errors.Newf("file path must be a string, got %T", a)
				}
				if _, err := os.Stat(resolve(rel)); err != nil {
					return nil, errors.Wrapf(err, "declared file %s", rel)
				}
				out[i] = rel
			}
			return out, nil
		},
	}
}
