// Package capability models the external functionality a command may declare.
//
// A capability is an opaque, version-stamped token from the engine's point of
// view: its name and semver version feed the input digest of every target that
// declares it, and it may contribute functions to the command evaluator.
// Capabilities are resolved once per run and are immutable for its duration.
package capability

import (
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"

	"pipeweaver/internal/expr"
)

// Capability is one named unit of external functionality.
type Capability struct {
	Name    string
	Version *semver.Version

	// Funcs are the evaluator functions this capability provides.
	Funcs map[string]expr.Func
}

// Token is the digest contribution of the capability: name@version.
func (c Capability) Token() string {
	return c.Name + "@" + c.Version.String()
}

// Set is the runtime table of available capabilities.
type Set struct {
	byName map[string]Capability
}

// NewSet builds a Set, validating names and versions.
func NewSet(caps ...Capability) (*Set, error) {
	s := &Set{byName: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		if c.Name == "" {
			return nil, errors.New("capability name is required")
		}
		if c.Version == nil {
			return nil, errors.Newf("capability %q has no version", c.Name)
		}
		if _, dup := s.byName[c.Name]; dup {
			return nil, errors.Newf("duplicate capability %q", c.Name)
		}
		s.byName[c.Name] = c
	}
	return s, nil
}

// Define is a convenience constructor for a capability with a parsed version.
func Define(name, version string, funcs map[string]expr.Func) (Capability, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return Capability{}, errors.Wrapf(err, "capability %q version %q", name, version)
	}
	return Capability{Name: name, Version: v, Funcs: funcs}, nil
}

// Resolve maps declared names to capabilities. Unknown names fail: a pipeline
// must not load against an environment that cannot satisfy its declarations.
func (s *Set) Resolve(names []string) ([]Capability, error) {
	if s == nil {
		return nil, nil
	}
	out := make([]Capability, 0, len(names))
	for _, name := range names {
		c, ok := s.byName[name]
		if !ok {
			return nil, errors.Newf("unknown capability %q", name)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Tokens returns the sorted digest tokens for the declared names.
func (s *Set) Tokens(names []string) ([]string, error) {
	caps, err := s.Resolve(names)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, len(caps))
	for i, c := range caps {
		tokens[i] = c.Token()
	}
	return tokens, nil
}

// Funcs merges the function tables of the declared capabilities. Later
// declarations do not shadow earlier ones; a collision is an error since it
// would make evaluation depend on declaration order.
func (s *Set) Funcs(names []string) (map[string]expr.Func, error) {
	caps, err := s.Resolve(names)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]expr.Func)
	for _, c := range caps {
		for fname, fn := range c.Funcs {
			if _, dup := merged[fname]; dup {
				return nil, errors.Newf("function %q provided by more than one declared capability", fname)
			}
			merged[fname] = fn
		}
	}
	return merged, nil
}
