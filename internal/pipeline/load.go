package pipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"pipeweaver/internal/builtin"
	"pipeweaver/internal/capability"
	"pipeweaver/internal/expr"
	"pipeweaver/internal/fingerprint"
	"pipeweaver/internal/literate"
)

// specFile is the on-disk TOML shape of a pipeline specification.
type specFile struct {
	Targets []specTarget `toml:"targets"`
}

type specTarget struct {
	Name     string   `toml:"name"`
	Command  string   `toml:"command"`
	Format   string   `toml:"format"`
	Document string   `toml:"document"`
	Output   string   `toml:"output"`
	Packages []string `toml:"packages"`
	Retries  int      `toml:"retries"`
}

// LoadFile loads a pipeline specification from a TOML file. Relative document
// paths resolve against the file's directory.
func LoadFile(path string, caps *capability.Set) ([]*Target, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Specf(ErrSpec, "reading %s: %v", path, err)
	}
	return Load(raw, filepath.Dir(path), caps)
}

// Load parses and validates a pipeline specification.
//
// Validation covers everything knowable without running anything:
//   - TOML shape (unknown fields are rejected)
//   - duplicate target names
//   - command syntax, via the expression parser
//   - every reference resolves to a target in this same load
//   - every called function is a builtin or comes from a declared capability
//   - every declared capability exists in the runtime set
//
// Cycle detection happens in the graph builder; the engine surfaces it under
// the same fatal load contract.
func Load(raw []byte, baseDir string, caps *capability.Set) ([]*Target, error) {
	var sf specFile
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sf); err != nil {
		return nil, Specf(ErrSpec, "parsing pipeline spec: %v", err)
	}
	if len(sf.Targets) == 0 {
		return nil, Specf(ErrSpec, "no targets defined")
	}

	byName := make(map[string]*Target, len(sf.Targets))
	targets := make([]*Target, 0, len(sf.Targets))

	for _, st := range sf.Targets {
		t, err := buildTarget(st, baseDir)
		if err != nil {
			return nil, err
		}
		if _, dup := byName[t.Name]; dup {
			return nil, Specf(ErrDuplicateName, "%q", t.Name)
		}
		byName[t.Name] = t
		targets = append(targets, t)
	}

	// Reference and capability resolution, after all names are known.
	for _, t := range targets {
		for _, dep := range t.Deps {
			if _, ok := byName[dep]; !ok {
				return nil, Specf(ErrUnresolvedReference, "target %q references unknown target %q", t.Name, dep)
			}
		}
		if err := checkFuncs(t, caps); err != nil {
			return nil, err
		}
		if _, err := caps.Resolve(t.Packages); err != nil {
			return nil, Specf(ErrUnknownCapability, "target %q: %v", t.Name, err)
		}
	}

	return targets, nil
}

func buildTarget(st specTarget, baseDir string) (*Target, error) {
	if st.Name == "" {
		return nil, Specf(ErrSpec, "target name is required")
	}

	format := Format(st.Format)
	if st.Format == "" {
		format = FormatValue
	}
	switch format {
	case FormatValue, FormatFile, FormatLiterate:
	default:
		return nil, Specf(ErrSpec, "target %q: invalid format %q", st.Name, st.Format)
	}
	if st.Retries < 0 {
		return nil, Specf(ErrSpec, "target %q: negative retries", st.Name)
	}

	t := &Target{
		Name:     st.Name,
		Format:   format,
		Packages: append([]string(nil), st.Packages...),
		Retries:  st.Retries,
	}
	sort.Strings(t.Packages)

	if format == FormatLiterate {
		if st.Command != "" {
			return nil, Specf(ErrSpec, "target %q: literate targets take a document, not a command", st.Name)
		}
		if st.Document == "" {
			return nil, Specf(ErrSpec, "target %q: literate target requires a document", st.Name)
		}
		docPath := st.Document
		if !filepath.IsAbs(docPath) {
			docPath = filepath.Join(baseDir, docPath)
		}
		doc, err := literate.Scan(docPath)
		if err != nil {
			return nil, Specf(ErrSpec, "target %q: %v", st.Name, err)
		}
		t.Document = doc
		t.Deps = doc.Refs
		t.CommandHash = doc.SourceHash
		t.OutputPath = st.Output
		if t.OutputPath == "" {
			t.OutputPath = literate.DefaultOutputPath(docPath)
		} else if !filepath.IsAbs(t.OutputPath) {
			t.OutputPath = filepath.Join(baseDir, t.OutputPath)
		}
		return t, nil
	}

	if st.Document != "" || st.Output != "" {
		return nil, Specf(ErrSpec, "target %q: document/output are only valid for literate targets", st.Name)
	}
	if st.Command == "" {
		return nil, Specf(ErrSpec, "target %q: command is required", st.Name)
	}

	node, err := expr.Parse(st.Command)
	if err != nil {
		return nil, Specf(ErrSpec, "target %q: %v", st.Name, err)
	}
	refs, err := expr.References(node)
	if err != nil {
		return nil, Specf(ErrSpec, "target %q: %v", st.Name, err)
	}

	t.CommandText = st.Command
	t.Command = node
	t.Deps = refs
	t.CommandHash = fingerprint.NewHasher().
		StringField(string(format)).
		StringField(node.Canonical()).
		Sum()
	return t, nil
}

// checkFuncs verifies every function a target calls is either a builtin or is
// provided by one of the target's declared capabilities.
func checkFuncs(t *Target, caps *capability.Set) error {
	var nodes []expr.Node
	if t.Command != nil {
		nodes = append(nodes, t.Command)
	}
	if t.Document != nil {
		for _, f := range t.Document.Fragments {
			nodes = append(nodes, f.Node)
		}
	}

	known := make(map[string]struct{})
	for _, name := range builtin.Names() {
		known[name] = struct{}{}
	}
	capFuncs, err := caps.Funcs(t.Packages)
	if err != nil {
		if errors.Is(err, ErrUnknownCapability) {
			return err
		}
		return Specf(ErrUnknownCapability, "target %q: %v", t.Name, err)
	}
	for name := range capFuncs {
		known[name] = struct{}{}
	}

	for _, n := range nodes {
		for _, fname := range expr.FuncNames(n) {
			if _, ok := known[fname]; !ok {
				return Specf(ErrUnresolvedReference, "target %q calls unknown function %q", t.Name, fname)
			}
		}
	}
	return nil
}
