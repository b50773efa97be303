// Package literate treats a prose document with executable fragments as a
// pipeline target.
//
// A document is Markdown whose fenced blocks tagged `pipeline` contain command
// expressions. The document's dependencies are discovered statically from
// those fragments, exactly as for ordinary targets: a bare identifier or a
// read_result/load_result call inside any fragment creates an edge. Rendering
// evaluates each fragment in order and replaces the fence with the formatted
// result; the rendered file is then tracked as a file artifact.
package literate

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"pipeweaver/internal/expr"
	"pipeweaver/internal/fingerprint"
)

// Fragment is one executable block extracted from a document.
type Fragment struct {
	// Line is the 1-based line of the opening fence, for error messages.
	Line int
	// Source is the raw fragment text.
	Source string
	// Node is the parsed expression.
	Node expr.Node
}

// Document is a scanned literate document.
type Document struct {
	Path       string
	SourceHash fingerprint.Digest
	Fragments  []Fragment
	// Refs is the union of target references across all fragments, sorted.
	Refs []string

	// source is the document content captured at scan time. Render works
	// from this snapshot so an edit between scan and render cannot mix new
	// prose with stale fragment results.
	source []byte
}

const fenceTag = "pipeline"

// Scan reads and parses the document at path.
//
// Scanning is the static-analysis half of the adapter: it must succeed at
// pipeline load time so the graph builder can wire edges before anything runs.
func Scan(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading document %s", path)
	}

	doc := &Document{
		Path:       path,
		SourceHash: fingerprint.Bytes(raw),
		source:     raw,
	}

	lines := strings.Split(string(raw), "\n")
	refSet := make(map[string]struct{})
	inFence := false
	fenceStart := 0
	var fenceLines []string

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inFence {
			if strings.HasPrefix(trimmed, "```") && strings.TrimSpace(strings.TrimPrefix(trimmed, "```")) == fenceTag {
				inFence = true
				fenceStart = i + 1
				fenceLines = fenceLines[:0]
			}
			continue
		}
		if trimmed == "```" {
			inFence = false
			src := strings.TrimSpace(strings.Join(fenceLines, "\n"))
			node, err := expr.Parse(src)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: parsing fragment", path, fenceStart)
			}
			refs, err := expr.References(node)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: analyzing fragment", path, fenceStart)
			}
			for _, r := range refs {
				refSet[r] = struct{}{}
			}
			doc.Fragments = append(doc.Fragments, Fragment{Line: fenceStart, Source: src, Node: node})
			continue
		}
		fenceLines = append(fenceLines, line)
	}
	if inFence {
		return nil, errors.Newf("%s:%d: unterminated fragment fence", path, fenceStart)
	}

	doc.Refs = make([]string, 0, len(refSet))
	for r := range refSet {
		doc.Refs = append(doc.Refs, r)
	}
	sort.Strings(doc.Refs)
	return doc, nil
}

// DefaultOutputPath derives the rendered artifact path for a document:
// report.md renders to report.out.md.
func DefaultOutputPath(docPath string) string {
	ext := filepath.Ext(docPath)
	return strings.TrimSuffix(docPath, ext) + ".out" + ext
}

// Render evaluates every fragment against env and writes the rendered
// document to outputPath, replacing each fence with its formatted result.
// It renders the source captured by Scan, not the file's current content,
// and returns the set of paths it wrote.
func Render(doc *Document, env *expr.Env, outputPath string) ([]string, error) {
	lines := strings.Split(string(doc.source), "\n")
	var out []string
	inFence := false
	fragIdx := 0

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inFence {
			if strings.HasPrefix(trimmed, "```") && strings.TrimSpace(strings.TrimPrefix(trimmed, "```")) == fenceTag {
				inFence = true
				continue
			}
			out = append(out, line)
			continue
		}
		if trimmed == "```" {
			inFence = false
			if fragIdx >= len(doc.Fragments) {
				return nil, errors.AssertionFailedf("document %s has more fences than scanned fragments", doc.Path)
			}
			frag := doc.Fragments[fragIdx]
			fragIdx++
			v, err := expr.Eval(frag.Node, env)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: evaluating fragment", doc.Path, frag.Line)
			}
			out = append(out, expr.Format(v))
		}
	}
	if fragIdx != len(doc.Fragments) {
		return nil, errors.AssertionFailedf("document %s has fewer fences than scanned fragments", doc.Path)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating output dir for %s", outputPath)
	}
	if err := os.WriteFile(outputPath, []byte(strings.Join(out, "\n")), 0o644); err != nil {
		return nil, errors.Wrapf(err, "writing rendered document %s", outputPath)
	}
	return []string{outputPath}, nil
}
