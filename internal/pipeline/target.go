// Package pipeline holds target definitions parsed from a pipeline
// specification file.
//
// A load is total replacement: either every target parses, resolves, and
// validates, or no pipeline is installed at all.
package pipeline

import (
	"pipeweaver/internal/expr"
	"pipeweaver/internal/fingerprint"
	"pipeweaver/internal/literate"
)

// Format tags what a target's tracked result is.
type Format string

const (
	// FormatValue targets produce an in-memory value; the output digest
	// covers its canonical serialization.
	FormatValue Format = "value"
	// FormatFile targets produce a set of file paths; the output digest
	// covers the file contents.
	FormatFile Format = "file"
	// FormatLiterate targets render a prose document with executable
	// fragments; they hash like a code target on the document source and
	// like a file target on the rendered artifacts.
	FormatLiterate Format = "literate"
)

// Target is one named, cacheable unit of computation. Immutable for the
// duration of a run; replaced wholesale on the next load.
type Target struct {
	Name   string
	Format Format

	// CommandText and Command are set for value and file targets.
	CommandText string
	Command     expr.Node

	// Document is set for literate targets; OutputPath is where the render
	// lands.
	Document   *literate.Document
	OutputPath string

	// Packages are the declared external capability names.
	Packages []string

	// Retries is the number of additional execution attempts after a
	// failure, with exponential backoff between attempts.
	Retries int

	// Deps are the statically discovered upstream target names, sorted.
	Deps []string

	// CommandHash is the digest of the canonical command form (or, for
	// literate targets, of the document source).
	CommandHash fingerprint.Digest
}

// IsFileTracked reports whether the target's output digest covers files on
// disk rather than an in-memory value.
func (t *Target) IsFileTracked() bool {
	return t.Format == FormatFile || t.Format == FormatLiterate
}
