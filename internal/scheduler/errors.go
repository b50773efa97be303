package scheduler

import "fmt"

// TargetError records a command failure during execution. It is recorded on
// the target's fingerprint record and does not abort the run.
type TargetError struct {
	Target string
	Err    error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("target %q failed: %v", e.Target, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }

// ArtifactError is a TargetError variant: a file target's command claimed
// success but a declared path is missing or unreadable.
type ArtifactError struct {
	Target string
	Err    error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("target %q artifacts invalid: %v", e.Target, e.Err)
}

func (e *ArtifactError) Unwrap() error { return e.Err }

// RenderError is a TargetError variant for literate documents.
type RenderError struct {
	Target   string
	Document string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("rendering %s for target %q: %v", e.Document, e.Target, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// UpstreamFailureError marks a target skipped because an ancestor failed.
type UpstreamFailureError struct {
	Target   string
	Upstream string
}

func (e *UpstreamFailureError) Error() string {
	return fmt.Sprintf("target %q skipped: upstream %q failed", e.Target, e.Upstream)
}
