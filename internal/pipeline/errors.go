package pipeline

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Load-time failure kinds. A load failure is fatal: no partial pipeline is
// ever installed.
var (
	ErrSpec                = errors.New("invalid pipeline spec")
	ErrCycle               = errors.New("dependency cycle")
	ErrDuplicateName       = errors.New("duplicate target name")
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrUnknownCapability   = errors.New("unknown capability")
)

// SpecError wraps a load-time failure with its kind so callers can branch on
// errors.Is(err, pipeline.ErrCycle) etc.
type SpecError struct {
	Kind error
	Msg  string
}

func (e *SpecError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *SpecError) Unwrap() error { return e.Kind }

// Specf builds a SpecError of the given kind.
func Specf(kind error, format string, args ...any) error {
	return &SpecError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
