package pipeline

import (
	"errors"
	"fmt"

	"github.com/dgnsrekt/yomi/internal/audit"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindInput is an empty or invalid script, rejected before any stage runs
	KindInput Kind = "input"

	// KindResolution is a dictionary configuration failure
	KindResolution Kind = "resolution"

	// KindMismatch is an unresolved pronunciation disagreement
	KindMismatch Kind = "mismatch"

	// KindEngine is an engine query or synthesis failure
	KindEngine Kind = "engine"

	// KindFormat is a chunk format mismatch during concatenation
	KindFormat Kind = "format"

	// KindOutput is a failure writing or locking the output directory
	KindOutput Kind = "output"
)

// Pipeline errors
var (
	// ErrEmptyScript is returned for a script with no speakable segment
	ErrEmptyScript = errors.New("script is empty")

	// ErrUnresolvedMismatch is returned when a reading disagreement is left
	// open and skip-correction mode is off
	ErrUnresolvedMismatch = audit.ErrUnresolvedMismatch
)

// Error is a classified pipeline failure.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func fail(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the kind of a pipeline error, or "" for other errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
