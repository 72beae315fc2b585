package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDecode     = errors.New("decode error")
	ErrValidation = errors.New("validation error")
)

// DecodeError reports a malformed container. Frame is -1 for header level problems.
type DecodeError struct {
	Path   string
	Frame  int
	Reason string
	Err    error
}

func NewDecodeError(path string, frame int, format string, args ...any) *DecodeError {
	return &DecodeError{Path: path, Frame: frame, Reason: fmt.Sprintf(format, args...)}
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString("decode")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Frame >= 0 {
		fmt.Fprintf(&b, " frame %d", e.Frame)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// ValidationError reports inconsistent CSV input or zone definitions.
type ValidationError struct {
	Path   string
	Zone   string
	Frame  int
	Reason string
}

func NewValidationError(path string, frame int, format string, args ...any) *ValidationError {
	return &ValidationError{Path: path, Frame: frame, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Zone != "" {
		fmt.Fprintf(&b, " zone %q", e.Zone)
	}
	if e.Frame >= 0 {
		fmt.Fprintf(&b, " frame %d", e.Frame)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ExitCode maps an error to the process exit status of the command line tools.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrDecode):
		return 2
	case errors.Is(err, ErrValidation):
		return 3
	default:
		return 1
	}
}
