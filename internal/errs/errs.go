// Package errs holds the error taxonomy shared by the quest services.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Referential failures: fatal to the current operation, never retried.
var (
	ErrTeamNotFound   = errors.New("team not found")
	ErrMemberNotFound = errors.New("member not found")
	ErrRiddleNotFound = errors.New("riddle not found")
)

// ErrStageMoved means a verdict arrived for a stage the team has already left.
var ErrStageMoved = errors.New("team left the judged stage")

// ErrUnknownEvent is returned when a team update names an event outside the whitelist.
var ErrUnknownEvent = errors.New("unknown team update event")

// AnswerValidationError means the riddle's comparison itself failed,
// which is different from a wrong answer.
type AnswerValidationError struct {
	Stage int
	Err   error
}

func (e *AnswerValidationError) Error() string {
	return fmt.Sprintf("validate answer for stage %d: %v", e.Stage, e.Err)
}

func (e *AnswerValidationError) Unwrap() error { return e.Err }

// StorageError is an attachment I/O failure. Only the affected attachment is dropped.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError is a recoverable user input problem; Reply is shown to the user as is.
type ValidationError struct {
	Field string
	Reply string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s", e.Field)
}

func Invalid(field, reply string) error {
	return &ValidationError{Field: field, Reply: reply}
}

// InvariantError marks a programming error such as an unknown flow step.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant violated: " + e.Msg }

func Invariantf(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

func IsInvariant(err error) bool {
	var v *InvariantError
	return errors.As(err, &v)
}

// IsReferential reports whether err is one of the not-found failures.
func IsReferential(err error) bool {
	return errors.Is(err, ErrTeamNotFound) || errors.Is(err, ErrRiddleNotFound) || errors.Is(err, ErrMemberNotFound)
}
