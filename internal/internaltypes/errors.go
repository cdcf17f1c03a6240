package internaltypes

import (
	"errors"
	"fmt"
)

var ErrUnauthorized = errors.New("unauthorized")

// ValidationError rejects bad input before any mutation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func NotFound(entity string, id fmt.Stringer) error {
	return &NotFoundError{Entity: entity, ID: id.String()}
}

// StaleStateError means the record changed underneath the caller; the caller should
// treat it as already handled and move on.
type StaleStateError struct {
	ID       string
	Expected string
	Actual   string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state for %s: expected %s, found %s", e.ID, e.Expected, e.Actual)
}

// CollaboratorError wraps a failed inventory or messaging call.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsStale(err error) bool {
	var e *StaleStateError
	return errors.As(err, &e)
}

func IsCollaborator(err error) bool {
	var e *CollaboratorError
	return errors.As(err, &e)
}
