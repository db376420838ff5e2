package durable

import (
	"errors"
	"fmt"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInstanceExists   = errors.New("instance already exists")
	ErrInstanceClosed   = errors.New("instance is closed")
	ErrUnknownWorkflow  = errors.New("unknown workflow")
	ErrUnknownQuery     = errors.New("unknown query")
	ErrNonDeterministic = errors.New("workflow replay diverged from journal")
	ErrEngineClosed     = errors.New("engine is closed")
)

// ApplicationError is an activity failure that is returned to workflow code instead of
// being retried. It survives journaling: on replay the workflow sees an equal error.
type ApplicationError struct {
	Type    string
	Message string

	cause error
}

// NonRetryable wraps err so the activity fails immediately with the given type.
func NonRetryable(errType string, err error) error {
	if err == nil {
		return nil
	}
	if errType == "" {
		errType = "ApplicationError"
	}
	return &ApplicationError{Type: errType, Message: err.Error(), cause: err}
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ApplicationError) Unwrap() error { return e.cause }

// Is matches another *ApplicationError with the same Type.
func (e *ApplicationError) Is(target error) bool {
	t, ok := target.(*ApplicationError)
	return ok && t.Type == e.Type
}

// IsApplicationError reports whether err carries an ApplicationError of errType.
func IsApplicationError(err error, errType string) bool {
	var appErr *ApplicationError
	return errors.As(err, &appErr) && appErr.Type == errType
}

// ActivityError reports an activity whose retries ran out. Workflows normally return it,
// which fails the instance.
type ActivityError struct {
	Activity string
	Attempts int
	Message  string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempt(s): %s", e.Activity, e.Attempts, e.Message)
}
