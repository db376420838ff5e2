package workspace

import (
	"errors"
	"io/fs"
	"os"
)

// Categories of repository tool failures. They are shown verbatim to the model.
const (
	ErrorInvalidPath      = "invalid_path"
	ErrorOutsideWorkspace = "outside_workspace"
	ErrorPathNotFound     = "path_not_found"
	ErrorPermissionDenied = "permission_denied"
	ErrorIO               = "io_error"
	ErrorTooLarge         = "too_large"
)

// Error is a categorized repository tool failure.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Detail == "":
		return e.Category
	default:
		return e.Category + ": " + e.Detail
	}
}

// Is matches another *Error of the same category, so callers can test
// errors.Is(err, &Error{Category: ErrorTooLarge}).
func (e *Error) Is(target error) bool {
	var other *Error
	return errors.As(target, &other) && other.Category == e.Category
}

func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// fixedDetails replaces OS text, which carries absolute paths, for common failures.
var fixedDetails = map[string]string{
	ErrorPathNotFound:     "path does not exist",
	ErrorPermissionDenied: "operation not permitted",
}

// CategoryFromError returns the category of err, mapping plain fs errors as well.
func CategoryFromError(err error) string {
	var categorized *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &categorized):
		return categorized.Category
	case errors.Is(err, fs.ErrNotExist):
		return ErrorPathNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrorPermissionDenied
	default:
		return ErrorIO
	}
}

// NormalizeIOError converts an OS error into a categorized one without leaking paths.
// detail is used only when nothing better is known.
func NormalizeIOError(err error, detail string) error {
	if err == nil {
		return nil
	}

	category := CategoryFromError(err)
	if fixed, ok := fixedDetails[category]; ok {
		return NewError(category, fixed)
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return NewError(category, pathErr.Err.Error())
	}
	if detail == "" {
		detail = err.Error()
	}
	return NewError(category, detail)
}
