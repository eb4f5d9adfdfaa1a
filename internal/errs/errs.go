package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinels for errors.Is checks against *Error values.
var (
	ErrValidation = errors.New("validation error")
	ErrPermission = errors.New("permission denied")
	ErrNotFound   = errors.New("not found")
	ErrStale      = errors.New("stale status")
	ErrConflict   = errors.New("conflict")
)

// Error carries a human readable message and the kind it belongs to.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error { return newError(ErrValidation, format, args...) }

func Permission(format string, args ...any) error { return newError(ErrPermission, format, args...) }

func NotFound(format string, args ...any) error { return newError(ErrNotFound, format, args...) }

func Stale(format string, args ...any) error { return newError(ErrStale, format, args...) }

func Conflict(format string, args ...any) error { return newError(ErrConflict, format, args...) }

// TaskErrors collects every task name a recipe could not resolve.
type TaskErrors struct {
	Names []string
}

func (e *TaskErrors) Add(name string) {
	e.Names = append(e.Names, name)
}

func (e *TaskErrors) HasErrors() bool {
	return len(e.Names) > 0
}

func (e *TaskErrors) Error() string {
	return "Invalid task(s): " + strings.Join(e.Names, ", ")
}

func (e *TaskErrors) Is(target error) bool {
	return target == ErrValidation
}

// HTTPStatus maps an error to the status code the API reports for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStale), errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
