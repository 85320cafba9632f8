package core

import (
	"errors"
	"fmt"
)

var (
	// ErrProgramNotFound is returned by Engine.Execute when the program file
	// does not exist. No process is started in that case.
	ErrProgramNotFound = errors.New("program not found")

	// ErrBackendValidation matches every *BackendError.
	ErrBackendValidation = errors.New("backend validation failed")
)

// BackendError reports a backend that is unreachable or that did not
// identify itself with its renderer substring.
type BackendError struct {
	Backend string
	Reason  string

	// Stdout and Stderr are the harness streams of the failed validation run,
	// when there was one.
	Stdout []byte
	Stderr []byte

	Err error
}

func (e *BackendError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("backend %q not found or not working: %s", e.Backend, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBackendValidation) hold for any BackendError.
func (e *BackendError) Is(target error) bool { return target == ErrBackendValidation }
