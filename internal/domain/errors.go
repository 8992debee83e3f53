package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed configuration or unrecognized model/mode input.
	ErrValidation = errors.New("validation error")
	// ErrBackend marks a failure reported by the AI backend for one query.
	ErrBackend = errors.New("backend error")
	// ErrTransportNotReady is returned by send/typing calls before the
	// transport has finished connecting.
	ErrTransportNotReady = errors.New("transport not ready")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Problem
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Problem)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
