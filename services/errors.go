// services/errors.go
package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures for the transport layer.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindConflict
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	}
	return "internal"
}

// PipelineError is a rejection the client can act on. Anything else reaching the handler
// is reported as an internal error.
type PipelineError struct {
	Kind    ErrorKind
	Message string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any PipelineError of the same kind, so sentinels below work with errors.Is.
func (e *PipelineError) Is(target error) bool {
	var pe *PipelineError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Kind == e.Kind && (pe.Message == "" || pe.Message == e.Message)
}

var (
	ErrIdempotencyConflict = &PipelineError{Kind: KindConflict, Message: "idempotency key reused with a different payload"}
	ErrUnauthenticated     = &PipelineError{Kind: KindAuth, Message: "invalid or expired credentials"}
)

func validationError(format string, args ...any) error {
	return &PipelineError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...any) error {
	return &PipelineError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func forbiddenError(format string, args ...any) error {
	return &PipelineError{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first PipelineError in err's chain.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
