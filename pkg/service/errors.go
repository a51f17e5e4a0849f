package service

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConcurrentUpdate  = errors.New("order was modified concurrently, please retry")
)

// kindError carries a caller-facing message and matches one of the sentinels above.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func validationErrorf(format string, args ...interface{}) error {
	return &kindError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

func transitionErrorf(format string, args ...interface{}) error {
	return &kindError{kind: ErrInvalidTransition, msg: fmt.Sprintf(format, args...)}
}
