package job

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("job not found")
	ErrInvalidTransition   = errors.New("invalid job state transition")
	ErrConflict            = errors.New("job already exists")
	ErrTransient           = errors.New("transient processing failure")
	ErrPermanent           = errors.New("permanent processing failure")
	ErrResourceUnavailable = errors.New("processing session unavailable")
)

// TransitionError reports a rejected state change.
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	if e.From == e.To {
		return fmt.Sprintf("job %s: state unchanged (%s)", e.ID, e.From)
	}
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ProcessingError is returned by processors to classify a failure.
type ProcessingError struct {
	Code      string
	Retriable bool
	Msg       string
}

func (e *ProcessingError) Error() string {
	if e.Code == "" {
		return "processing error: " + e.Msg
	}
	return fmt.Sprintf("processing error %s: %s", e.Code, e.Msg)
}

func (e *ProcessingError) Unwrap() error {
	if e.Retriable {
		return ErrTransient
	}
	return ErrPermanent
}

// IsTransient reports whether err may succeed on retry. Errors that carry
// no classification are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
