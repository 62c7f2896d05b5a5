package propagation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition          = errors.New("invalid propagation transition")
	ErrInvalidSourceConfiguration = errors.New("invalid propagation source configuration")
	ErrNotReady                   = errors.New("propagation not ready for conversion")
	ErrAlreadyConverted           = errors.New("propagation already converted")
	ErrUnknownStatus              = errors.New("unknown propagation status")
)

// TransitionError explains a rejected status change.
type TransitionError struct {
	ID     int64
	From   Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("propagation %d: cannot advance from %s: %s", e.ID, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// SourceConfigError names the source rule a record broke.
type SourceConfigError struct {
	ID   int64
	Rule string
}

func (e *SourceConfigError) Error() string {
	return fmt.Sprintf("propagation %d: %s", e.ID, e.Rule)
}

func (e *SourceConfigError) Unwrap() error { return ErrInvalidSourceConfiguration }

// NotReadyError is returned when conversion is attempted too early.
type NotReadyError struct {
	ID       int64
	Status   Status
	Required Status
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("propagation %d is %s, conversion requires %s", e.ID, e.Status, e.Required)
}

func (e *NotReadyError) Unwrap() error { return ErrNotReady }
