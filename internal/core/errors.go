package core

import "errors"

var (
	// ErrUnknownStep is returned when a step id has no registered constructor.
	ErrUnknownStep = errors.New("unknown step")
	// ErrStepDisallowed is returned for steps the configuration forbids.
	ErrStepDisallowed = errors.New("step is disallowed")
)

// CustomError is a failure meant to be read by the user. WithStep, when
// set, is run right after the failure is recorded, typically to suggest a
// fix.
type CustomError struct {
	Title    string
	Message  string
	WithStep Step
}

func (e *CustomError) Error() string {
	return e.Message
}
