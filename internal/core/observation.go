package core

import (
	"github.com/codefionn/autopilot/internal/traceback"
)

// ObservationKind tags the Observation variants.
type ObservationKind string

const (
	KindText          ObservationKind = "text"
	KindUserInput     ObservationKind = "user_input"
	KindInternalError ObservationKind = "internal_error"
	KindDict          ObservationKind = "dict"
	KindTraceback     ObservationKind = "traceback"
)

// Observation is the result of running a step. A step may also return nil.
type Observation interface {
	Kind() ObservationKind
}

type TextObservation struct {
	Text string `json:"text"`
}

type UserInputObservation struct {
	UserInput string `json:"user_input"`
}

// InternalErrorObservation records a step failure.
type InternalErrorObservation struct {
	Error string `json:"error"`
	Title string `json:"title"`
}

type DictObservation struct {
	Values map[string]any `json:"values"`
}

type TracebackObservation struct {
	Traceback *traceback.Traceback `json:"traceback"`
}

func (TextObservation) Kind() ObservationKind          { return KindText }
func (UserInputObservation) Kind() ObservationKind     { return KindUserInput }
func (InternalErrorObservation) Kind() ObservationKind { return KindInternalError }
func (DictObservation) Kind() ObservationKind          { return KindDict }
func (TracebackObservation) Kind() ObservationKind     { return KindTraceback }
