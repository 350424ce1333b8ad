// Package snap defines the lifecycle of a bird snap through the
// classification pipeline.
//
// A snap starts in PROCESSING and moves exactly once into one of four
// terminal statuses. There are no transitions out of a terminal status.
package snap

import (
	"errors"
	"fmt"
)

// Status is the persisted state of a snap.
type Status string

const (
	StatusProcessing           Status = "PROCESSING"
	StatusAvailable            Status = "AVAILABLE"
	StatusNoBirdDetected       Status = "NO_BIRD_DETECTED"
	StatusClassificationFailed Status = "CLASSIFICATION_FAILED"
	StatusDeleted              Status = "DELETED"
)

// ErrInvalidTransition is returned when a status change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid snap status transition")

// All lists every known status, initial state first.
var All = []Status{
	StatusProcessing,
	StatusAvailable,
	StatusNoBirdDetected,
	StatusClassificationFailed,
	StatusDeleted,
}

var transitions = map[Status][]Status{
	StatusProcessing: {
		StatusAvailable,
		StatusNoBirdDetected,
		StatusClassificationFailed,
		StatusDeleted,
	},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range All {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no automatic transition leaves s.
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns ErrInvalidTransition when illegal.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Outcome maps the result of a classification attempt to the terminal status
// the snap should move to. A non-nil classifyErr always wins.
func Outcome(species []string, classifyErr error) Status {
	switch {
	case classifyErr != nil:
		return StatusClassificationFailed
	case len(species) > 0:
		return StatusAvailable
	default:
		return StatusNoBirdDetected
	}
}
