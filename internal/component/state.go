package component

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a registered component.
type State int

const (
	Stopped State = iota
	Starting
	Started
	Stopping
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	case Paused:
		return "Paused"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrAlreadyRegistered = errors.New("component already registered")
	ErrNotRegistered     = errors.New("component not registered")
	ErrDependencyCycle   = errors.New("component dependency cycle")
	ErrInvalidState      = errors.New("invalid component state")
)

// StateError reports an operation requested in a state that does not
// allow it.
type StateError struct {
	Name  string
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("component %q: cannot %s while %s", e.Name, e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// Result is the outcome for one component of a batch operation.
type Result struct {
	Name string
	Err  error
}

// Failed joins the errors of every failed result, or returns nil.
func Failed(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return errors.Join(errs...)
}
