package domain

import "fmt"

// DefinitionError is returned while building or sealing an Experiment when the
// declared graph is inconsistent: duplicate names, unresolved dependencies, cycles.
type DefinitionError struct {
	s string
}

func (e DefinitionError) Error() string {
	return e.s
}

func NewDefinitionError(msg string, args ...interface{}) error {
	return DefinitionError{
		s: fmt.Sprintf(msg, args...),
	}
}

// InvalidTransitionError is returned when a status change would move a job
// backwards or out of a terminal status.
type InvalidTransitionError struct {
	Job  string
	From Status
	To   Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("InvalidTransition: job %s cannot move from %s to %s", e.Job, e.From, e.To)
}

func IsInvalidTransitionError(err error) bool {
	_, ok := err.(InvalidTransitionError)
	return ok
}
