// Package queue drives an external batch queue through three verbs: submit a
// unit script, list the units visible under a name prefix, delete units.
//
// Backends implement Service and report failures with the two error types of
// this package: a TransientError when the queue command itself could not be
// run or reached, a SubmissionError when the queue understood and refused the
// request. Client wraps a Service with retries, rate limiting and recovery of
// lost submit responses.
package queue

//go:generate mockgen -source=queue.go -package=mock_queue -destination=mock_queue/queue_mock.go

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// State filters List results.
type State int

const (
	// Any visible unit, whatever its state.
	Any State = iota

	// Pending units are queued but not started.
	Pending

	// Running units have been started on a node.
	Running
)

func (s State) String() string {
	switch s {
	case Any:
		return "any"
	case Pending:
		return "pending"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Unit is one submission to the queue. It runs Script, which in turn runs one
// or more jobs in sequence.
type Unit struct {
	// Name is unique within an experiment and starts with the experiment's name code.
	Name   string
	Script string

	// Stdout and Stderr receive the unit script's own streams.
	Stdout string
	Stderr string

	Queue   string
	MemLoGB float64
	MemHiGB float64
}

func (u Unit) String() string {
	return fmt.Sprintf("Unit %s: %s", u.Name, u.Script)
}

// Service is implemented by every queue backend.
type Service interface {
	// Submit enqueues the unit and returns the id the queue assigned to it.
	Submit(ctx context.Context, unit Unit) (string, error)

	// List returns the ids of the visible units selected by namePrefix, see Matches.
	List(ctx context.Context, namePrefix string, state State) ([]string, error)

	// Delete removes the given units from the queue, killing them if they run.
	Delete(ctx context.Context, ids []string) error
}

const exactSuffix = "$"

// Exact turns a unit name into a List pattern selecting that unit only. Unit
// names never contain the suffix.
func Exact(name string) string {
	return name + exactSuffix
}

// Matches reports whether the unit called name is selected by pattern: every
// name starting with a plain pattern, only the name itself for an Exact one.
func Matches(name, pattern string) bool {
	if exact := strings.TrimSuffix(pattern, exactSuffix); exact != pattern {
		return name == exact
	}
	return strings.HasPrefix(name, pattern)
}

// TransientError means the queue could not be reached or its command failed
// at the process level. The same request may succeed if retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("TransientQueueError: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Cause() error {
	return e.Err
}

func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// SubmissionError means the queue rejected a submission. Retrying will not help.
type SubmissionError struct {
	Unit string
	Msg  string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("SemanticSubmissionError: unit %s rejected: %s", e.Unit, e.Msg)
}

func NewSubmissionError(unit string, msg string, args ...interface{}) *SubmissionError {
	return &SubmissionError{Unit: unit, Msg: fmt.Sprintf(msg, args...)}
}

func IsTransientError(err error) bool {
	_, ok := err.(*TransientError)
	return ok
}

func IsSubmissionError(err error) bool {
	_, ok := err.(*SubmissionError)
	return ok
}

// SortIDs orders ids numerically when they are numbers, lexically otherwise.
func SortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if len(a) != len(b) && isDigits(a) && isDigits(b) {
			return len(a) < len(b)
		}
		return a < b
	})
}

func isDigits(s string) bool {
	return s != "" && strings.Trim(s, "0123456789") == ""
}
