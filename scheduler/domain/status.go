package domain

import (
	"fmt"
	"strings"
)

// Status is the execution status of a Job. The zero value is Waiting.
type Status int

const (
	// Waiting: not yet handed to the queue.
	Waiting Status = iota

	// Submitted: accepted by the queue, no progress reported yet.
	Submitted

	// Running: the unit script reported that the job started.
	Running

	// Success: the job command exited with code 0.
	Success

	// Error: the job command exited non-zero, or a required path was missing.
	Error

	// Killed: the queue dropped the unit before the job reported a terminal status.
	Killed

	// Canceled: never submitted because something it depends on failed.
	Canceled

	numStatuses
)

var statusNames = [...]string{
	Waiting:   "waiting",
	Submitted: "submitted",
	Running:   "running",
	Success:   "success",
	Error:     "error",
	Killed:    "killed",
	Canceled:  "canceled",
}

// Statuses lists every valid Status in declaration order.
var Statuses = []Status{Waiting, Submitted, Running, Success, Error, Killed, Canceled}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) Valid() bool {
	return s >= Waiting && s < numStatuses
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case Success, Error, Killed, Canceled:
		return true
	}
	return false
}

// IsFailed is true for statuses that trigger cancellation downstream.
func (s Status) IsFailed() bool {
	return s == Error || s == Killed || s == Canceled
}

// IsActive is true while a job occupies a queue unit.
func (s Status) IsActive() bool {
	return s == Submitted || s == Running
}

// rank orders statuses along the lifecycle; all terminal statuses share the top rank.
func (s Status) rank() int {
	switch s {
	case Waiting:
		return 0
	case Submitted:
		return 1
	case Running:
		return 2
	}
	return 3
}

// CanTransitionTo reports whether a job in status s may move to next.
// Transitions only move forward and canceled is reachable only from waiting.
// Staying in the same status is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if next == Canceled {
		return s == Waiting
	}
	return next.rank() > s.rank()
}

// ParseStatus is the inverse of String.
func ParseStatus(str string) (Status, error) {
	str = strings.TrimSpace(strings.ToLower(str))
	for i, name := range statusNames {
		if name == str {
			return Status(i), nil
		}
	}
	return Waiting, fmt.Errorf("unknown execution status %q", str)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid execution status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
