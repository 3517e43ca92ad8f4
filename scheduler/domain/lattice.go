package domain

import "fmt"

// Aggregate folds the statuses of a set of jobs into a single status.
// The rules are evaluated in order and the first match wins:
//
//   - any error or killed member: killed if any member was killed, else error
//   - only waiting and canceled members, at least one canceled: canceled
//   - no canceled member and at least one running: running
//   - no canceled or running member and at least one submitted: submitted
//   - every member success (including no members at all): success
//   - otherwise: waiting
//
// A canceled member next to members that are neither failed nor waiting
// matches none of the first five rules, so such a set is waiting.
//
// Aggregate panics on a status outside the enumeration.
func Aggregate(statuses []Status) Status {
	var counts [numStatuses]int
	for _, s := range statuses {
		if !s.Valid() {
			panic(fmt.Sprintf("domain: cannot aggregate invalid status %d", int(s)))
		}
		counts[s]++
	}

	switch {
	case counts[Killed] > 0:
		return Killed
	case counts[Error] > 0:
		return Error
	}

	canceled := counts[Canceled]
	switch {
	case canceled > 0 && canceled+counts[Waiting] == len(statuses):
		return Canceled
	case canceled > 0:
		return Waiting
	case counts[Running] > 0:
		return Running
	case counts[Submitted] > 0:
		return Submitted
	case counts[Success] == len(statuses):
		return Success
	}
	return Waiting
}
