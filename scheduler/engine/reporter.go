package engine

import (
	"time"

	"github.com/twitter/vosges/scheduler/domain"
)

// Reporter is told about progress. Calls come from the scheduler's goroutine.
type Reporter interface {
	// Snapshot is called after ticks that changed a status and once at the end.
	Snapshot(e *domain.Experiment, final bool) error

	// GroupDone is called once per group, when its status becomes terminal.
	GroupDone(g *domain.Group, elapsed time.Duration)
}

type nopReporter struct{}

func (nopReporter) Snapshot(*domain.Experiment, bool) error { return nil }
func (nopReporter) GroupDone(*domain.Group, time.Duration)  {}
