package engine

import (
	"fmt"
	"time"
)

// CancelPolicy says which waiting jobs are canceled once a job fails.
type CancelPolicy string

const (
	// CancelDownstream cancels the waiting jobs that depend, directly or not,
	// on a failed job or group.
	CancelDownstream CancelPolicy = "downstream"

	// CancelAll cancels every waiting job as soon as any job fails.
	CancelAll CancelPolicy = "all"
)

func ParseCancelPolicy(s string) (CancelPolicy, error) {
	switch CancelPolicy(s) {
	case "":
		return CancelDownstream, nil
	case CancelDownstream, CancelAll:
		return CancelPolicy(s), nil
	}
	return "", fmt.Errorf("unknown cancel policy %q, expected %q or %q", s, CancelDownstream, CancelAll)
}

const (
	DefaultPollInterval = 2 * time.Second

	// Snapshots are rewritten at most this often, the final one is always written.
	DefaultReportInterval = 5 * time.Second
)

// Config tunes a Scheduler. Zero values are valid: a zero PollInterval
// polls back to back, which tests against the in-memory queue rely on.
type Config struct {
	PollInterval time.Duration
	CancelPolicy CancelPolicy

	// DrainTimeout bounds the final wait for units the scheduler does not
	// track, e.g. left over by another process. 0 waits forever.
	DrainTimeout time.Duration

	ReportInterval time.Duration
}

func (c Config) String() string {
	return fmt.Sprintf("engine.Config: PollInterval: %s, CancelPolicy: %s, DrainTimeout: %s, ReportInterval: %s",
		c.PollInterval, c.CancelPolicy, c.DrainTimeout, c.ReportInterval)
}
