package domain

import "fmt"

// Options are the resource and environment settings shared by an Experiment,
// its Groups and their Jobs. Zero values mean "inherit from the parent".
type Options struct {
	// Queue or partition the unit is submitted to.
	Queue string `json:"queue,omitempty" yaml:"queue"`

	// ParallelJobs caps the number of units of this experiment that may be
	// visible in the queue before another unit of the group is submitted.
	ParallelJobs int `json:"parallel_jobs,omitempty" yaml:"parallel_jobs"`

	// BatchSize is the number of jobs packed into one queue unit.
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size"`

	MemLoGB float64 `json:"mem_lo_gb,omitempty" yaml:"mem_lo_gb"`
	MemHiGB float64 `json:"mem_hi_gb,omitempty" yaml:"mem_hi_gb"`

	// Executable runs the job command, e.g. "bash" or "python -u".
	Executable string `json:"executable,omitempty" yaml:"executable"`

	Cwd           string            `json:"cwd,omitempty" yaml:"cwd"`
	Env           map[string]string `json:"env,omitempty" yaml:"env"`
	Source        []string          `json:"source,omitempty" yaml:"source"`
	Path          []string          `json:"path,omitempty" yaml:"path"`
	LDLibraryPath []string          `json:"ld_library_path,omitempty" yaml:"ld_library_path"`
}

// DefaultOptions are applied below any experiment-wide settings.
var DefaultOptions = Options{
	ParallelJobs: 4,
	BatchSize:    1,
	MemLoGB:      2,
	MemHiGB:      10,
	Executable:   "bash",
}

// Inherit returns o with every unset field taken from parent.
// Env is merged with o's entries winning, Source is appended after o's own
// entries, Path and LDLibraryPath are inherited only when o sets none.
func (o Options) Inherit(parent Options) Options {
	out := o
	if out.Queue == "" {
		out.Queue = parent.Queue
	}
	if out.ParallelJobs == 0 {
		out.ParallelJobs = parent.ParallelJobs
	}
	if out.BatchSize == 0 {
		out.BatchSize = parent.BatchSize
	}
	if out.MemLoGB == 0 {
		out.MemLoGB = parent.MemLoGB
	}
	if out.MemHiGB == 0 {
		out.MemHiGB = parent.MemHiGB
	}
	if out.Executable == "" {
		out.Executable = parent.Executable
	}
	if out.Cwd == "" {
		out.Cwd = parent.Cwd
	}
	if len(parent.Env) > 0 || len(o.Env) > 0 {
		out.Env = make(map[string]string, len(parent.Env)+len(o.Env))
		for k, v := range parent.Env {
			out.Env[k] = v
		}
		for k, v := range o.Env {
			out.Env[k] = v
		}
	}
	out.Source = append(append([]string(nil), o.Source...), parent.Source...)
	if len(out.Source) == 0 {
		out.Source = nil
	}
	if len(out.Path) == 0 {
		out.Path = append([]string(nil), parent.Path...)
	}
	if len(out.LDLibraryPath) == 0 {
		out.LDLibraryPath = append([]string(nil), parent.LDLibraryPath...)
	}
	return out
}

// Validate checks the settings that the scheduler relies on.
func (o Options) Validate() error {
	if o.ParallelJobs < 1 {
		return fmt.Errorf("parallel_jobs must be at least 1, got %d", o.ParallelJobs)
	}
	if o.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", o.BatchSize)
	}
	if o.MemLoGB < 0 || o.MemHiGB < 0 {
		return fmt.Errorf("memory bounds must not be negative, got %.2f/%.2f", o.MemLoGB, o.MemHiGB)
	}
	if o.MemHiGB > 0 && o.MemLoGB > o.MemHiGB {
		return fmt.Errorf("mem_lo_gb %.2f exceeds mem_hi_gb %.2f", o.MemLoGB, o.MemHiGB)
	}
	return nil
}
