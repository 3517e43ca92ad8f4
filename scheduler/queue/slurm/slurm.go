// Package slurm drives a Slurm cluster with sbatch, squeue and scancel.
package slurm

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/scheduler/queue"
)

type Config struct {
	Sbatch  string
	Squeue  string
	Scancel string

	// User restricts squeue to one user's jobs when set.
	User string

	ExtraSubmitArgs []string
}

func (c Config) withDefaults() Config {
	if c.Sbatch == "" {
		c.Sbatch = "sbatch"
	}
	if c.Squeue == "" {
		c.Squeue = "squeue"
	}
	if c.Scancel == "" {
		c.Scancel = "scancel"
	}
	return c
}

var rejected = regexp.MustCompile(`(?i)(invalid|unrecognized|denied|not available|requested node configuration|unable to open file)`)

const squeueFormat = "%i|%j|%t"

type Service struct {
	cfg    Config
	execer exec.OsExec
}

var _ queue.Service = &Service{}

func New(cfg Config, execer exec.OsExec) *Service {
	return &Service{cfg: cfg.withDefaults(), execer: execer}
}

func (s *Service) Submit(ctx context.Context, unit queue.Unit) (string, error) {
	args := []string{"--parsable", "--job-name=" + unit.Name}
	if unit.Stdout != "" {
		args = append(args, "--output="+unit.Stdout)
	}
	if unit.Stderr != "" {
		args = append(args, "--error="+unit.Stderr)
	}
	if unit.Queue != "" {
		args = append(args, "--partition="+unit.Queue)
	}
	// slurm has a single memory bound, the hard one
	if unit.MemHiGB > 0 {
		args = append(args, fmt.Sprintf("--mem=%dM", int64(math.Ceil(unit.MemHiGB*1024))))
	}
	args = append(args, s.cfg.ExtraSubmitArgs...)
	args = append(args, unit.Script)

	out, err := s.execer.Command(s.cfg.Sbatch, args...).Output()
	if err != nil {
		return "", queue.CommandError("sbatch", unit.Name, err, rejected)
	}
	id := queue.FirstField(out)
	if id == "" {
		return "", queue.NewTransientError("sbatch", fmt.Errorf("no job id in output %q", string(out)))
	}
	return id, nil
}

func (s *Service) List(ctx context.Context, namePrefix string, state queue.State) ([]string, error) {
	args := []string{"--noheader", "--format=" + squeueFormat}
	if s.cfg.User != "" {
		args = append(args, "--user="+s.cfg.User)
	}
	out, err := s.execer.Command(s.cfg.Squeue, args...).Output()
	if err != nil {
		return nil, queue.CommandError("squeue", "", err, nil)
	}

	var ids []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 3)
		if len(fields) != 3 {
			return nil, queue.NewTransientError("squeue", fmt.Errorf("unexpected line %q", line))
		}
		id, name, code := fields[0], fields[1], fields[2]
		if !queue.Matches(name, namePrefix) {
			continue
		}
		pending := code == "PD" || code == "CF"
		if (state == queue.Running && pending) || (state == queue.Pending && !pending) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Service) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	// scancel exits 0 for jobs that already ended
	_, err := s.execer.Command(s.cfg.Scancel, ids...).Output()
	return queue.CommandError("scancel", "", err, nil)
}
