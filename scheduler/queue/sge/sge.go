// Package sge drives a Sun/Univa/Son of Grid Engine cluster with qsub, qstat
// and qdel.
package sge

import (
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/vosges/common/os/exec"
	"github.com/twitter/vosges/scheduler/queue"
)

// Binaries can be overridden, empty fields use the commands on PATH.
type Config struct {
	Qsub  string
	Qstat string
	Qdel  string

	// ExtraSubmitArgs are passed to qsub before the script.
	ExtraSubmitArgs []string
}

func (c Config) withDefaults() Config {
	if c.Qsub == "" {
		c.Qsub = "qsub"
	}
	if c.Qstat == "" {
		c.Qstat = "qstat"
	}
	if c.Qdel == "" {
		c.Qdel = "qdel"
	}
	return c
}

// qsub prints these when the request itself is wrong.
var rejected = regexp.MustCompile(`(?i)(unknown|invalid|denied|does not exist|not allowed|no suitable queues|unable to read script)`)

var gone = regexp.MustCompile(`(?i)does not exist`)

type Service struct {
	cfg    Config
	execer exec.OsExec
}

var _ queue.Service = &Service{}

func New(cfg Config, execer exec.OsExec) *Service {
	return &Service{cfg: cfg.withDefaults(), execer: execer}
}

func (s *Service) Submit(ctx context.Context, unit queue.Unit) (string, error) {
	args := []string{"-terse", "-N", unit.Name, "-S", "/bin/bash"}
	if unit.Stdout != "" {
		args = append(args, "-o", unit.Stdout)
	}
	if unit.Stderr != "" {
		args = append(args, "-e", unit.Stderr)
	}
	if unit.Queue != "" {
		args = append(args, "-q", unit.Queue)
	}
	if unit.MemLoGB > 0 {
		args = append(args, "-l", fmt.Sprintf("mem_req=%.2fG", unit.MemLoGB))
	}
	if unit.MemHiGB > 0 {
		args = append(args, "-l", fmt.Sprintf("h_vmem=%.2fG", unit.MemHiGB))
	}
	args = append(args, s.cfg.ExtraSubmitArgs...)
	args = append(args, unit.Script)

	out, err := s.execer.Command(s.cfg.Qsub, args...).Output()
	if err != nil {
		return "", queue.CommandError("qsub", unit.Name, err, rejected)
	}
	id := queue.FirstField(out)
	if id == "" {
		return "", queue.NewTransientError("qsub", fmt.Errorf("no job id in output %q", string(out)))
	}
	return id, nil
}

type qstatJob struct {
	Number string `xml:"JB_job_number"`
	Name   string `xml:"JB_name"`
	State  string `xml:"state,attr"`
	Code   string `xml:"state"`
}

type qstatInfo struct {
	Queued  []qstatJob `xml:"queue_info>job_list"`
	Waiting []qstatJob `xml:"job_info>job_list"`
}

func (j qstatJob) running() bool {
	if j.State != "" {
		return j.State == "running"
	}
	return strings.ContainsAny(j.Code, "rtR")
}

func (s *Service) List(ctx context.Context, namePrefix string, state queue.State) ([]string, error) {
	out, err := s.execer.Command(s.cfg.Qstat, "-xml").Output()
	if err != nil {
		return nil, queue.CommandError("qstat", "", err, nil)
	}
	jobs, err := parseQstat(out)
	if err != nil {
		return nil, queue.NewTransientError("qstat", err)
	}

	var ids []string
	for _, j := range jobs {
		if !queue.Matches(j.Name, namePrefix) {
			continue
		}
		if (state == queue.Running && !j.running()) || (state == queue.Pending && j.running()) {
			continue
		}
		ids = append(ids, j.Number)
	}
	return ids, nil
}

func parseQstat(out []byte) ([]qstatJob, error) {
	var info qstatInfo
	if err := xml.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("parsing qstat -xml output: %v", err)
	}
	return append(info.Queued, info.Waiting...), nil
}

func (s *Service) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	out, err := s.execer.Command(s.cfg.Qdel, ids...).Output()
	if exitErr, ok := err.(exec.ExitError); ok && gone.Match(exitErr.Stderr()) {
		// units finishing between list and delete
		log.Debugf("qdel: %s", strings.TrimSpace(string(exitErr.Stderr())))
		return nil
	}
	if err != nil {
		return queue.CommandError("qdel", "", err, nil)
	}
	log.Debugf("qdel: %s", strings.TrimSpace(string(out)))
	return nil
}
